package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/xtxerr/vigil/internal/errors"
	"github.com/xtxerr/vigil/internal/evalfunc"
)

// =============================================================================
// User Macros
// =============================================================================

// SetGlobalMacro stores a global user macro. token is the macro as written,
// e.g. {$LIMIT} or {$LIMIT:"eth0"}.
func (s *Store) SetGlobalMacro(ctx context.Context, token, value string) error {
	name, mctx, hasContext, ok := evalfunc.ParseUserMacro(token)
	if !ok {
		return fmt.Errorf("invalid macro %q: %w", token, errors.ErrValidation)
	}
	return s.TransactionContext(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM globalmacro WHERE macro = ? AND context IS NOT DISTINCT FROM ?
		`, name, nullContext(mctx, hasContext)); err != nil {
			return fmt.Errorf("delete global macro: %v: %w", err, errors.ErrDatabase)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO globalmacro (macro, context, value) VALUES (?, ?, ?)
		`, name, nullContext(mctx, hasContext), value); err != nil {
			return fmt.Errorf("insert global macro: %v: %w", err, errors.ErrDatabase)
		}
		return nil
	})
}

// SetHostMacro stores a user macro on one host.
func (s *Store) SetHostMacro(ctx context.Context, hostID uint64, token, value string) error {
	name, mctx, hasContext, ok := evalfunc.ParseUserMacro(token)
	if !ok {
		return fmt.Errorf("invalid macro %q: %w", token, errors.ErrValidation)
	}
	return s.TransactionContext(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM hostmacro WHERE hostid = ? AND macro = ? AND context IS NOT DISTINCT FROM ?
		`, hostID, name, nullContext(mctx, hasContext)); err != nil {
			return fmt.Errorf("delete host macro: %v: %w", err, errors.ErrDatabase)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO hostmacro (hostid, macro, context, value) VALUES (?, ?, ?, ?)
		`, hostID, name, nullContext(mctx, hasContext), value); err != nil {
			return fmt.Errorf("insert host macro: %v: %w", err, errors.ErrDatabase)
		}
		return nil
	})
}

func nullContext(value string, hasContext bool) sql.NullString {
	return sql.NullString{String: value, Valid: hasContext}
}

// UserMacro resolves a user macro for a host. A macro with context is
// looked up with its exact context on the host, then globally; failing
// that, the macro without context is looked up on the host, then globally.
func (s *Store) UserMacro(hostID uint64, token string) (string, bool) {
	name, mctx, hasContext, ok := evalfunc.ParseUserMacro(token)
	if !ok {
		return "", false
	}

	ctx, cancel := s.defaultContext()
	defer cancel()

	if hasContext {
		if v, ok := s.hostMacro(ctx, hostID, name, nullContext(mctx, true)); ok {
			return v, true
		}
		if v, ok := s.globalMacro(ctx, name, nullContext(mctx, true)); ok {
			return v, true
		}
	}
	if v, ok := s.hostMacro(ctx, hostID, name, sql.NullString{}); ok {
		return v, true
	}
	return s.globalMacro(ctx, name, sql.NullString{})
}

func (s *Store) hostMacro(ctx context.Context, hostID uint64, name string, mctx sql.NullString) (string, bool) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM hostmacro WHERE hostid = ? AND macro = ? AND context IS NOT DISTINCT FROM ?
	`, hostID, name, mctx).Scan(&value)
	if err != nil {
		if err != sql.ErrNoRows {
			log.Warn("host macro lookup failed", "hostid", hostID, "macro", name, "error", err)
		}
		return "", false
	}
	return value, true
}

func (s *Store) globalMacro(ctx context.Context, name string, mctx sql.NullString) (string, bool) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM globalmacro WHERE macro = ? AND context IS NOT DISTINCT FROM ?
	`, name, mctx).Scan(&value)
	if err != nil {
		if err != sql.ErrNoRows {
			log.Warn("global macro lookup failed", "macro", name, "error", err)
		}
		return "", false
	}
	return value, true
}

// =============================================================================
// Global Regular Expressions
// =============================================================================

// CreateRegexp stores a named global regular expression set, replacing
// any set with the same id or name.
func (s *Store) CreateRegexp(ctx context.Context, id uint64, name string, exprs []evalfunc.GlobalExpression) error {
	return s.TransactionContext(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM expressions WHERE regexpid IN (SELECT regexpid FROM regexps WHERE regexpid = ? OR name = ?)
		`, id, name); err != nil {
			return fmt.Errorf("delete expressions: %v: %w", err, errors.ErrDatabase)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM regexps WHERE regexpid = ? OR name = ?`, id, name); err != nil {
			return fmt.Errorf("delete regexp %q: %v: %w", name, err, errors.ErrDatabase)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO regexps (regexpid, name) VALUES (?, ?)`, id, name); err != nil {
			return fmt.Errorf("insert regexp %q: %v: %w", name, err, errors.ErrDatabase)
		}
		for i, e := range exprs {
			delim := e.Delimiter
			if delim == 0 {
				delim = ','
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO expressions (regexpid, position, expression, expression_type, exp_delimiter, case_sensitive)
				VALUES (?, ?, ?, ?, ?, ?)
			`, id, i, e.Expression, int(e.Type), string(delim), e.CaseSensitive); err != nil {
				return fmt.Errorf("insert expression: %v: %w", err, errors.ErrDatabase)
			}
		}
		return nil
	})
}

// GlobalRegexp returns the expressions of the named set in definition
// order. An unknown name yields an empty slice.
func (s *Store) GlobalRegexp(name string) ([]evalfunc.GlobalExpression, error) {
	ctx, cancel := s.defaultContext()
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT e.expression, e.expression_type, e.exp_delimiter, e.case_sensitive
		FROM regexps r JOIN expressions e ON e.regexpid = r.regexpid
		WHERE r.name = ?
		ORDER BY e.position
	`, name)
	if err != nil {
		return nil, fmt.Errorf("get regexp %q: %v: %w", name, err, errors.ErrDatabase)
	}
	defer rows.Close()

	var exprs []evalfunc.GlobalExpression
	for rows.Next() {
		var (
			e     evalfunc.GlobalExpression
			typ   int
			delim string
		)
		if err := rows.Scan(&e.Expression, &typ, &delim, &e.CaseSensitive); err != nil {
			return nil, fmt.Errorf("scan expression: %v: %w", err, errors.ErrDatabase)
		}
		e.Type = evalfunc.ExpressionType(typ)
		e.Delimiter = ','
		if delim != "" {
			e.Delimiter = delim[0]
		}
		exprs = append(exprs, e)
	}
	return exprs, rows.Err()
}
