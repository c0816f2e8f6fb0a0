package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/xtxerr/vigil/internal/errors"
)

// Host is a monitored host and the transport policy its peers must meet.
type Host struct {
	ID     uint64
	Name   string
	Status int

	// TLSAccept is the bitmask of connection types accepted from the host
	// (1 unencrypted, 2 PSK, 4 certificate).
	TLSAccept int

	// TLSIssuer and TLSSubject, when non-empty, must equal the peer
	// certificate's issuer and subject.
	TLSIssuer  string
	TLSSubject string

	// TLSPSKIdentity, when non-empty, must equal the peer's PSK identity.
	TLSPSKIdentity string
}

// CreateHost inserts a host.
func (s *Store) CreateHost(ctx context.Context, h *Host) error {
	if h.TLSAccept == 0 {
		h.TLSAccept = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO hosts (hostid, host, status, tls_accept, tls_issuer, tls_subject, tls_psk_identity)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, h.ID, h.Name, h.Status, h.TLSAccept, h.TLSIssuer, h.TLSSubject, h.TLSPSKIdentity)
	if err != nil {
		return fmt.Errorf("insert host %q: %v: %w", h.Name, err, errors.ErrDatabase)
	}
	return nil
}

// UpdateHost rewrites the settings of an existing host.
func (s *Store) UpdateHost(ctx context.Context, h *Host) error {
	if h.TLSAccept == 0 {
		h.TLSAccept = 1
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE hosts SET host = ?, status = ?, tls_accept = ?, tls_issuer = ?, tls_subject = ?, tls_psk_identity = ?
		WHERE hostid = ?
	`, h.Name, h.Status, h.TLSAccept, h.TLSIssuer, h.TLSSubject, h.TLSPSKIdentity, h.ID)
	if err != nil {
		return fmt.Errorf("update host %q: %v: %w", h.Name, err, errors.ErrDatabase)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("host %d: %w", h.ID, errors.ErrNotFound)
	}
	return nil
}

// HostByName returns the host with the given technical name.
func (s *Store) HostByName(ctx context.Context, name string) (*Host, error) {
	h := &Host{}
	err := s.db.QueryRowContext(ctx, `
		SELECT hostid, host, status, tls_accept, tls_issuer, tls_subject, tls_psk_identity
		FROM hosts WHERE host = ?
	`, name).Scan(&h.ID, &h.Name, &h.Status, &h.TLSAccept, &h.TLSIssuer, &h.TLSSubject, &h.TLSPSKIdentity)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("host %q: %w", name, errors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get host %q: %v: %w", name, err, errors.ErrDatabase)
	}
	return h, nil
}

// ListHosts returns all hosts ordered by name.
func (s *Store) ListHosts(ctx context.Context) ([]*Host, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT hostid, host, status, tls_accept, tls_issuer, tls_subject, tls_psk_identity
		FROM hosts ORDER BY host
	`)
	if err != nil {
		return nil, fmt.Errorf("list hosts: %v: %w", err, errors.ErrDatabase)
	}
	defer rows.Close()

	var hosts []*Host
	for rows.Next() {
		h := &Host{}
		if err := rows.Scan(&h.ID, &h.Name, &h.Status, &h.TLSAccept, &h.TLSIssuer, &h.TLSSubject, &h.TLSPSKIdentity); err != nil {
			return nil, fmt.Errorf("scan host: %v: %w", err, errors.ErrDatabase)
		}
		hosts = append(hosts, h)
	}
	return hosts, rows.Err()
}

// =============================================================================
// PSK Identities
// =============================================================================

// SetPSK stores or replaces the hex encoded PSK of identity.
func (s *Store) SetPSK(ctx context.Context, identity, pskHex string) error {
	return s.TransactionContext(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM psk_identities WHERE identity = ?`, identity); err != nil {
			return fmt.Errorf("delete psk identity: %v: %w", err, errors.ErrDatabase)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO psk_identities (identity, psk) VALUES (?, ?)`, identity, pskHex); err != nil {
			return fmt.Errorf("insert psk identity: %v: %w", err, errors.ErrDatabase)
		}
		return nil
	})
}

// LookupPSK returns the hex encoded PSK stored for identity.
func (s *Store) LookupPSK(ctx context.Context, identity string) (string, bool, error) {
	var psk string
	err := s.db.QueryRowContext(ctx, `SELECT psk FROM psk_identities WHERE identity = ?`, identity).Scan(&psk)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup psk identity: %v: %w", err, errors.ErrDatabase)
	}
	return psk, true, nil
}
