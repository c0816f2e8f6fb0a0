package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/xtxerr/vigil/internal/errors"
)

// Status values shared by hosts and items.
const (
	StatusEnabled  = 0
	StatusDisabled = 1
)

// migrate creates the metastore schema.
//
// This is idempotent - safe to run on every start.
func migrate(ctx context.Context, db *sql.DB) error {
	migrations := []struct {
		name string
		sql  string
	}{
		{
			name: "hosts",
			sql: `CREATE TABLE IF NOT EXISTS hosts (
				hostid           UBIGINT PRIMARY KEY,
				host             VARCHAR NOT NULL UNIQUE,
				status           INTEGER NOT NULL DEFAULT 0,
				tls_accept       INTEGER NOT NULL DEFAULT 1,
				tls_issuer       VARCHAR NOT NULL DEFAULT '',
				tls_subject      VARCHAR NOT NULL DEFAULT '',
				tls_psk_identity VARCHAR NOT NULL DEFAULT ''
			)`,
		},
		{
			name: "items",
			sql: `CREATE TABLE IF NOT EXISTS items (
				itemid     UBIGINT PRIMARY KEY,
				hostid     UBIGINT NOT NULL,
				key_       VARCHAR NOT NULL,
				value_type INTEGER NOT NULL,
				units      VARCHAR NOT NULL DEFAULT '',
				valuemapid UBIGINT NOT NULL DEFAULT 0,
				status     INTEGER NOT NULL DEFAULT 0,
				created    BIGINT NOT NULL,
				UNIQUE (hostid, key_)
			)`,
		},
		{
			name: "valuemaps",
			sql: `CREATE TABLE IF NOT EXISTS valuemaps (
				valuemapid UBIGINT PRIMARY KEY,
				name       VARCHAR NOT NULL
			)`,
		},
		{
			name: "mappings",
			sql: `CREATE TABLE IF NOT EXISTS mappings (
				valuemapid UBIGINT NOT NULL,
				value      VARCHAR NOT NULL,
				newvalue   VARCHAR NOT NULL,
				PRIMARY KEY (valuemapid, value)
			)`,
		},
		{
			name: "regexps",
			sql: `CREATE TABLE IF NOT EXISTS regexps (
				regexpid UBIGINT PRIMARY KEY,
				name     VARCHAR NOT NULL UNIQUE
			)`,
		},
		{
			name: "expressions",
			sql: `CREATE TABLE IF NOT EXISTS expressions (
				regexpid        UBIGINT NOT NULL,
				position        INTEGER NOT NULL,
				expression      VARCHAR NOT NULL,
				expression_type INTEGER NOT NULL,
				exp_delimiter   VARCHAR NOT NULL DEFAULT ',',
				case_sensitive  BOOLEAN NOT NULL DEFAULT true,
				PRIMARY KEY (regexpid, position)
			)`,
		},
		{
			name: "globalmacro",
			sql: `CREATE TABLE IF NOT EXISTS globalmacro (
				macro   VARCHAR NOT NULL,
				context VARCHAR,
				value   VARCHAR NOT NULL
			)`,
		},
		{
			name: "hostmacro",
			sql: `CREATE TABLE IF NOT EXISTS hostmacro (
				hostid  UBIGINT NOT NULL,
				macro   VARCHAR NOT NULL,
				context VARCHAR,
				value   VARCHAR NOT NULL
			)`,
		},
		{
			name: "psk_identities",
			sql: `CREATE TABLE IF NOT EXISTS psk_identities (
				identity VARCHAR PRIMARY KEY,
				psk      VARCHAR NOT NULL
			)`,
		},
		{
			name: "idx_items_hostid",
			sql:  `CREATE INDEX IF NOT EXISTS idx_items_hostid ON items(hostid)`,
		},
		{
			name: "idx_hostmacro_hostid",
			sql:  `CREATE INDEX IF NOT EXISTS idx_hostmacro_hostid ON hostmacro(hostid, macro)`,
		},
	}

	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("migration %s: %v: %w", m.name, err, errors.ErrDatabase)
		}
		log.Debug("migration applied", "name", m.name)
	}

	log.Info("schema migration completed", "migrations", len(migrations))
	return nil
}
