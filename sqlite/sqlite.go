// SPDX-FileCopyrightText: (C) 2025 the go-spdm authors
// SPDX-License-Identifier: Apache 2.0

// Package sqlite implements requester- and responder-side persistence with a
// SQLite database: trust anchors, provisioned pre-shared keys, and a cache
// of verified certificate chains keyed by digest.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/ncruces/go-sqlite3/driver"    // Load database/sql driver
	_ "github.com/ncruces/go-sqlite3/embed"   // Load sqlite WASM binary
	_ "github.com/ncruces/go-sqlite3/vfs/xts" // Encryption VFS

	"github.com/device-security/go-spdm"
)

// DB implements spdm.TrustStore and spdm.PskStore backed by SQLite.
type DB struct {
	db *sql.DB
}

var (
	_ spdm.TrustStore = (*DB)(nil)
	_ spdm.PskStore   = (*DB)(nil)
)

// New creates a DB. The expected tables must already exist; in most cases
// Open, which calls Init, should be used instead.
func New(db *sql.DB) *DB { return &DB{db: db} }

// Open creates or opens a SQLite database file using a single non-pooled
// connection. If a password is specified, then the xts VFS will be used
// with a text key.
func Open(filename, password string) (*DB, error) {
	query := "?_pragma=foreign_keys(on)"
	if password != "" {
		query += fmt.Sprintf("&vfs=xts&_pragma=textkey(%q)&_pragma=temp_store(memory)", password)
	}
	connector, err := (&driver.SQLite{}).OpenConnector("file:" + filepath.Clean(filename) + query)
	if err != nil {
		return nil, fmt.Errorf("error creating sqlite connector: %w", err)
	}
	db := sql.OpenDB(connector)
	if err := Init(db); err != nil {
		return nil, err
	}
	return New(db), nil
}

// Init ensures all tables are created. It does not recognize if tables have
// been created with invalid schemas.
func Init(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS trust_anchors
			( der BLOB PRIMARY KEY
			)`,
		`CREATE TABLE IF NOT EXISTS psks
			( hint BLOB PRIMARY KEY
			, secret BLOB NOT NULL
			)`,
		`CREATE TABLE IF NOT EXISTS verified_chains
			( digest BLOB PRIMARY KEY
			, chain BLOB NOT NULL
			, verified_at INTEGER NOT NULL
			)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("error creating tables: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (db *DB) Close() error { return db.db.Close() }

// AddTrustAnchor stores a DER root certificate as a trust anchor.
func (db *DB) AddTrustAnchor(ctx context.Context, der []byte) error {
	_, err := db.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO trust_anchors (der) VALUES (?)`, der)
	return err
}

// RemoveTrustAnchor deletes a trust anchor.
func (db *DB) RemoveTrustAnchor(ctx context.Context, der []byte) error {
	_, err := db.db.ExecContext(ctx,
		`DELETE FROM trust_anchors WHERE der = ?`, der)
	return err
}

// TrustedRoot implements spdm.TrustStore.
func (db *DB) TrustedRoot(ctx context.Context, der []byte) (bool, error) {
	row := db.db.QueryRowContext(ctx,
		`SELECT 1 FROM trust_anchors WHERE der = ?`, der)
	var one int
	if err := row.Scan(&one); errors.Is(err, sql.ErrNoRows) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("error querying trust anchors: %w", err)
	}
	return true, nil
}

// AddPsk provisions a pre-shared key under a hint, replacing any previous
// key for the same hint.
func (db *DB) AddPsk(ctx context.Context, hint, secret []byte) error {
	_, err := db.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO psks (hint, secret) VALUES (?, ?)`, hint, secret)
	return err
}

// Psk implements spdm.PskStore.
func (db *DB) Psk(ctx context.Context, hint []byte) ([]byte, error) {
	row := db.db.QueryRowContext(ctx,
		`SELECT secret FROM psks WHERE hint = ?`, hint)
	var secret []byte
	if err := row.Scan(&secret); errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no PSK provisioned for hint %x", hint)
	} else if err != nil {
		return nil, fmt.Errorf("error querying PSKs: %w", err)
	}
	return secret, nil
}

// AddVerifiedChain records a certificate chain blob that passed
// verification, keyed by its digest, so later connections can skip
// retrieval when DIGESTS reports a known value.
func (db *DB) AddVerifiedChain(ctx context.Context, digest, chain []byte) error {
	_, err := db.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO verified_chains (digest, chain, verified_at) VALUES (?, ?, ?)`,
		digest, chain, time.Now().Unix())
	return err
}

// VerifiedChain returns the chain blob previously stored for a digest, or
// nil if the digest is unknown.
func (db *DB) VerifiedChain(ctx context.Context, digest []byte) ([]byte, error) {
	row := db.db.QueryRowContext(ctx,
		`SELECT chain FROM verified_chains WHERE digest = ?`, digest)
	var chain []byte
	if err := row.Scan(&chain); errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("error querying verified chains: %w", err)
	}
	return chain, nil
}
