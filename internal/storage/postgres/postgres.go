// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package postgres implements the indexed storage backend on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"

	"github.com/holomush/authflow/internal/storage"
)

// poolIface is the subset of pgxpool.Pool used by Store. pgxmock
// implements it for unit tests.
type poolIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Store implements storage.Store on the authflow_kv table.
type Store struct {
	pool poolIface
}

var _ storage.Store = (*Store)(nil)

// Open connects to PostgreSQL. The schema is not migrated; run Migrator.Up
// first or let Probe report STORAGE_SCHEMA_MISSING.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, oops.Code("STORAGE_CONNECT_FAILED").With("backend", "postgres").Wrap(err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool creates a Store over an existing pool.
func NewWithPool(pool poolIface) *Store {
	return &Store{pool: pool}
}

// Name returns "postgres".
func (s *Store) Name() string { return "postgres" }

// Probe pings the server and performs a write/remove round trip.
func (s *Store) Probe(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return oops.Code("STORAGE_PROBE_FAILED").With("backend", s.Name()).With("operation", "ping").Wrap(err)
	}
	return storage.WriteProbe(ctx, s)
}

// Get returns the value stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.pool.QueryRow(ctx, `SELECT value FROM authflow_kv WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, wrap(err, "get", key)
	}
	return value, nil
}

// Set upserts value under key.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO authflow_kv (key, value, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, value)
	if err != nil {
		return wrap(err, "set", key)
	}
	return nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM authflow_kv WHERE key = $1`, key); err != nil {
		return wrap(err, "delete", key)
	}
	return nil
}

// Keys lists keys with the given prefix using the text_pattern_ops index.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT key FROM authflow_kv WHERE key LIKE $1`, likePrefix(prefix))
	if err != nil {
		return nil, wrap(err, "keys", prefix)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, wrap(err, "scan key", prefix)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err, "iterate keys", prefix)
	}
	return keys, nil
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// likePrefix escapes LIKE metacharacters in prefix and appends a wildcard.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}

func wrap(err error, operation, key string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UndefinedTable {
		return oops.Code("STORAGE_SCHEMA_MISSING").
			With("backend", "postgres").
			With("operation", operation).
			Wrap(err)
	}
	return oops.Code("STORAGE_QUERY_FAILED").
		With("backend", "postgres").
		With("operation", operation).
		With("key", key).
		Wrap(err)
}
