// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package redis implements the key-value storage backend on Redis.
package redis

import (
	"context"
	"errors"
	"strings"

	goredis "github.com/redis/go-redis/v9"
	"github.com/samber/oops"

	"github.com/holomush/authflow/internal/storage"
)

// scanBatch is the COUNT hint passed to SCAN.
const scanBatch = 100

// Store implements storage.Store on a Redis database.
type Store struct {
	client *goredis.Client
}

var _ storage.Store = (*Store)(nil)

// Open parses a redis:// URL and creates a client. No connection is made
// until the first command.
func Open(url string) (*Store, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, oops.Code("STORAGE_CONNECT_FAILED").With("backend", "redis").Wrap(err)
	}
	return &Store{client: goredis.NewClient(opts)}, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *goredis.Client) *Store {
	return &Store{client: client}
}

// Client exposes the underlying client so the broadcaster can share the
// connection for pub/sub.
func (s *Store) Client() *goredis.Client { return s.client }

// Name returns "redis".
func (s *Store) Name() string { return "redis" }

// Probe pings the server and performs a write/remove round trip.
func (s *Store) Probe(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return oops.Code("STORAGE_PROBE_FAILED").With("backend", s.Name()).With("operation", "ping").Wrap(err)
	}
	return storage.WriteProbe(ctx, s)
}

// Get returns the value stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, wrap(err, "get")
	}
	return value, nil
}

// Set stores value under key without expiry.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, key, value, 0).Err(); err != nil {
		return wrap(err, "set")
	}
	return nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return wrap(err, "delete")
	}
	return nil
}

// Keys lists keys with the given prefix using SCAN.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, MatchPrefix(prefix), scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, wrap(err, "scan")
	}
	return keys, nil
}

// Close closes the client.
func (s *Store) Close() error {
	if err := s.client.Close(); err != nil {
		return oops.Code("STORAGE_CLOSE_FAILED").With("backend", s.Name()).Wrap(err)
	}
	return nil
}

// MatchPrefix builds a SCAN MATCH pattern for keys starting with prefix.
func MatchPrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(prefix) + "*"
}

func wrap(err error, operation string) error {
	return oops.Code("STORAGE_QUERY_FAILED").
		With("backend", "redis").
		With("operation", operation).
		Wrap(err)
}
