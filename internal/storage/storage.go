// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package storage defines the durable key-value port shared by the auth
// components and the simple in-process and file backends.
//
// Keys are flat strings. Components namespace their keys with a prefix
// (for example "guard:" or "diag:"); Scoped adds a per-tab prefix on top so
// that session-scoped state can be purged when a tab closes.
//
// Writes are last-write-wins. None of the backends offer transactions and
// callers must not rely on them.
package storage

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/samber/oops"
)

// ErrNotFound is returned by Get when a key does not exist.
var ErrNotFound = errors.New("not found")

// Store is a durable key-value store.
type Store interface {
	// Name identifies the backend (for example "postgres" or "memory").
	Name() string

	// Probe verifies the backend is reachable and writable.
	Probe(ctx context.Context) error

	// Get returns the value for key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists the keys that start with prefix, in no particular order.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Close releases backend resources.
	Close() error
}

// probeKey is written and removed by the write/remove probes.
const probeKey = "__authflow_probe__"

// WriteProbe performs a trivial write/read/remove round trip against s.
func WriteProbe(ctx context.Context, s Store) error {
	want := []byte("1")
	if err := s.Set(ctx, probeKey, want); err != nil {
		return oops.Code("STORAGE_PROBE_FAILED").With("backend", s.Name()).With("operation", "write").Wrap(err)
	}
	got, err := s.Get(ctx, probeKey)
	if err != nil {
		return oops.Code("STORAGE_PROBE_FAILED").With("backend", s.Name()).With("operation", "read").Wrap(err)
	}
	if string(got) != string(want) {
		return oops.Code("STORAGE_PROBE_FAILED").With("backend", s.Name()).Errorf("probe read back %q", got)
	}
	if err := s.Delete(ctx, probeKey); err != nil {
		return oops.Code("STORAGE_PROBE_FAILED").With("backend", s.Name()).With("operation", "remove").Wrap(err)
	}
	return nil
}

// GetJSON decodes the JSON value stored under key into v.
// Returns ErrNotFound (wrapped) when the key is absent.
func GetJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return err //nolint:wrapcheck // callers match ErrNotFound
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return oops.Code("STORAGE_DECODE_FAILED").With("key", key).Wrap(err)
	}
	return nil
}

// SetJSON encodes v as JSON and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return oops.Code("STORAGE_ENCODE_FAILED").With("key", key).Wrap(err)
	}
	return s.Set(ctx, key, raw)
}
