// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package storage

import (
	"context"
	"strings"

	"github.com/samber/oops"
)

// Scoped namespaces every key of an underlying Store under a fixed prefix.
type Scoped struct {
	inner  Store
	prefix string
}

// NewScoped wraps inner so that every key is stored as prefix+key.
func NewScoped(inner Store, prefix string) *Scoped {
	return &Scoped{inner: inner, prefix: prefix}
}

// SessionPrefix is the namespace of session-scoped (per-tab) state.
func SessionPrefix(tabID string) string {
	return "session:" + tabID + ":"
}

// Prefix returns the namespace prefix.
func (s *Scoped) Prefix() string { return s.prefix }

// Name reports the underlying backend name.
func (s *Scoped) Name() string { return s.inner.Name() }

// Probe probes the underlying store.
func (s *Scoped) Probe(ctx context.Context) error { return s.inner.Probe(ctx) }

// Get reads prefix+key.
func (s *Scoped) Get(ctx context.Context, key string) ([]byte, error) {
	return s.inner.Get(ctx, s.prefix+key)
}

// Set writes prefix+key.
func (s *Scoped) Set(ctx context.Context, key string, value []byte) error {
	return s.inner.Set(ctx, s.prefix+key, value)
}

// Delete removes prefix+key.
func (s *Scoped) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, s.prefix+key)
}

// Keys lists keys under the namespace with the namespace prefix stripped.
func (s *Scoped) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.inner.Keys(ctx, s.prefix+prefix)
	if err != nil {
		return nil, err //nolint:wrapcheck // passthrough of backend error
	}
	for i, k := range keys {
		keys[i] = strings.TrimPrefix(k, s.prefix)
	}
	return keys, nil
}

// Purge deletes every key in the namespace.
func (s *Scoped) Purge(ctx context.Context) error {
	return PurgePrefix(ctx, s.inner, s.prefix)
}

// Close does nothing; the underlying store is owned elsewhere.
func (s *Scoped) Close() error { return nil }

// PurgePrefix deletes every key of s that starts with prefix.
func PurgePrefix(ctx context.Context, s Store, prefix string) error {
	keys, err := s.Keys(ctx, prefix)
	if err != nil {
		return oops.Code("STORAGE_PURGE_FAILED").With("prefix", prefix).Wrap(err)
	}
	for _, k := range keys {
		if err := s.Delete(ctx, k); err != nil {
			return oops.Code("STORAGE_PURGE_FAILED").With("prefix", prefix).Wrap(err)
		}
	}
	return nil
}
