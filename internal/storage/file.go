// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/samber/oops"
)

// File is a key-value Store kept in a single JSON document on disk.
// Every write rewrites the document through a temp file and rename.
type File struct {
	mu   sync.Mutex
	path string
}

// NewFile creates a file store at path. The parent directory is created
// on first write.
func NewFile(path string) *File {
	return &File{path: path}
}

// Name returns "file".
func (f *File) Name() string { return "file" }

// Path returns the document location.
func (f *File) Path() string { return f.path }

// Probe performs a write/remove round trip.
func (f *File) Probe(ctx context.Context) error {
	return WriteProbe(ctx, f)
}

// Get returns the value stored under key.
func (f *File) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.load()
	if err != nil {
		return nil, err
	}
	v, ok := doc[key]
	if !ok {
		return nil, ErrNotFound
	}
	return []byte(v), nil
}

// Set stores value under key.
func (f *File) Set(_ context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.load()
	if err != nil {
		return err
	}
	doc[key] = string(value)
	return f.save(doc)
}

// Delete removes key.
func (f *File) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.load()
	if err != nil {
		return err
	}
	if _, ok := doc[key]; !ok {
		return nil
	}
	delete(doc, key)
	return f.save(doc)
}

// Keys lists keys with the given prefix.
func (f *File) Keys(_ context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.load()
	if err != nil {
		return nil, err
	}
	var keys []string
	for k := range doc {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Close is a no-op.
func (f *File) Close() error { return nil }

func (f *File) load() (map[string]string, error) {
	raw, err := os.ReadFile(f.path)
	// A parent that is not a directory also means no document yet; save
	// reports the real problem.
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, oops.Code("STORAGE_READ_FAILED").With("path", f.path).Wrap(err)
	}
	doc := make(map[string]string)
	if len(raw) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, oops.Code("STORAGE_DECODE_FAILED").With("path", f.path).Wrap(err)
	}
	return doc, nil
}

func (f *File) save(doc map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return oops.Code("STORAGE_WRITE_FAILED").With("path", f.path).Wrap(err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return oops.Code("STORAGE_ENCODE_FAILED").With("path", f.path).Wrap(err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".authflow-*.tmp")
	if err != nil {
		return oops.Code("STORAGE_WRITE_FAILED").With("path", f.path).Wrap(err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()         //nolint:errcheck // write error takes precedence
		_ = os.Remove(tmpName) //nolint:errcheck // best effort cleanup
		return oops.Code("STORAGE_WRITE_FAILED").With("path", f.path).Wrap(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName) //nolint:errcheck // best effort cleanup
		return oops.Code("STORAGE_WRITE_FAILED").With("path", f.path).Wrap(err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		_ = os.Remove(tmpName) //nolint:errcheck // best effort cleanup
		return oops.Code("STORAGE_WRITE_FAILED").With("path", f.path).Wrap(err)
	}
	return nil
}

func errClosed(backend string) error {
	return oops.Code("STORAGE_CLOSED").With("backend", backend).Errorf("store is closed")
}
