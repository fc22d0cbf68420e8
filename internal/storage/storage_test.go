// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package storage_test

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/authflow/internal/storage"
	"github.com/holomush/authflow/pkg/errutil"
)

func backends(t *testing.T) map[string]storage.Store {
	t.Helper()
	return map[string]storage.Store{
		"memory": storage.NewMemory(),
		"file":   storage.NewFile(filepath.Join(t.TempDir(), "nested", "store.json")),
	}
}

func TestStore_Contract(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.Get(ctx, "missing")
			require.ErrorIs(t, err, storage.ErrNotFound)

			require.NoError(t, s.Set(ctx, "guard:a", []byte(`{"n":1}`)))
			require.NoError(t, s.Set(ctx, "guard:b", []byte(`2`)))
			require.NoError(t, s.Set(ctx, "diag:log", []byte(`[]`)))

			got, err := s.Get(ctx, "guard:a")
			require.NoError(t, err)
			assert.Equal(t, `{"n":1}`, string(got))

			keys, err := s.Keys(ctx, "guard:")
			require.NoError(t, err)
			sort.Strings(keys)
			assert.Equal(t, []string{"guard:a", "guard:b"}, keys)

			require.NoError(t, s.Delete(ctx, "guard:a"))
			require.NoError(t, s.Delete(ctx, "guard:a"), "deleting a missing key is not an error")
			_, err = s.Get(ctx, "guard:a")
			require.ErrorIs(t, err, storage.ErrNotFound)

			require.NoError(t, s.Probe(ctx))
			_, err = s.Get(ctx, "__authflow_probe__")
			require.ErrorIs(t, err, storage.ErrNotFound, "probe must clean up")
		})
	}
}

func TestMemory_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	m := storage.NewMemory()
	require.NoError(t, m.Set(ctx, "k", []byte("abc")))

	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	got[0] = 'z'

	again, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(again))
}

func TestMemory_ClosedRejectsWrites(t *testing.T) {
	m := storage.NewMemory()
	require.NoError(t, m.Close())

	err := m.Set(context.Background(), "k", []byte("v"))
	errutil.AssertErrorCode(t, err, "STORAGE_CLOSED")
	errutil.AssertErrorCode(t, m.Probe(context.Background()), "STORAGE_CLOSED")
}

func TestFile_PersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.json")

	require.NoError(t, storage.NewFile(path).Set(ctx, "trace", []byte("01ABC")))

	got, err := storage.NewFile(path).Get(ctx, "trace")
	require.NoError(t, err)
	assert.Equal(t, "01ABC", string(got))
}

func TestFile_CorruptDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := storage.NewFile(path).Get(context.Background(), "k")
	errutil.AssertErrorCode(t, err, "STORAGE_DECODE_FAILED")
}

func TestFile_ProbeFailsOnUnwritableDir(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	s := storage.NewFile(filepath.Join(blocker, "store.json"))
	err := s.Probe(context.Background())
	require.Error(t, err)
	// oops reports the innermost code.
	errutil.AssertErrorCode(t, err, "STORAGE_WRITE_FAILED")
	errutil.AssertErrorContext(t, err, "operation", "write")
}

func TestFile_ReadUnderFileParentIsNotFound(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	_, err := storage.NewFile(filepath.Join(blocker, "store.json")).Get(context.Background(), "k")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestScoped_NamespacesAndPurges(t *testing.T) {
	ctx := context.Background()
	inner := storage.NewMemory()
	tabA := storage.NewScoped(inner, storage.SessionPrefix("A"))
	tabB := storage.NewScoped(inner, storage.SessionPrefix("B"))

	require.NoError(t, tabA.Set(ctx, "guard", []byte("a")))
	require.NoError(t, tabB.Set(ctx, "guard", []byte("b")))

	got, err := tabA.Get(ctx, "guard")
	require.NoError(t, err)
	assert.Equal(t, "a", string(got))

	raw, err := inner.Get(ctx, "session:A:guard")
	require.NoError(t, err)
	assert.Equal(t, "a", string(raw))

	keys, err := tabA.Keys(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"guard"}, keys)

	require.NoError(t, tabA.Purge(ctx))
	_, err = tabA.Get(ctx, "guard")
	require.ErrorIs(t, err, storage.ErrNotFound)

	got, err = tabB.Get(ctx, "guard")
	require.NoError(t, err)
	assert.Equal(t, "b", string(got), "other tabs are untouched")
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	m := storage.NewMemory()

	type record struct {
		Count int `json:"count"`
	}
	require.NoError(t, storage.SetJSON(ctx, m, "r", record{Count: 3}))

	var got record
	require.NoError(t, storage.GetJSON(ctx, m, "r", &got))
	assert.Equal(t, 3, got.Count)

	err := storage.GetJSON(ctx, m, "missing", &got)
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, m.Set(ctx, "bad", []byte("{")))
	errutil.AssertErrorCode(t, storage.GetJSON(ctx, m, "bad", &got), "STORAGE_DECODE_FAILED")
}
