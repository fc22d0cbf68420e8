// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/authflow/internal/diag"
	"github.com/holomush/authflow/pkg/errutil"
)

func TestRun_WritesSchemaToOutDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	var out bytes.Buffer

	require.NoError(t, run([]string{"--out", dir}, &out))

	written, err := os.ReadFile(filepath.Join(dir, schemaFile))
	require.NoError(t, err)
	want, err := diag.GenerateSchema()
	require.NoError(t, err)
	assert.Equal(t, want, written)
	assert.Contains(t, out.String(), "Generated")
}

func TestRun_CheckDetectsStaleSchema(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer

	err := run([]string{"--out", dir, "--check"}, &out)
	errutil.AssertErrorCode(t, err, "SCHEMA_STALE")

	require.NoError(t, run([]string{"--out", dir}, &out))
	require.NoError(t, run([]string{"--out", dir, "--check"}, &out))
	assert.Contains(t, out.String(), "up to date")

	require.NoError(t, os.WriteFile(filepath.Join(dir, schemaFile), []byte("{}"), 0o600))
	err = run([]string{"--out", dir, "--check"}, &out)
	errutil.AssertErrorCode(t, err, "SCHEMA_STALE")
}

func TestRun_BadFlag(t *testing.T) {
	err := run([]string{"--nope"}, &bytes.Buffer{})
	errutil.AssertErrorCode(t, err, "SCHEMA_INVALID_FLAG")
}

func TestValidateSample(t *testing.T) {
	require.NoError(t, validateSample())
}
