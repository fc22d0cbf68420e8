// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/authflow/pkg/errutil"
)

type fakeMigrator struct {
	upCalled   bool
	downCalled bool
	closed     bool
	upErr      error
	version    uint
	dirty      bool
}

func (m *fakeMigrator) Up() error {
	m.upCalled = true
	return m.upErr
}

func (m *fakeMigrator) Down() error {
	m.downCalled = true
	return nil
}

func (m *fakeMigrator) Version() (uint, bool, error) { return m.version, m.dirty, nil }

func (m *fakeMigrator) Close() error {
	m.closed = true
	return nil
}

func migrateDeps(t *testing.T, m *fakeMigrator, factoryErr error) (*Deps, *string) {
	t.Helper()
	deps, _ := sharedDeps(t)
	var gotURL string
	deps.MigratorFactory = func(databaseURL string) (Migrator, error) {
		gotURL = databaseURL
		if factoryErr != nil {
			return nil, factoryErr
		}
		return m, nil
	}
	return deps, &gotURL
}

func TestMigrate_Up(t *testing.T) {
	isolate(t)
	t.Setenv("AUTHFLOW_DATABASE_URL", "postgres://authflow@localhost/authflow")
	m := &fakeMigrator{version: 1}
	deps, gotURL := migrateDeps(t, m, nil)

	out, err := execute(t, deps, "migrate")
	require.NoError(t, err)

	assert.Equal(t, "postgres://authflow@localhost/authflow", *gotURL)
	assert.True(t, m.upCalled)
	assert.False(t, m.downCalled)
	assert.True(t, m.closed)
	assert.Contains(t, out, "Schema version 1 (dirty: false)")
}

func TestMigrate_Down(t *testing.T) {
	isolate(t)
	t.Setenv("AUTHFLOW_DATABASE_URL", "postgres://authflow@localhost/authflow")
	m := &fakeMigrator{}
	deps, _ := migrateDeps(t, m, nil)

	out, err := execute(t, deps, "migrate", "--down")
	require.NoError(t, err)

	assert.True(t, m.downCalled)
	assert.False(t, m.upCalled)
	assert.Contains(t, out, "Rolling back migrations...")
	assert.Contains(t, out, "Schema version 0")
}

func TestMigrate_Failures(t *testing.T) {
	t.Run("missing database url", func(t *testing.T) {
		isolate(t)
		deps, _ := migrateDeps(t, &fakeMigrator{}, nil)

		_, err := execute(t, deps, "migrate")
		errutil.AssertErrorCode(t, err, "CONFIG_INVALID")
		errutil.AssertErrorContext(t, err, "field", "AUTHFLOW_DATABASE_URL")
	})

	t.Run("factory error", func(t *testing.T) {
		isolate(t)
		t.Setenv("AUTHFLOW_DATABASE_URL", "postgres://authflow@localhost/authflow")
		deps, _ := migrateDeps(t, nil, errors.New("dial refused"))

		_, err := execute(t, deps, "migrate")
		errutil.AssertErrorCode(t, err, "MIGRATION_FAILED")
		errutil.AssertErrorContext(t, err, "operation", "initialize migrator")
	})

	t.Run("up error", func(t *testing.T) {
		isolate(t)
		t.Setenv("AUTHFLOW_DATABASE_URL", "postgres://authflow@localhost/authflow")
		m := &fakeMigrator{upErr: errors.New("syntax error")}
		deps, _ := migrateDeps(t, m, nil)

		_, err := execute(t, deps, "migrate")
		errutil.AssertErrorCode(t, err, "MIGRATION_FAILED")
		errutil.AssertErrorContext(t, err, "operation", "run migrations")
		assert.True(t, m.closed)
	})
}
