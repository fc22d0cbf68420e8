// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/authflow/internal/app"
	"github.com/holomush/authflow/internal/config"
	"github.com/holomush/authflow/internal/storage"
	"github.com/holomush/authflow/pkg/errutil"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// sharedDeps returns deps whose key-value backend is one in-memory store
// shared by every command run against them.
func sharedDeps(t *testing.T) (*Deps, *storage.Memory) {
	t.Helper()
	shared := storage.NewMemory()
	deps := &Deps{
		BackendsFactory: func(*config.Config) (*app.Backends, error) {
			return &app.Backends{
				KeyValue: func(context.Context) (storage.Store, error) {
					return storage.NewScoped(shared, ""), nil
				},
			}, nil
		},
		MigratorFactory:            defaultDeps().MigratorFactory,
		ObservabilityServerFactory: defaultDeps().ObservabilityServerFactory,
		Now:                        func() time.Time { return testNow },
	}
	return deps, shared
}

// isolate points every XDG directory and secret at a clean slate.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_STATE_HOME", t.TempDir())
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	t.Setenv("AUTHFLOW_DATABASE_URL", "")
	t.Setenv("AUTHFLOW_REDIS_URL", "")
}

func execute(t *testing.T, deps *Deps, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(deps)
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func writeScenario(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestRootCommand_HasExpectedSubcommands(t *testing.T) {
	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--help"})

	require.NoError(t, cmd.Execute())

	output := buf.String()
	for _, sub := range []string{"simulate", "report", "guard", "serve", "migrate"} {
		assert.Contains(t, output, sub, "Help missing %q command", sub)
	}
}

func TestRootCommand_PersistentConfigFlags(t *testing.T) {
	cmd := NewRootCmd()

	for _, name := range []string{"config", "provider", "guard-window", "guard-max-attempts", "key-value", "log-format"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), "missing flag %q", name)
	}
}

func TestRootCommand_LongDescription(t *testing.T) {
	cmd := NewRootCmd()

	assert.Equal(t, "authflow", cmd.Use)
	assert.Contains(t, cmd.Long, "redirect budget")
	assert.Contains(t, cmd.Long, "diagnostic log")
}

func TestRootCommand_InvalidConfigFails(t *testing.T) {
	isolate(t)
	deps, _ := sharedDeps(t)

	_, err := execute(t, deps, "guard", "status", "--tab", "tab-1", "--guard-max-attempts", "0")
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "GUARD_INVALID_POLICY")
	errutil.AssertErrorContext(t, err, "field", "guard")
}
