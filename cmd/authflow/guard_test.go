// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const oneRedirect = `
environment:
  user_agent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"
loads:
  - expect: {status: suspended}
`

func guardStatus(t *testing.T, deps *Deps, tab string) GuardStatus {
	t.Helper()
	out, err := execute(t, deps, "guard", "status", "--tab", tab, "--json")
	require.NoError(t, err)
	var st GuardStatus
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	return st
}

func TestGuardStatus_FreshTab(t *testing.T) {
	isolate(t)
	deps, _ := sharedDeps(t)

	st := guardStatus(t, deps, "tab-1")
	assert.Equal(t, "tab-1", st.Tab)
	assert.Zero(t, st.AttemptCount)
	assert.Equal(t, 1, st.MaxAttempts)
	assert.False(t, st.InFlight)
	assert.True(t, st.WindowStartedAt.IsZero())
	assert.Empty(t, st.RetryAfter)
}

func TestGuardStatus_AfterRedirect(t *testing.T) {
	isolate(t)
	deps, _ := sharedDeps(t)
	_, err := execute(t, deps, "simulate", "--persist", "--scenario", writeScenario(t, oneRedirect))
	require.NoError(t, err)

	st := guardStatus(t, deps, "tab-1")
	assert.Equal(t, 1, st.AttemptCount)
	assert.True(t, st.InFlight)
	assert.True(t, testNow.Equal(st.WindowStartedAt), "window starts at the redirect")
	assert.Equal(t, "10m0s", st.RetryAfter)

	other := guardStatus(t, deps, "tab-2")
	assert.Zero(t, other.AttemptCount, "budget is per tab")
}

func TestGuardReset(t *testing.T) {
	isolate(t)
	deps, _ := sharedDeps(t)
	_, err := execute(t, deps, "simulate", "--persist", "--scenario", writeScenario(t, oneRedirect))
	require.NoError(t, err)

	out, err := execute(t, deps, "guard", "reset", "--tab", "tab-1")
	require.NoError(t, err)
	assert.Contains(t, out, "redirect budget reset for tab-1")

	st := guardStatus(t, deps, "tab-1")
	assert.Zero(t, st.AttemptCount)
	assert.False(t, st.InFlight)
}

func TestGuardStatus_Table(t *testing.T) {
	isolate(t)
	deps, _ := sharedDeps(t)

	out, err := execute(t, deps, "guard", "status", "--tab", "tab-7")
	require.NoError(t, err)
	assert.Contains(t, out, "tab-7")
	assert.Contains(t, out, "0/1")
	assert.Contains(t, out, "memory")
}

func TestGuard_TabRequired(t *testing.T) {
	isolate(t)
	deps, _ := sharedDeps(t)

	_, err := execute(t, deps, "guard", "status")
	require.Error(t, err)
}
