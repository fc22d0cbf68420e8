// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package redis_test

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/holomush/authflow/internal/storage"
	"github.com/holomush/authflow/internal/storage/redis"
)

func startRedis(t *testing.T) *redis.Store {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)

	s, err := redis.Open(fmt.Sprintf("redis://%s:%s/0", host, port.Port()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_Integration(t *testing.T) {
	ctx := context.Background()
	s := startRedis(t)

	require.NoError(t, s.Probe(ctx))

	_, err := s.Get(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.Set(ctx, "session:A:guard", []byte("1")))
	require.NoError(t, s.Set(ctx, "session:A:cache", []byte("1")))
	require.NoError(t, s.Set(ctx, "session:B:guard", []byte("1")))

	keys, err := s.Keys(ctx, "session:A:")
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"session:A:cache", "session:A:guard"}, keys)

	require.NoError(t, storage.PurgePrefix(ctx, s, "session:A:"))
	keys, err = s.Keys(ctx, "session:")
	require.NoError(t, err)
	assert.Equal(t, []string{"session:B:guard"}, keys)
}
