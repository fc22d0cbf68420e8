// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package broadcast_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/holomush/authflow/internal/broadcast"
)

func TestRedisChannel_Integration(t *testing.T) {
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

	client := goredis.NewClient(&goredis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	t.Cleanup(func() { _ = client.Close() })

	ch := broadcast.NewRedisChannel(client, "")
	first := broadcast.New("tab-1", ch, nil)
	second := broadcast.New("tab-2", ch, nil)
	second.Start(ctx)
	defer second.Close()

	first.BroadcastAuthInFlight(ctx, "redirecting")
	assert.Eventually(t, func() bool { return second.IsAuthInFlightInOtherTab(ctx) }, 5*time.Second, 20*time.Millisecond)

	first.BroadcastAuthComplete(ctx)
	assert.Eventually(t, func() bool { return !second.IsAuthInFlightInOtherTab(ctx) }, 5*time.Second, 20*time.Millisecond)
}
