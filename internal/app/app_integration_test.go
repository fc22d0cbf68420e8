// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package app_test

import (
	"context"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/holomush/authflow/internal/app"
	"github.com/holomush/authflow/internal/config"
	"github.com/holomush/authflow/internal/flow"
	"github.com/holomush/authflow/internal/identity/scripted"
	"github.com/holomush/authflow/internal/logging"
	"github.com/holomush/authflow/internal/persistence"
	"github.com/holomush/authflow/internal/platform"
)

var _ = Describe("Runtime over redis", Ordered, func() {
	var (
		ctx       context.Context
		container testcontainers.Container
		cfg       config.Config
		backends  *app.Backends
	)

	BeforeAll(func() {
		ctx = context.Background()
		var err error
		container, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForLog("Ready to accept connections"),
			},
			Started: true,
		})
		Expect(err).NotTo(HaveOccurred())

		host, err := container.Host(ctx)
		Expect(err).NotTo(HaveOccurred())
		port, err := container.MappedPort(ctx, "6379/tcp")
		Expect(err).NotTo(HaveOccurred())

		cfg = config.Default()
		cfg.Persistence.Indexed = config.IndexedNone
		cfg.Persistence.KeyValue = config.KeyValueRedis
		cfg.Broadcast.Channel = config.ChannelRedis
		cfg.Bootstrap.Timeout = 100 * time.Millisecond
		cfg.Secrets.RedisURL = fmt.Sprintf("redis://%s:%s/0", host, port.Port())
		Expect(cfg.Validate()).To(Succeed())

		backends, err = app.OpenBackends(&cfg)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterAll(func() {
		if backends != nil {
			_ = backends.Close()
		}
		if container != nil {
			_ = container.Terminate(ctx)
		}
	})

	open := func(tabID string, client *scripted.Client) *app.Runtime {
		deps := backends.Deps()
		deps.Identity = client
		deps.Logger = logging.Discard()
		rt, err := app.New(ctx, app.Options{
			TabID:  tabID,
			Env:    platform.Environment{UserAgent: desktopChrome, Online: true},
			Config: &cfg,
		}, deps)
		Expect(err).NotTo(HaveOccurred())
		return rt
	}

	It("selects redis as the key-value tier", func() {
		rt := open("tab-kv", scripted.New(scripted.Options{}))
		defer func() { _ = rt.Close(ctx, true) }()

		Expect(rt.Decision().Backend).To(Equal(persistence.BackendKeyValue))
		Expect(rt.Decision().Store).To(Equal("redis"))
	})

	It("keeps a second tab from starting a parallel sign-in", func() {
		first := scripted.New(scripted.Options{User: bob})
		second := scripted.New(scripted.Options{User: bob})

		waiting := open("tab-2", second)
		defer func() { _ = waiting.Close(ctx, true) }()

		redirecting := open("tab-1", first)
		Expect(redirecting.InitOnLoad(ctx).Status).To(Equal(flow.StatusSuspended))
		Expect(redirecting.Close(ctx, false)).To(Succeed())

		Eventually(func() bool { return waiting.AuthInFlightElsewhere(ctx) }).
			WithTimeout(5 * time.Second).WithPolling(20 * time.Millisecond).Should(BeTrue())

		out := waiting.InitOnLoad(ctx)
		Expect(out.Skipped).To(BeTrue())
		Expect(out.Reason).To(Equal("other_tab"))
		Expect(second.RedirectCalls()).To(Equal(0))

		first.Reload()
		back := open("tab-1", first)
		defer func() { _ = back.Close(ctx, true) }()
		Expect(back.InitOnLoad(ctx).Status).To(Equal(flow.StatusAuthenticated))

		Eventually(func() bool { return waiting.AuthInFlightElsewhere(ctx) }).
			WithTimeout(5 * time.Second).WithPolling(20 * time.Millisecond).Should(BeFalse())
	})

	It("survives a redirect round trip with guard state in redis", func() {
		client := scripted.New(scripted.Options{User: bob, DropRedirectResult: true})

		rt := open("tab-loop", client)
		Expect(rt.InitOnLoad(ctx).Status).To(Equal(flow.StatusSuspended))
		Expect(rt.Close(ctx, false)).To(Succeed())

		client.Reload()
		again := open("tab-loop", client)
		defer func() { _ = again.Close(ctx, true) }()
		out := again.InitOnLoad(ctx)
		Expect(out.Status).To(Equal(flow.StatusUnauthenticated))
		Expect(out.RetryAfter).To(BeNumerically(">", 0))
		Expect(client.RedirectCalls()).To(Equal(0))
	})
})
