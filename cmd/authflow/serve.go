// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/authflow/internal/app"
	"github.com/holomush/authflow/internal/identity/scripted"
	"github.com/holomush/authflow/internal/platform"
	"github.com/holomush/authflow/pkg/errutil"
)

const shutdownTimeout = 5 * time.Second

type serveConfig struct {
	tab string
}

func newServeCmd(deps *Deps) *cobra.Command {
	svc := &serveConfig{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve metrics and health probes for a bootstrapped page load",
		Long: `Build a page load over the configured storage, run bootstrap and serve
/metrics, /healthz/liveness, /healthz/readiness and /debug/report until
interrupted. Readiness turns healthy once bootstrap has resolved.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cmd, deps, svc)
		},
	}
	cmd.Flags().StringVar(&svc.tab, "tab", "", "tab id (default: a new tab)")
	return cmd
}

func runServe(ctx context.Context, cmd *cobra.Command, deps *Deps, svc *serveConfig) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	backends, err := deps.BackendsFactory(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = backends.Close() }()

	var current atomic.Pointer[app.Runtime]
	server := deps.ObservabilityServerFactory(cfg.Observability.Addr, func() bool {
		rt := current.Load()
		return rt != nil && rt.Ready()
	}, logger)
	errCh, err := server.Start()
	if err != nil {
		return err //nolint:wrapcheck // coded by observability
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := server.Stop(stopCtx); err != nil {
			errutil.LogErrorContext(stopCtx, logger, "observability server shutdown failed", err)
		}
	}()

	rtDeps := backends.Deps()
	rtDeps.Identity = scripted.New(scripted.Options{FireOnSubscribe: true})
	rtDeps.Metrics = server.Metrics()
	rtDeps.Logger = logger
	rtDeps.Now = deps.Now
	rt, err := app.New(ctx, app.Options{
		TabID:  svc.tab,
		Env:    platform.Environment{Online: true},
		Config: cfg,
	}, rtDeps)
	if err != nil {
		return err //nolint:wrapcheck // coded by app
	}
	current.Store(rt)
	server.SetReportSource(rt.Report)
	defer func() { _ = rt.Close(context.WithoutCancel(ctx), false) }()

	at := rt.Bootstrap(ctx)
	logger.Info("serving", "addr", server.Addr(), "tab_id", rt.TabID(), "bootstrapped_at", at)
	cmd.Printf("serving on %s (tab %s)\n", server.Addr(), rt.TabID())

	select {
	case <-ctx.Done():
		return nil
	case err, ok := <-errCh:
		if ok && err != nil {
			return oops.Code("SERVE_FAILED").Wrap(err)
		}
		return nil
	}
}
