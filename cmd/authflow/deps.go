// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/holomush/authflow/internal/app"
	"github.com/holomush/authflow/internal/config"
	"github.com/holomush/authflow/internal/observability"
	"github.com/holomush/authflow/internal/persistence"
	"github.com/holomush/authflow/internal/storage"
	"github.com/holomush/authflow/internal/storage/postgres"
)

// Deps contains injectable dependencies for the commands.
// All fields with nil values will use their default implementations.
type Deps struct {
	// BackendsFactory builds storage openers and the broadcast channel.
	// Default: app.OpenBackends
	BackendsFactory func(cfg *config.Config) (*app.Backends, error)

	// MigratorFactory creates a schema migrator for a database URL.
	// Default: postgres.NewMigrator
	MigratorFactory func(databaseURL string) (Migrator, error)

	// ObservabilityServerFactory creates an observability server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr string, readinessChecker observability.ReadinessChecker, logger *slog.Logger) ObservabilityServer

	// Now is the clock.
	// Default: time.Now
	Now func() time.Time
}

// Migrator wraps the methods used by migrate from postgres.Migrator.
type Migrator interface {
	Up() error
	Down() error
	Version() (version uint, dirty bool, err error)
	Close() error
}

// ObservabilityServer wraps the methods used by serve from
// observability.Server.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
	Metrics() *observability.Metrics
	SetReportSource(src observability.ReportSource)
}

func defaultDeps() *Deps {
	return &Deps{
		BackendsFactory: app.OpenBackends,
		MigratorFactory: func(databaseURL string) (Migrator, error) {
			m, err := postgres.NewMigrator(databaseURL)
			if err != nil {
				return nil, err //nolint:wrapcheck // coded by the migrator
			}
			return m, nil
		},
		ObservabilityServerFactory: func(addr string, readinessChecker observability.ReadinessChecker, logger *slog.Logger) ObservabilityServer {
			return observability.NewServer(addr, readinessChecker, observability.WithLogger(logger))
		},
		Now: time.Now,
	}
}

// openStore picks the persisted store the way a page load does, without an
// identity client. The caller closes the store.
func openStore(ctx context.Context, deps *Deps, cfg *config.Config, logger *slog.Logger) (storage.Store, persistence.Decision, error) {
	backends, err := deps.BackendsFactory(cfg)
	if err != nil {
		return nil, persistence.Decision{}, err
	}
	defer func() { _ = backends.Close() }()

	sel := persistence.NewSelector(persistence.Options{
		Indexed:        backends.Indexed,
		KeyValue:       backends.KeyValue,
		IndexedTimeout: cfg.Persistence.IndexedTimeout,
		Logger:         logger,
		Now:            deps.Now,
	})
	d := sel.Select(ctx)
	return sel.Store(), d, nil
}
