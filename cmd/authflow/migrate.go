// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"github.com/samber/oops"
	"github.com/spf13/cobra"
)

type migrateConfig struct {
	down bool
}

func newMigrateCmd(deps *Deps) *cobra.Command {
	mc := &migrateConfig{}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the PostgreSQL storage schema",
		Long: `Apply the authflow storage schema to the PostgreSQL database named by
AUTHFLOW_DATABASE_URL. SQLite, file and redis storage need no migration.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMigrate(cmd, deps, mc)
		},
	}
	cmd.Flags().BoolVar(&mc.down, "down", false, "roll the schema back")
	return cmd
}

func runMigrate(cmd *cobra.Command, deps *Deps, mc *migrateConfig) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Secrets.DatabaseURL == "" {
		return oops.Code("CONFIG_INVALID").With("field", "AUTHFLOW_DATABASE_URL").Errorf("AUTHFLOW_DATABASE_URL environment variable is required")
	}

	m, err := deps.MigratorFactory(cfg.Secrets.DatabaseURL)
	if err != nil {
		return oops.Code("MIGRATION_FAILED").With("operation", "initialize migrator").Wrap(err)
	}
	defer func() { _ = m.Close() }()

	if mc.down {
		cmd.Println("Rolling back migrations...")
		if err := m.Down(); err != nil {
			return oops.Code("MIGRATION_FAILED").With("operation", "roll back migrations").Wrap(err)
		}
	} else {
		cmd.Println("Running migrations...")
		if err := m.Up(); err != nil {
			return oops.Code("MIGRATION_FAILED").With("operation", "run migrations").Wrap(err)
		}
	}

	version, dirty, err := m.Version()
	if err != nil {
		return oops.Code("MIGRATION_FAILED").With("operation", "read version").Wrap(err)
	}
	cmd.Printf("Schema version %d (dirty: %t)\n", version, dirty)
	return nil
}
