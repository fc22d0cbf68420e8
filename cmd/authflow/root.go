// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/holomush/authflow/internal/config"
	"github.com/holomush/authflow/internal/logging"
)

// NewRootCmd creates the root command for the authflow CLI.
func NewRootCmd() *cobra.Command {
	return newRootCmd(defaultDeps())
}

func newRootCmd(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "authflow",
		Short: "authflow - sign-in bootstrap and redirect coordination",
		Long: `authflow runs the client-side sign-in lifecycle: persistence selection,
bootstrap, popup or redirect sign-in with a redirect budget, cross-tab
coordination and an exportable diagnostic log.`,
		SilenceUsage: true,
	}

	config.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(newSimulateCmd(deps))
	cmd.AddCommand(newReportCmd(deps))
	cmd.AddCommand(newGuardCmd(deps))
	cmd.AddCommand(newServeCmd(deps))
	cmd.AddCommand(newMigrateCmd(deps))

	return cmd
}

// loadConfig reads the layered configuration and sets up logging.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, nil, err //nolint:wrapcheck // config errors carry their code
	}
	logger := logging.Setup(logging.Options{
		Service: "authflow",
		Version: version,
		Format:  cfg.Log.Format,
		Verbose: cfg.Diag.Verbose,
	}, cmd.ErrOrStderr())
	return cfg, logger, nil
}
