// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"bytes"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/authflow/internal/diag"
	"github.com/holomush/authflow/internal/persistence"
)

type reportConfig struct {
	format   string
	validate bool
	clear    bool
}

func newReportCmd(deps *Deps) *cobra.Command {
	rc := &reportConfig{}

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Export the diagnostic report",
		Long: `Export the persisted sign-in diagnostic timeline from the configured
storage as JSON or Markdown. Sensitive values are already redacted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runReport(cmd, deps, rc)
		},
	}

	cmd.Flags().StringVar(&rc.format, "format", "json", "output format (json, markdown)")
	cmd.Flags().BoolVar(&rc.validate, "validate", false, "validate the JSON report against its schema")
	cmd.Flags().BoolVar(&rc.clear, "clear", false, "delete the persisted timeline after exporting")

	return cmd
}

func runReport(cmd *cobra.Command, deps *Deps, rc *reportConfig) error {
	if rc.format != "json" && rc.format != "markdown" {
		return oops.Code("REPORT_INVALID_FLAG").With("format", rc.format).Errorf("format must be json or markdown")
	}
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	store, decision, err := openStore(ctx, deps, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	sessions, err := diag.Load(ctx, store)
	if err != nil {
		return oops.Code("REPORT_LOAD_FAILED").Wrap(err)
	}
	report := diag.NewReport("", deps.Now().UTC(), diag.EnvSnapshot{
		Storage: diag.StorageSnapshot{
			Backend:   string(decision.Backend),
			Store:     decision.Store,
			Available: decision.Backend != persistence.BackendUnknown,
		},
	}, sessions)

	var buf bytes.Buffer
	if rc.format == "markdown" {
		err = report.WriteMarkdown(&buf)
	} else {
		err = report.WriteJSON(&buf)
	}
	if err != nil {
		return err //nolint:wrapcheck // coded by the report
	}
	if rc.validate {
		if rc.format != "json" {
			return oops.Code("REPORT_INVALID_FLAG").Errorf("--validate needs --format json")
		}
		if err := diag.ValidateReport(buf.Bytes()); err != nil {
			return err //nolint:wrapcheck // coded by diag
		}
	}
	if _, err := cmd.OutOrStdout().Write(buf.Bytes()); err != nil {
		return oops.Code("REPORT_WRITE_FAILED").Wrap(err)
	}

	if rc.clear {
		if err := diag.Purge(ctx, store); err != nil {
			return oops.Code("REPORT_CLEAR_FAILED").Wrap(err)
		}
	}
	return nil
}
