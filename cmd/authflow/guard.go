// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/authflow/internal/guard"
	"github.com/holomush/authflow/internal/storage"
)

// GuardStatus is the printed guard state of one tab.
type GuardStatus struct {
	Tab             string    `json:"tab"`
	AttemptCount    int       `json:"attempt_count"`
	MaxAttempts     int       `json:"max_attempts"`
	WindowStartedAt time.Time `json:"window_started_at,omitzero"`
	InFlight        bool      `json:"in_flight"`
	RetryAfter      string    `json:"retry_after,omitempty"`
	Store           string    `json:"store"`
}

type guardConfig struct {
	tab        string
	jsonOutput bool
}

func newGuardCmd(deps *Deps) *cobra.Command {
	gc := &guardConfig{}

	cmd := &cobra.Command{
		Use:   "guard",
		Short: "Inspect or reset a tab's redirect budget",
	}
	cmd.PersistentFlags().StringVar(&gc.tab, "tab", "", "tab id (required)")
	_ = cmd.MarkPersistentFlagRequired("tab") //nolint:errcheck // flag is registered above

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the redirect budget of a tab",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runGuardStatus(cmd, deps, gc)
		},
	}
	status.Flags().BoolVar(&gc.jsonOutput, "json", false, "output status as JSON")

	reset := &cobra.Command{
		Use:   "reset",
		Short: "Clear the redirect budget of a tab",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runGuardReset(cmd, deps, gc)
		},
	}

	cmd.AddCommand(status, reset)
	return cmd
}

func openGuard(cmd *cobra.Command, deps *Deps, tab string) (*guard.Guard, storage.Store, error) {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	store, _, err := openStore(cmd.Context(), deps, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	g := guard.New(storage.NewScoped(store, storage.SessionPrefix(tab)), cfg.GuardPolicy(),
		guard.WithClock(deps.Now), guard.WithLogger(logger))
	return g, store, nil
}

func runGuardStatus(cmd *cobra.Command, deps *Deps, gc *guardConfig) error {
	g, store, err := openGuard(cmd, deps, gc.tab)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ctx := cmd.Context()
	st, err := g.State(ctx)
	if err != nil {
		return err //nolint:wrapcheck // coded by guard
	}
	status := GuardStatus{
		Tab:             gc.tab,
		AttemptCount:    st.AttemptCount,
		MaxAttempts:     g.Policy().MaxAttempts,
		WindowStartedAt: st.WindowStartedAt,
		InFlight:        st.InFlight,
		Store:           store.Name(),
	}
	if left := g.Remaining(ctx); left > 0 {
		status.RetryAfter = left.Round(time.Second).String()
	}

	out := cmd.OutOrStdout()
	if gc.jsonOutput {
		data, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			return oops.Code("GUARD_OUTPUT_FAILED").Wrap(err)
		}
		_, _ = fmt.Fprintln(out, string(data))
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "TAB\t%s\n", status.Tab)
	_, _ = fmt.Fprintf(tw, "ATTEMPTS\t%d/%d\n", status.AttemptCount, status.MaxAttempts)
	_, _ = fmt.Fprintf(tw, "IN FLIGHT\t%t\n", status.InFlight)
	_, _ = fmt.Fprintf(tw, "RETRY AFTER\t%s\n", dash(status.RetryAfter))
	_, _ = fmt.Fprintf(tw, "STORE\t%s\n", status.Store)
	return tw.Flush() //nolint:wrapcheck // stdout write
}

func runGuardReset(cmd *cobra.Command, deps *Deps, gc *guardConfig) error {
	g, store, err := openGuard(cmd, deps, gc.tab)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if err := g.Reset(cmd.Context()); err != nil {
		return err //nolint:wrapcheck // coded by guard
	}
	cmd.Printf("redirect budget reset for %s\n", gc.tab)
	return nil
}
