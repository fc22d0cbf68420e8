// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/holomush/authflow/internal/app"
	"github.com/holomush/authflow/internal/config"
	"github.com/holomush/authflow/internal/diag"
	"github.com/holomush/authflow/internal/flow"
	"github.com/holomush/authflow/internal/identity"
	"github.com/holomush/authflow/internal/identity/scripted"
	"github.com/holomush/authflow/internal/platform"
	"github.com/holomush/authflow/pkg/errutil"
)

// Scenario is a scripted sequence of page loads.
type Scenario struct {
	Name               string         `yaml:"name"`
	User               *ScenarioUser  `yaml:"user"`
	DropRedirectResult bool           `yaml:"drop_redirect_result"`
	SignedIn           bool           `yaml:"signed_in"`
	Environment        ScenarioEnv    `yaml:"environment"`
	Loads              []ScenarioLoad `yaml:"loads"`
}

// ScenarioUser is the account the scripted provider signs in.
type ScenarioUser struct {
	UID         string `yaml:"uid"`
	Email       string `yaml:"email"`
	DisplayName string `yaml:"display_name"`
	Provider    string `yaml:"provider"`
}

// ScenarioEnv describes the browser.
type ScenarioEnv struct {
	UserAgent   string `yaml:"user_agent"`
	DisplayMode string `yaml:"display_mode"`
	Origin      string `yaml:"origin"`
	Query       string `yaml:"query"`
	Viewport    string `yaml:"viewport"`
	Offline     bool   `yaml:"offline"`
}

// ScenarioLoad is one page load.
type ScenarioLoad struct {
	Tab     string        `yaml:"tab"`
	Action  string        `yaml:"action"`
	Advance time.Duration `yaml:"advance"`
	// Popups scripts the popup outcomes for this load.
	Popups   []string     `yaml:"popups"`
	CloseTab bool         `yaml:"close_tab"`
	Env      *ScenarioEnv `yaml:"environment"`
	Expect   *LoadExpect  `yaml:"expect"`
}

// LoadExpect is checked against a load's outcome.
type LoadExpect struct {
	Status  string `yaml:"status"`
	Method  string `yaml:"method"`
	Skipped *bool  `yaml:"skipped"`
}

// Load actions.
const (
	actionInit    = "init"
	actionSignIn  = "signin"
	actionSignOut = "signout"
)

// LoadResult is the printed result of one load.
type LoadResult struct {
	Load       int    `json:"load"`
	Tab        string `json:"tab"`
	Action     string `json:"action"`
	Status     string `json:"status"`
	Method     string `json:"method"`
	Skipped    bool   `json:"skipped,omitempty"`
	Reason     string `json:"reason,omitempty"`
	RetryAfter string `json:"retry_after,omitempty"`
	TraceID    string `json:"trace_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

type simulateConfig struct {
	scenario   string
	persist    bool
	jsonOutput bool
	report     string
}

func newSimulateCmd(deps *Deps) *cobra.Command {
	sc := &simulateConfig{}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a scripted sign-in scenario",
		Long: `Run the page loads of a YAML scenario against a scripted identity
provider and print each outcome. By default storage is in memory; with
--persist the configured backends are used.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSimulate(cmd, deps, sc)
		},
	}

	cmd.Flags().StringVar(&sc.scenario, "scenario", "", "scenario file (required)")
	cmd.Flags().BoolVar(&sc.persist, "persist", false, "use the configured storage backends")
	cmd.Flags().BoolVar(&sc.jsonOutput, "json", false, "output results as JSON")
	cmd.Flags().StringVar(&sc.report, "report", "", "print the last load's diagnostic report (json, markdown)")
	_ = cmd.MarkFlagRequired("scenario") //nolint:errcheck // flag is registered above

	return cmd
}

func runSimulate(cmd *cobra.Command, deps *Deps, sc *simulateConfig) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	scenario, err := readScenario(sc.scenario)
	if err != nil {
		return err
	}
	if sc.report != "" && sc.report != "json" && sc.report != "markdown" {
		return oops.Code("SIMULATE_INVALID_FLAG").With("report", sc.report).Errorf("report format must be json or markdown")
	}

	backends, err := simulationBackends(deps, cfg, sc.persist)
	if err != nil {
		return err
	}
	defer func() { _ = backends.Close() }()

	sim := &simulation{
		cfg:      cfg,
		scenario: scenario,
		backends: backends,
		logger:   logger,
		clients:  map[string]*scripted.Client{},
		clock:    deps.Now(),
	}
	results, last, err := sim.run(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if sc.jsonOutput {
		if err := writeResultsJSON(out, results); err != nil {
			return err
		}
	} else {
		writeResultsTable(out, results)
	}

	if sc.report != "" && last != nil {
		if sc.report == "markdown" {
			return last.WriteMarkdown(out) //nolint:wrapcheck // coded by the report
		}
		return last.WriteJSON(out) //nolint:wrapcheck // coded by the report
	}
	return nil
}

func readScenario(path string) (*Scenario, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // path comes from the operator
	if err != nil {
		return nil, oops.Code("SIMULATE_READ_FAILED").With("path", path).Wrap(err)
	}
	return parseScenario(raw)
}

func parseScenario(raw []byte) (*Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, oops.Code("SIMULATE_INVALID_SCENARIO").Wrap(err)
	}
	if len(s.Loads) == 0 {
		return nil, oops.Code("SIMULATE_INVALID_SCENARIO").Errorf("scenario has no loads")
	}
	for i := range s.Loads {
		l := &s.Loads[i]
		if l.Tab == "" {
			l.Tab = "tab-1"
		}
		if l.Action == "" {
			l.Action = actionInit
		}
		switch l.Action {
		case actionInit, actionSignIn, actionSignOut:
		default:
			return nil, oops.Code("SIMULATE_INVALID_SCENARIO").With("load", i+1).With("action", l.Action).Errorf("unknown action")
		}
		for _, p := range l.Popups {
			switch scripted.PopupOutcome(p) {
			case scripted.PopupSuccess, scripted.PopupBlocked, scripted.PopupClosed, scripted.PopupCancelled, scripted.PopupFail:
			default:
				return nil, oops.Code("SIMULATE_INVALID_SCENARIO").With("load", i+1).With("popup", p).Errorf("unknown popup outcome")
			}
		}
		if l.Advance < 0 {
			return nil, oops.Code("SIMULATE_INVALID_SCENARIO").With("load", i+1).Errorf("advance must not be negative")
		}
	}
	if s.User == nil {
		s.User = &ScenarioUser{UID: "sim-user-0001", Email: "sim@example.com", DisplayName: "Sim User", Provider: "google.com"}
	}
	return &s, nil
}

func simulationBackends(deps *Deps, cfg *config.Config, persist bool) (*app.Backends, error) {
	if persist {
		return deps.BackendsFactory(cfg)
	}
	mem := *cfg
	mem.Persistence.Indexed = config.IndexedNone
	mem.Persistence.KeyValue = config.KeyValueMemory
	mem.Broadcast.Channel = config.ChannelNone
	return app.OpenBackends(&mem) //nolint:wrapcheck // coded by app
}

type simulation struct {
	cfg      *config.Config
	scenario *Scenario
	backends *app.Backends
	logger   *slog.Logger
	clients  map[string]*scripted.Client
	clock    time.Time
}

func (s *simulation) now() time.Time { return s.clock }

// client returns the tab's identity client, reloading it for every load
// after the first.
func (s *simulation) client(tab string) *scripted.Client {
	if c, ok := s.clients[tab]; ok {
		c.Reload()
		return c
	}
	u := s.scenario.User
	user := &identity.User{UID: u.UID, Email: u.Email, DisplayName: u.DisplayName, ProviderID: u.Provider}
	c := scripted.New(scripted.Options{User: user, DropRedirectResult: s.scenario.DropRedirectResult, FireOnSubscribe: true})
	if s.scenario.SignedIn {
		c.SetCurrentUser(user)
	}
	s.clients[tab] = c
	return c
}

func (s *simulation) run(ctx context.Context) ([]LoadResult, *diag.Report, error) {
	results := make([]LoadResult, 0, len(s.scenario.Loads))
	var last *diag.Report

	for i, load := range s.scenario.Loads {
		s.clock = s.clock.Add(load.Advance)
		client := s.client(load.Tab)
		for _, p := range load.Popups {
			client.QueuePopup(scripted.PopupOutcome(p))
		}

		env := s.scenario.Environment
		if load.Env != nil {
			env = *load.Env
		}
		penv, err := platformEnv(env)
		if err != nil {
			return nil, nil, oops.With("load", i+1).Wrap(err)
		}

		deps := s.backends.Deps()
		deps.Identity = client
		deps.Logger = s.logger
		deps.Now = s.now
		rt, err := app.New(ctx, app.Options{TabID: load.Tab, Env: penv, Config: s.cfg}, deps)
		if err != nil {
			return nil, nil, oops.With("load", i+1).Wrap(err)
		}

		rt.Bootstrap(ctx)
		res := s.perform(ctx, rt, load)
		res.Load = i + 1
		results = append(results, res)
		report := rt.Report()
		last = &report

		if err := rt.Close(ctx, load.CloseTab); err != nil {
			errutil.LogWarnContext(ctx, s.logger, "page load close failed", err)
		}
		if err := checkExpect(load.Expect, res); err != nil {
			return results, last, oops.With("load", i+1).Wrap(err)
		}
	}
	return results, last, nil
}

func (s *simulation) perform(ctx context.Context, rt *app.Runtime, load ScenarioLoad) LoadResult {
	res := LoadResult{Tab: load.Tab, Action: load.Action}
	var out flow.Outcome
	switch load.Action {
	case actionSignIn:
		out, _ = rt.SignIn(ctx) //nolint:errcheck // reported through out.Err
	case actionSignOut:
		if err := rt.SignOut(ctx); err != nil {
			res.Status = string(flow.StatusError)
			res.Error = err.Error()
			return res
		}
		res.Status = "signed_out"
		return res
	default:
		out = rt.InitOnLoad(ctx)
	}

	res.Status = string(out.Status)
	res.Method = string(out.Method)
	res.Skipped = out.Skipped
	res.Reason = out.Reason
	res.TraceID = out.TraceID
	if out.RetryAfter > 0 {
		res.RetryAfter = out.RetryAfter.String()
	}
	if out.Err != nil {
		res.Error = errutil.Code(out.Err)
		if res.Error == "" {
			res.Error = out.Err.Error()
		}
	}
	return res
}

func platformEnv(env ScenarioEnv) (platform.Environment, error) {
	query, err := url.ParseQuery(env.Query)
	if err != nil {
		return platform.Environment{}, oops.Code("SIMULATE_INVALID_SCENARIO").With("query", env.Query).Wrap(err)
	}
	return platform.Environment{
		UserAgent:   env.UserAgent,
		DisplayMode: env.DisplayMode,
		Origin:      env.Origin,
		Query:       query,
		Viewport:    env.Viewport,
		Online:      !env.Offline,
	}, nil
}

func checkExpect(exp *LoadExpect, res LoadResult) error {
	if exp == nil {
		return nil
	}
	if exp.Status != "" && exp.Status != res.Status {
		return oops.Code("SIMULATE_EXPECTATION_FAILED").With("want", exp.Status).With("got", res.Status).Errorf("unexpected status")
	}
	if exp.Method != "" && exp.Method != res.Method {
		return oops.Code("SIMULATE_EXPECTATION_FAILED").With("want", exp.Method).With("got", res.Method).Errorf("unexpected method")
	}
	if exp.Skipped != nil && *exp.Skipped != res.Skipped {
		return oops.Code("SIMULATE_EXPECTATION_FAILED").With("want", *exp.Skipped).With("got", res.Skipped).Errorf("unexpected skipped")
	}
	return nil
}

func writeResultsTable(w io.Writer, results []LoadResult) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "LOAD\tTAB\tACTION\tSTATUS\tMETHOD\tREASON\tRETRY AFTER\tERROR")
	for _, r := range results {
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Load, r.Tab, r.Action, r.Status, dash(r.Method), dash(r.Reason), dash(r.RetryAfter), dash(r.Error))
	}
	_ = tw.Flush()
}

func writeResultsJSON(w io.Writer, results []LoadResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		return oops.Code("SIMULATE_OUTPUT_FAILED").Wrap(err)
	}
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
