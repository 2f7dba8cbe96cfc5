package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-relato/config"
	"github.com/goliatone/go-relato/effect"
	"github.com/goliatone/go-relato/lifecycle"
	"github.com/goliatone/go-relato/logging"
	"github.com/goliatone/go-relato/progress"
	"github.com/goliatone/go-relato/storage"
	"github.com/jedib0t/go-pretty/v6/table"
)

// Globals are flags shared by every command.
type Globals struct {
	Config    string `help:"Path to the YAML config file." env:"RELATO_CONFIG" type:"path"`
	LogLevel  string `help:"Log level override." name:"log-level"`
	LogFormat string `help:"Log format override (console|json)." name:"log-format"`
	JSON      bool   `help:"Print JSON instead of tables."`
}

// CLI is the root command tree.
type CLI struct {
	Globals

	Machine  MachineCmd  `cmd:"" help:"Inspect the lifecycle state machine."`
	Decide   DecideCmd   `cmd:"" help:"Resolve an intent without executing effects."`
	Outcomes OutcomesCmd `cmd:"" help:"List recorded outcome facts."`
	Progress ProgressCmd `cmd:"" help:"Show the progress of a report."`
}

type runtime struct {
	cfg    config.Config
	logger logging.Logger
	out    io.Writer
	json   bool
}

func newRuntime(g Globals, out, logOut io.Writer) (*runtime, error) {
	cfg := config.Defaults()
	if g.Config != "" {
		loaded, err := config.Load(g.Config)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if g.LogLevel != "" {
		cfg.Logging.Level = g.LogLevel
	}
	if g.LogFormat != "" {
		cfg.Logging.Format = g.LogFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &runtime{
		cfg:    cfg,
		logger: logging.NewGlog(logOut, cfg.Logging.Level, cfg.Logging.Format),
		out:    out,
		json:   g.JSON,
	}, nil
}

func (rt *runtime) table() (*lifecycle.Table, error) {
	return rt.cfg.Table()
}

func (rt *runtime) withStores(fn func(ctx context.Context, stores *storage.Stores) error) error {
	ctx := context.Background()
	stores, err := storage.Open(ctx, rt.cfg.Storage, rt.cfg.Progress.SnapshotTTL, rt.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := stores.Close(ctx); err != nil {
			rt.logger.Warn("failed to close storage: %v", err)
		}
	}()
	return fn(ctx, stores)
}

func (rt *runtime) printJSON(v any) error {
	enc := json.NewEncoder(rt.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (rt *runtime) newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(rt.out)
	tw.AppendHeader(header)
	return tw
}

type MachineCmd struct {
	Diagram DiagramCmd `cmd:"" help:"Render the state machine as a diagram."`
	Table   TableCmd   `cmd:"" help:"Print the intent x source x result table."`
	Export  ExportCmd  `cmd:"" help:"Print the state machine as JSON."`
}

type DiagramCmd struct {
	Format string `help:"Diagram format." enum:"mermaid,dot" default:"mermaid"`
}

func (c *DiagramCmd) Run(rt *runtime) error {
	t, err := rt.table()
	if err != nil {
		return err
	}
	if c.Format == "dot" {
		_, err = io.WriteString(rt.out, lifecycle.RenderDOT(t))
		return err
	}
	_, err = io.WriteString(rt.out, lifecycle.RenderMermaid(t))
	return err
}

type TableCmd struct{}

func (c *TableCmd) Run(rt *runtime) error {
	t, err := rt.table()
	if err != nil {
		return err
	}
	rows := t.Report()
	if rt.json {
		return rt.printJSON(rows)
	}
	tw := rt.newTable(table.Row{"Intent", "From", "To", "Guards", "Effects"})
	for _, r := range rows {
		tw.AppendRow(table.Row{
			r.Intent.Label(),
			lifecycle.JoinStates(r.From),
			lifecycle.JoinStates(r.To),
			strings.Join(r.Guards, ", "),
			joinKinds(r.Effects),
		})
	}
	tw.Render()
	return nil
}

type ExportCmd struct{}

func (c *ExportCmd) Run(rt *runtime) error {
	t, err := rt.table()
	if err != nil {
		return err
	}
	return rt.printJSON(t.Export())
}

type DecideCmd struct {
	Intent string   `arg:"" help:"Intent to resolve."`
	Report string   `help:"Report id." default:"dry-run"`
	State  string   `help:"Current report state (empty for a new report)."`
	Actor  string   `help:"Acting user id." required:""`
	Role   string   `help:"Acting user role." default:"user"`
	Owner  string   `help:"Report owner id (defaults to the actor)."`
	Image  []string `help:"Image refs carried by the request."`
	Key    string   `help:"Idempotency key."`
}

func (c *DecideCmd) Run(rt *runtime) error {
	intent, ok := lifecycle.ParseIntent(c.Intent)
	if !ok {
		return invalidFlag("intent", c.Intent)
	}
	state, ok := lifecycle.ParseState(c.State)
	if !ok {
		return invalidFlag("state", c.State)
	}
	role, ok := lifecycle.ParseRole(c.Role)
	if !ok {
		return invalidFlag("role", c.Role)
	}
	owner := c.Owner
	if owner == "" {
		owner = c.Actor
	}
	t, err := rt.table()
	if err != nil {
		return err
	}
	orch := lifecycle.NewOrchestrator(lifecycle.WithTable(t), lifecycle.WithLogger(rt.logger))
	decision, err := orch.Decide(context.Background(), lifecycle.Request{
		Intent:         intent,
		ReportID:       c.Report,
		CurrentState:   state,
		Actor:          lifecycle.Actor{ID: c.Actor, Role: role},
		OwnerID:        owner,
		ImageRefs:      c.Image,
		IdempotencyKey: c.Key,
	})
	if err != nil {
		return err
	}
	if rt.json {
		return rt.printJSON(decisionView(decision))
	}

	if !decision.Allowed {
		fmt.Fprintf(rt.out, "DENIED: %s\n", decision.Reason)
		return nil
	}
	fmt.Fprintf(rt.out, "ALLOWED: %s -> %s\n", decision.PreviousState.Label(), decision.ResultingState().Label())
	tw := rt.newTable(table.Row{"#", "Effect", "Ref"})
	for i, eff := range decision.Effects {
		tw.AppendRow(table.Row{i + 1, eff.Kind(), eff.Ref()})
	}
	tw.Render()
	return nil
}

type decisionJSON struct {
	Intent    string           `json:"intent"`
	Allowed   bool             `json:"allowed"`
	Reason    string           `json:"reason,omitempty"`
	From      string           `json:"from"`
	To        *string          `json:"to"`
	Effects   []map[string]any `json:"effects"`
	Resulting string           `json:"resulting_state"`
}

func decisionView(d lifecycle.Decision) decisionJSON {
	out := decisionJSON{
		Intent:    string(d.Intent),
		Allowed:   d.Allowed,
		Reason:    d.Reason,
		From:      d.PreviousState.String(),
		Resulting: d.ResultingState().String(),
		Effects:   make([]map[string]any, 0, len(d.Effects)),
	}
	if d.NextState != nil {
		to := d.NextState.String()
		out.To = &to
	}
	for _, eff := range d.Effects {
		encoded, err := effect.Encode(eff)
		if err != nil {
			continue
		}
		out.Effects = append(out.Effects, encoded)
	}
	return out
}

type OutcomesCmd struct {
	Report string        `arg:"" optional:"" help:"Report id. Omit with --failed to list failures of every report."`
	Failed bool          `help:"Only list error and retrying facts."`
	Since  time.Duration `help:"With --failed, only facts created within this window."`
	Limit  int           `help:"With --failed, maximum number of facts." default:"100"`
}

func (c *OutcomesCmd) Run(rt *runtime) error {
	if c.Report == "" && !c.Failed {
		return invalidFlag("report", "")
	}
	return rt.withStores(func(ctx context.Context, stores *storage.Stores) error {
		var (
			facts []effect.Outcome
			err   error
		)
		if c.Failed {
			q := effect.Query{Limit: c.Limit}
			if c.Since > 0 {
				q.Since = time.Now().UTC().Add(-c.Since)
			}
			facts, err = stores.Outcomes.ListFailed(ctx, q)
			if err == nil && c.Report != "" {
				facts = filterReport(facts, c.Report)
			}
		} else {
			facts, err = stores.Outcomes.ListByReport(ctx, c.Report)
		}
		if err != nil {
			return err
		}
		if rt.json {
			return rt.printJSON(facts)
		}
		tw := rt.newTable(table.Row{"Created", "Report", "Effect", "Ref", "Status", "Attempt", "Category"})
		for _, f := range facts {
			tw.AppendRow(table.Row{
				f.CreatedAt.Format(time.RFC3339),
				f.ReportID,
				f.EffectType,
				f.EffectRef,
				f.Status,
				f.Attempt,
				f.FailureCategory,
			})
		}
		tw.Render()
		return nil
	})
}

type ProgressCmd struct {
	Report string `arg:"" help:"Report id."`
}

func (c *ProgressCmd) Run(rt *runtime) error {
	return rt.withStores(func(ctx context.Context, stores *storage.Stores) error {
		tracker, err := progress.NewTracker(stores.Outcomes,
			progress.WithSteps(rt.cfg.Steps()),
			progress.WithSnapshotStore(stores.Snapshots),
			progress.WithLogger(rt.logger),
		)
		if err != nil {
			return err
		}
		view, err := tracker.Progress(ctx, c.Report)
		if err != nil {
			return err
		}
		if rt.json {
			return rt.printJSON(view)
		}
		fmt.Fprintf(rt.out, "%s: %.2f%% (%s)\n", view.RelatoID, view.ProgressPct, view.Summary)
		tw := rt.newTable(table.Row{"Step", "Label", "State", "Weight", "Message"})
		for _, s := range view.Steps {
			tw.AppendRow(table.Row{s.StepID, s.Label, s.State, s.Weight, s.ErrorMessage})
		}
		tw.Render()
		return nil
	})
}

func joinKinds(kinds []effect.Kind) string {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return strings.Join(names, ", ")
}

func filterReport(facts []effect.Outcome, reportID string) []effect.Outcome {
	out := facts[:0]
	for _, f := range facts {
		if f.ReportID == reportID {
			out = append(out, f)
		}
	}
	return out
}

func invalidFlag(name, value string) error {
	return errors.New(fmt.Sprintf("invalid %s %q", name, value), errors.CategoryBadInput).
		WithTextCode("CLI_INVALID_FLAG").
		WithMetadata(map[string]any{"flag": name})
}
