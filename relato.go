// Package relato orchestrates the lifecycle of user reports: it decides which
// transitions are allowed, executes their technical effects, retries failed
// effects in background sweeps and projects user-facing progress.
package relato

import (
	"context"
	"sync"
	"time"

	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-relato/config"
	"github.com/goliatone/go-relato/cron"
	"github.com/goliatone/go-relato/effect"
	"github.com/goliatone/go-relato/lifecycle"
	"github.com/goliatone/go-relato/logging"
	"github.com/goliatone/go-relato/metrics"
	"github.com/goliatone/go-relato/progress"
	"github.com/goliatone/go-relato/retry"
	"github.com/goliatone/go-relato/retry/sweep"
)

// Job names registered on the cron scheduler.
const (
	SweepJobName    = "relato.retry_sweep"
	FollowUpJobName = "relato.retry_follow_up"
)

// Result is the outcome of Apply. Execution is nil for denied decisions.
type Result struct {
	Decision  lifecycle.Decision
	Execution *effect.Report
}

// Engine wires the orchestrator, executor, retry sweeps and progress tracker.
type Engine struct {
	cfg          config.Config
	handlers     effect.Handlers
	outcomes     effect.OutcomeStore
	snapshots    progress.SnapshotStore
	classifier   effect.Classifier
	logger       logging.Logger
	metrics      metrics.Recorder
	now          func() time.Time
	orchestrator *lifecycle.Orchestrator
	executor     *effect.Executor
	sweeper      *sweep.Scheduler
	tracker      *progress.Tracker
	cron         *cron.Scheduler

	sweepMu sync.Mutex

	mu         sync.Mutex
	handle     cron.Handle
	followUp   cron.Handle
	followUpAt time.Time
	started    bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces the default configuration.
func WithConfig(cfg config.Config) Option {
	return func(e *Engine) {
		e.cfg = cfg
	}
}

// WithHandlers sets the technical executors, one per effect kind.
func WithHandlers(h effect.Handlers) Option {
	return func(e *Engine) {
		e.handlers = h
	}
}

// WithOutcomeStore sets the fact store. Defaults to an in-memory store.
func WithOutcomeStore(s effect.OutcomeStore) Option {
	return func(e *Engine) {
		e.outcomes = s
	}
}

// WithSnapshotStore sets the progress cache. Defaults to an in-memory store.
func WithSnapshotStore(s progress.SnapshotStore) Option {
	return func(e *Engine) {
		e.snapshots = s
	}
}

func WithClassifier(c effect.Classifier) Option {
	return func(e *Engine) {
		e.classifier = c
	}
}

func WithLogger(l logging.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(e *Engine) {
		e.metrics = r
	}
}

// WithClock injects the time source used for facts and snapshots.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithCronScheduler sets the scheduler that runs retry sweeps.
func WithCronScheduler(s *cron.Scheduler) Option {
	return func(e *Engine) {
		e.cron = s
	}
}

// New builds an engine from options.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{cfg: config.Defaults()}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if err := e.cfg.Validate(); err != nil {
		return nil, err
	}

	e.logger = logging.Normalize(e.logger)
	if e.metrics == nil && e.cfg.Metrics.Enabled {
		otelCfg := metrics.DefaultOTelConfig()
		if e.cfg.Metrics.MeterName != "" {
			otelCfg.MeterName = e.cfg.Metrics.MeterName
		}
		recorder, err := metrics.NewOTel(otelCfg)
		if err != nil {
			return nil, err
		}
		e.metrics = recorder
	}
	e.metrics = metrics.Normalize(e.metrics)
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	if e.outcomes == nil {
		e.outcomes = effect.NewInMemoryOutcomeStore()
	}
	if e.snapshots == nil {
		e.snapshots = progress.NewInMemorySnapshotStore()
	}
	if e.classifier == nil {
		e.classifier = retry.NewClassifier()
	}
	if e.cron == nil {
		e.cron = cron.NewScheduler(cron.WithLogger(e.logger))
	}

	table, err := e.cfg.Table()
	if err != nil {
		return nil, err
	}
	policy := e.cfg.Policy()

	e.orchestrator = lifecycle.NewOrchestrator(
		lifecycle.WithTable(table),
		lifecycle.WithLogger(e.logger),
		lifecycle.WithMetrics(e.metrics),
	)

	e.executor, err = effect.NewExecutor(e.outcomes, e.handlers,
		effect.WithClassifier(e.classifier),
		effect.WithPolicy(policy),
		effect.WithTimeout(e.cfg.Executor.Timeout),
		effect.WithLogger(e.logger),
		effect.WithMetrics(e.metrics),
		effect.WithClock(e.now),
	)
	if err != nil {
		return nil, err
	}

	e.sweeper, err = sweep.New(e.outcomes, e.executor,
		sweep.WithPolicy(policy),
		sweep.WithLimit(e.cfg.Retry.Sweep.Limit),
		sweep.WithWindow(e.cfg.Retry.Sweep.Window),
		sweep.WithLogger(e.logger),
		sweep.WithMetrics(e.metrics),
		sweep.WithClock(e.now),
	)
	if err != nil {
		return nil, err
	}

	e.tracker, err = progress.NewTracker(e.outcomes,
		progress.WithSteps(e.cfg.Steps()),
		progress.WithSnapshotStore(e.snapshots),
		progress.WithProjector(progress.NewProjector(e.now)),
		progress.WithLogger(e.logger),
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Decide resolves req without executing anything.
func (e *Engine) Decide(ctx context.Context, req lifecycle.Request) (lifecycle.Decision, error) {
	return e.orchestrator.Decide(ctx, req)
}

// Apply decides req and, when allowed, executes its effects. Denials are
// returned as results. Effect failures are recorded as facts and reported in
// Execution; the error is reserved for invalid requests, missing handlers and
// outcome store failures.
func (e *Engine) Apply(ctx context.Context, req lifecycle.Request) (*Result, error) {
	decision, err := e.orchestrator.Decide(ctx, req)
	if err != nil {
		return nil, err
	}
	result := &Result{Decision: decision}
	if !decision.Allowed || len(decision.Effects) == 0 {
		return result, nil
	}
	report, err := e.executor.Execute(ctx, decision.Effects)
	result.Execution = report
	if report != nil {
		var dues []time.Time
		for _, o := range report.Outcomes() {
			if due, ok := o.NextAttemptAt(); ok && o.Status == effect.StatusRetrying {
				dues = append(dues, due)
			}
		}
		e.scheduleFollowUp(dues...)
	}
	return result, err
}

// Progress returns the user-facing progress of reportID.
func (e *Engine) Progress(ctx context.Context, reportID string) (progress.View, error) {
	return e.tracker.Progress(ctx, reportID)
}

// Outcomes lists every fact recorded for reportID in creation order.
func (e *Engine) Outcomes(ctx context.Context, reportID string) ([]effect.Outcome, error) {
	return e.outcomes.ListByReport(ctx, reportID)
}

// SweepRetries runs one retry sweep. Sweeps never overlap.
func (e *Engine) SweepRetries(ctx context.Context) (sweep.Report, error) {
	e.sweepMu.Lock()
	report, err := e.sweeper.RunOnce(ctx)
	e.sweepMu.Unlock()
	if err != nil {
		return report, err
	}
	if due, ok := report.NextDue(); ok {
		e.scheduleFollowUp(due)
	}
	return report, nil
}

// Jobs lists the scheduled sweep jobs: the recurring sweep and the pending
// follow-up, if any.
func (e *Engine) Jobs() []cron.Handle {
	return e.cron.Handles()
}

// Table returns the allow-table in use.
func (e *Engine) Table() *lifecycle.Table {
	return e.orchestrator.Table()
}

// Executor exposes the effect executor.
func (e *Engine) Executor() *effect.Executor {
	return e.executor
}

// Start schedules retry sweeps on the configured cron expression and starts
// the cron scheduler. It is a no-op when sweeps are disabled.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("engine already started", errors.CategoryConflict).
			WithTextCode("RELATO_ALREADY_STARTED")
	}
	sweepCfg := e.cfg.Retry.Sweep
	if !sweepCfg.Enabled {
		e.logger.Info("retry sweeps disabled")
		e.started = true
		return nil
	}

	handle, err := e.cron.ScheduleCron(cron.JobConfig{
		Name:       SweepJobName,
		Expression: sweepCfg.Expression,
		Timeout:    sweepCfg.Timeout,
	}, e.sweepJob)
	if err != nil {
		return err
	}
	if err := e.cron.Start(ctx); err != nil {
		handle.Cancel()
		return err
	}
	e.handle = handle
	e.started = true
	e.logger.Info("retry sweeps scheduled: %s", sweepCfg.Expression)
	return nil
}

// Stop cancels the sweep jobs and stops the cron scheduler, waiting for a
// running sweep until ctx is done.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	handles := []cron.Handle{e.handle, e.followUp}
	e.handle, e.followUp = nil, nil
	e.mu.Unlock()

	for _, h := range handles {
		if h != nil {
			h.Cancel()
		}
	}
	// e.mu stays released while waiting: a running sweep takes it in scheduleFollowUp
	return e.cron.Stop(ctx)
}

func (e *Engine) sweepJob(ctx context.Context) error {
	report, err := e.SweepRetries(ctx)
	if err != nil {
		e.logger.Warn("retry sweep failed: %v", err)
		return err
	}
	if errs := report.Errors(); len(errs) > 0 {
		e.logger.Warn("retry sweep finished with %d item errors", len(errs))
	}
	return nil
}

// scheduleFollowUp keeps one pending one-shot sweep at the earliest due time
// so a retry does not wait for the next recurring sweep.
func (e *Engine) scheduleFollowUp(dues ...time.Time) {
	var earliest time.Time
	for _, due := range dues {
		if !due.IsZero() && (earliest.IsZero() || due.Before(earliest)) {
			earliest = due
		}
	}
	if earliest.IsZero() {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started || !e.cfg.Retry.Sweep.Enabled {
		return
	}
	now := e.now()
	if pending := e.followUp; pending != nil && !handleDone(pending) && e.followUpAt.After(now) {
		if !earliest.Before(e.followUpAt) {
			return
		}
		pending.Cancel()
	}

	handle, err := e.cron.ScheduleAfter(earliest.Sub(now), cron.JobConfig{
		Name:    FollowUpJobName,
		Timeout: e.cfg.Retry.Sweep.Timeout,
	}, e.sweepJob)
	if err != nil {
		e.logger.Warn("failed to schedule retry follow-up: %v", err)
		return
	}
	e.followUp = handle
	e.followUpAt = earliest
	e.logger.Debug("retry follow-up scheduled at %s", earliest.Format(time.RFC3339))
}

func handleDone(h cron.Handle) bool {
	select {
	case <-h.Done():
		return true
	default:
		return false
	}
}
