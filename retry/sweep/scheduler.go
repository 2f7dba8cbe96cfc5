// Package sweep re-drives failed effects from their recorded outcome facts.
package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-relato/effect"
	"github.com/goliatone/go-relato/logging"
	"github.com/goliatone/go-relato/metrics"
	"github.com/goliatone/go-relato/retry"
)

// Executor resubmits one effect as a given attempt.
type Executor interface {
	ExecuteAttempt(ctx context.Context, eff effect.Effect, attempt int) (effect.Entry, error)
}

// Verdict describes what a sweep did with one key.
type Verdict string

const (
	VerdictResubmitted Verdict = "resubmitted"
	VerdictAborted     Verdict = "aborted"
	VerdictSuperseded  Verdict = "superseded"
	VerdictClosed      Verdict = "closed"
	VerdictNotDue      Verdict = "not_due"
	VerdictSkipped     Verdict = "skipped"
	VerdictFailed      Verdict = "failed"
)

// Item is the per-key result of a sweep.
type Item struct {
	Key      effect.Key
	Attempt  int
	Verdict  Verdict
	Decision *retry.Decision
	Outcome  *effect.Outcome
	// Due is set when the key is left waiting for a later attempt.
	Due time.Time
	Err error
}

// Report summarizes one RunOnce call.
type Report struct {
	Scanned   int
	Items     []Item
	StartedAt time.Time
	Duration  time.Duration
}

// Count returns how many items ended with verdict v.
func (r Report) Count(v Verdict) int {
	n := 0
	for _, item := range r.Items {
		if item.Verdict == v {
			n++
		}
	}
	return n
}

// NextDue returns the earliest time an item left waiting becomes due.
func (r Report) NextDue() (time.Time, bool) {
	var next time.Time
	for _, item := range r.Items {
		if item.Due.IsZero() {
			continue
		}
		if next.IsZero() || item.Due.Before(next) {
			next = item.Due
		}
	}
	return next, !next.IsZero()
}

// Errors returns the per-item errors in order.
func (r Report) Errors() []error {
	var out []error
	for _, item := range r.Items {
		if item.Err != nil {
			out = append(out, item.Err)
		}
	}
	return out
}

// Scheduler runs retry sweeps over the outcome store.
type Scheduler struct {
	store    effect.OutcomeStore
	executor Executor
	policy   retry.Policy
	limit    int
	window   time.Duration
	logger   logging.Logger
	metrics  metrics.Recorder
	now      func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithPolicy sets the policy used to re-derive decisions.
func WithPolicy(p retry.Policy) Option {
	return func(s *Scheduler) {
		if p != nil {
			s.policy = p
		}
	}
}

// WithLimit bounds how many failed facts one sweep loads.
func WithLimit(limit int) Option {
	return func(s *Scheduler) {
		if limit > 0 {
			s.limit = limit
		}
	}
}

// WithWindow only considers facts created within d of now. Zero disables it.
func WithWindow(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= 0 {
			s.window = d
		}
	}
}

func WithLogger(l logging.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(s *Scheduler) {
		s.metrics = metrics.Normalize(r)
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New builds a scheduler. Store and executor are required.
func New(store effect.OutcomeStore, executor Executor, opts ...Option) (*Scheduler, error) {
	if store == nil || executor == nil {
		return nil, errors.New("retry sweep requires an outcome store and an executor", errors.CategoryBadInput).
			WithTextCode("SWEEP_NOT_CONFIGURED")
	}
	s := &Scheduler{
		store:    store,
		executor: executor,
		policy:   retry.DefaultPolicy(),
		limit:    effect.DefaultQueryLimit,
		logger:   logging.Discard(),
		metrics:  metrics.Noop{},
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// RunOnce performs one sweep. Only a failure to load candidates is returned;
// per-item failures and panics are logged and reported in Items.
func (s *Scheduler) RunOnce(ctx context.Context) (Report, error) {
	started := s.now()
	report := Report{StartedAt: started}

	query := effect.Query{Limit: s.limit}
	if s.window > 0 {
		query.Since = started.Add(-s.window)
	}
	facts, err := s.store.ListFailed(ctx, query)
	if err != nil {
		return report, errors.Wrap(err, errors.CategoryExternal, "retry sweep failed to load outcomes").
			WithTextCode("SWEEP_LOAD_FAILED")
	}
	report.Scanned = len(facts)

	latest := effect.LatestByKey(facts)
	seen := make(map[effect.Key]bool, len(latest))
	for _, fact := range facts {
		key := fact.Key()
		if seen[key] {
			continue
		}
		seen[key] = true
		if err := ctx.Err(); err != nil {
			break
		}
		report.Items = append(report.Items, s.process(ctx, latest[key]))
	}

	report.Duration = s.now().Sub(started)
	s.metrics.RecordSweep(ctx, metrics.SweepStats{
		Scanned:     report.Scanned,
		Resubmitted: report.Count(VerdictResubmitted),
		Aborted:     report.Count(VerdictAborted),
		Failed:      report.Count(VerdictFailed),
		Duration:    report.Duration,
	})
	s.logger.Info("retry sweep finished: scanned=%d resubmitted=%d aborted=%d failed=%d",
		report.Scanned, report.Count(VerdictResubmitted), report.Count(VerdictAborted), report.Count(VerdictFailed))
	return report, nil
}

func (s *Scheduler) process(ctx context.Context, fact effect.Outcome) (item Item) {
	item = Item{Key: fact.Key(), Attempt: fact.Attempt}
	log := logging.With(s.logger.WithContext(ctx), map[string]any{
		"report_id":   fact.ReportID,
		"effect_type": string(fact.EffectType),
		"effect_ref":  fact.EffectRef,
		"attempt":     fact.Attempt,
	})
	defer func() {
		if r := recover(); r != nil {
			log.Error("%s", logging.FormatPanic("retry sweep item", r, logging.CaptureStack(), nil))
			item.Verdict = VerdictFailed
			item.Err = errors.New(fmt.Sprintf("retry sweep item panicked: %v", r), errors.CategoryHandler).
				WithTextCode("SWEEP_ITEM_PANIC")
		}
	}()

	switch {
	case fact.EffectType == effect.KindRollbackImages:
		item.Verdict = VerdictSkipped
		return item
	case fact.Final():
		item.Verdict = VerdictClosed
		return item
	}

	current, err := s.store.Latest(ctx, item.Key)
	if err != nil {
		return s.fail(log, item, err)
	}
	if current != nil && current.ID != fact.ID {
		item.Verdict = VerdictSuperseded
		return item
	}
	if fact.Status == effect.StatusRetrying {
		if due, ok := fact.NextAttemptAt(); ok && s.now().Before(due) {
			item.Verdict = VerdictNotDue
			item.Due = due
			return item
		}
	}

	decision := s.policy.Decide(fact.FailureCategory, fact.Attempt)
	item.Decision = &decision
	s.metrics.RecordRetryDecision(ctx, string(fact.FailureCategory), decision.ShouldRetry)

	if _, err := s.store.Append(ctx, decisionFact(fact, decision, s.now())); err != nil {
		return s.fail(log, item, err)
	}

	if !decision.ShouldRetry {
		log.Warn("retry aborted: %s", decision.Reason)
		item.Verdict = VerdictAborted
		return item
	}

	eff, err := fact.Effect()
	if err != nil {
		return s.fail(log, item, err)
	}
	entry, err := s.executor.ExecuteAttempt(ctx, eff, fact.Attempt+1)
	if err != nil {
		return s.fail(log, item, err)
	}
	log.Info("effect resubmitted: %s", decision.Reason)
	item.Verdict = VerdictResubmitted
	item.Outcome = entry.Outcome
	if entry.Outcome != nil && entry.Outcome.Status == effect.StatusRetrying {
		item.Due, _ = entry.Outcome.NextAttemptAt()
	}
	return item
}

func (s *Scheduler) fail(log logging.Logger, item Item, err error) Item {
	log.Error("retry sweep item failed: %v", err)
	item.Verdict = VerdictFailed
	item.Err = err
	return item
}

// decisionFact records a sweep decision. Abort decisions close the key.
func decisionFact(source effect.Outcome, decision retry.Decision, now time.Time) effect.Outcome {
	metadata := map[string]any{
		effect.MetaSource: "retry_scheduler",
		effect.MetaRetry: map[string]any{
			"should_retry": decision.ShouldRetry,
			"reason":       decision.Reason,
		},
	}
	if payload, ok := source.Metadata[effect.MetaEffect]; ok {
		metadata[effect.MetaEffect] = payload
	}
	status := effect.StatusRetrying
	if !decision.ShouldRetry {
		status = effect.StatusError
		metadata[effect.MetaFinal] = true
	}
	return effect.Outcome{
		ReportID:        source.ReportID,
		EffectType:      source.EffectType,
		EffectRef:       source.EffectRef,
		Status:          status,
		FailureCategory: source.FailureCategory,
		Attempt:         source.Attempt,
		Metadata:        metadata,
		ErrorMessage:    source.ErrorMessage,
		ExecutedAt:      now,
	}
}
