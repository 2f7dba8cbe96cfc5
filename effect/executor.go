package effect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goliatone/go-relato/logging"
	"github.com/goliatone/go-relato/metrics"
	"github.com/goliatone/go-relato/retry"
	"github.com/goliatone/go-relato/runner"
)

// Result carries handler metadata recorded on the success fact.
type Result struct {
	Metadata map[string]any
}

// Handler performs the side effect described by one Effect.
type Handler interface {
	Handle(ctx context.Context, e Effect) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, e Effect) (Result, error)

func (f HandlerFunc) Handle(ctx context.Context, e Effect) (Result, error) {
	return f(ctx, e)
}

// Typed adapts a handler for one concrete effect type.
func Typed[E Effect](fn func(ctx context.Context, e E) (Result, error)) Handler {
	return HandlerFunc(func(ctx context.Context, e Effect) (Result, error) {
		typed, ok := e.(E)
		if !ok {
			return Result{}, fmt.Errorf("invalid effect payload: unexpected %T", e)
		}
		return fn(ctx, typed)
	})
}

// Handlers maps each kind to its handler.
type Handlers map[Kind]Handler

// Classifier maps a failure to a retry category.
type Classifier interface {
	Classify(err error) retry.Category
}

// Entry describes what happened to one effect of a batch.
type Entry struct {
	Index        int
	Effect       Effect
	Key          Key
	Skipped      bool
	Outcome      *Outcome
	Decision     *retry.Decision
	Compensation *Outcome
}

// Failed reports whether the entry recorded a failure fact.
func (e Entry) Failed() bool {
	return e.Outcome != nil && e.Outcome.Status != StatusSuccess
}

// Report is the per-batch execution summary.
type Report struct {
	Entries []Entry
}

// Failed returns the entries that recorded a failure.
func (r *Report) Failed() []Entry {
	var out []Entry
	for _, e := range r.Entries {
		if e.Failed() {
			out = append(out, e)
		}
	}
	return out
}

// Skipped counts effects that were already applied.
func (r *Report) Skipped() int {
	n := 0
	for _, e := range r.Entries {
		if e.Skipped {
			n++
		}
	}
	return n
}

// Outcomes returns every fact written by the batch, compensations included.
func (r *Report) Outcomes() []Outcome {
	var out []Outcome
	for _, e := range r.Entries {
		if e.Outcome != nil {
			out = append(out, *e.Outcome)
		}
		if e.Compensation != nil {
			out = append(out, *e.Compensation)
		}
	}
	return out
}

// Executor runs effects idempotently and records one fact per attempt.
type Executor struct {
	handlers   Handlers
	store      OutcomeStore
	classifier Classifier
	policy     retry.Policy
	timeout    time.Duration
	logger     logging.Logger
	metrics    metrics.Recorder
	now        func() time.Time
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// DefaultEffectTimeout bounds one handler call.
const DefaultEffectTimeout = 30 * time.Second

func WithClassifier(c Classifier) ExecutorOption {
	return func(e *Executor) {
		if c != nil {
			e.classifier = c
		}
	}
}

func WithPolicy(p retry.Policy) ExecutorOption {
	return func(e *Executor) {
		if p != nil {
			e.policy = p
		}
	}
}

// WithTimeout bounds every handler call. Zero disables the bound.
func WithTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d >= 0 {
			e.timeout = d
		}
	}
}

func WithLogger(l logging.Logger) ExecutorOption {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithMetrics(r metrics.Recorder) ExecutorOption {
	return func(e *Executor) {
		e.metrics = metrics.Normalize(r)
	}
}

// WithClock overrides the time source used for fact timestamps.
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// NewExecutor builds an executor over store with the given handlers.
func NewExecutor(store OutcomeStore, handlers Handlers, opts ...ExecutorOption) (*Executor, error) {
	if store == nil {
		return nil, cloneError(ErrStoreFailed, "outcome store required", nil, nil)
	}
	copied := make(Handlers, len(handlers))
	for k, h := range handlers {
		if h == nil {
			continue
		}
		if !k.Valid() {
			return nil, newUnknownKindError(k)
		}
		copied[k] = h
	}
	e := &Executor{
		handlers:   copied,
		store:      store,
		classifier: retry.NewClassifier(),
		policy:     retry.DefaultPolicy(),
		timeout:    DefaultEffectTimeout,
		logger:     logging.Discard(),
		metrics:    metrics.Noop{},
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// Store exposes the outcome store the executor writes to.
func (e *Executor) Store() OutcomeStore {
	return e.store
}

// Validate checks that every effect of the batch has a handler. An upload
// also needs the rollback handler that compensates it on failure.
func (e *Executor) Validate(effects List) error {
	for i, eff := range effects {
		if eff == nil {
			return &UnknownEffectError{Index: i}
		}
		if _, ok := e.handlers[eff.Kind()]; !ok {
			return &UnknownEffectError{Kind: eff.Kind(), Index: i}
		}
		if eff.Kind() != KindUploadImages {
			continue
		}
		if _, ok := e.handlers[KindRollbackImages]; !ok {
			return &UnknownEffectError{Kind: KindRollbackImages, Index: i}
		}
	}
	return nil
}

// Execute runs effects in order. Technical failures become facts; the returned
// error is reserved for programmer errors and outcome store failures.
func (e *Executor) Execute(ctx context.Context, effects List) (*Report, error) {
	if err := e.Validate(effects); err != nil {
		return nil, err
	}
	report := &Report{Entries: make([]Entry, 0, len(effects))}
	var storeErrs error
	for i, eff := range effects {
		entry, err := e.run(ctx, eff, 0)
		entry.Index = i
		report.Entries = append(report.Entries, entry)
		if err != nil {
			storeErrs = errors.Join(storeErrs, err)
		}
	}
	return report, storeErrs
}

// ExecuteAttempt runs a single effect as the given attempt. Used by retry sweeps.
func (e *Executor) ExecuteAttempt(ctx context.Context, eff Effect, attempt int) (Entry, error) {
	if err := e.Validate(List{eff}); err != nil {
		return Entry{}, err
	}
	if attempt < 0 {
		attempt = 0
	}
	return e.run(ctx, eff, attempt)
}

func (e *Executor) run(ctx context.Context, eff Effect, attempt int) (Entry, error) {
	key := KeyOf(eff)
	entry := Entry{Effect: eff, Key: key}
	log := logging.With(e.logger.WithContext(ctx), keyFields(key, attempt))

	// check-then-act: concurrent callers may both pass this check
	done, err := e.store.HasSuccess(ctx, key)
	if err != nil {
		log.Error("idempotency lookup failed: %v", err)
		return entry, err
	}
	if done {
		log.Debug("effect already applied, skipping")
		entry.Skipped = true
		return entry, nil
	}

	started := e.now()
	result, handleErr := e.invoke(ctx, eff)
	finished := e.now()
	e.metrics.RecordEffect(ctx, string(eff.Kind()), statusOf(handleErr), finished.Sub(started))

	if handleErr == nil {
		fact := Outcome{
			ReportID:   key.ReportID,
			EffectType: key.EffectType,
			EffectRef:  key.EffectRef,
			Status:     StatusSuccess,
			Attempt:    attempt,
			Metadata:   cloneMap(result.Metadata),
			ExecutedAt: finished,
		}
		saved, err := e.store.Append(ctx, fact)
		if err != nil {
			log.Error("failed to record success: %v", err)
			return entry, err
		}
		log.Info("effect applied")
		entry.Outcome = &saved
		return entry, nil
	}

	category := e.classifier.Classify(handleErr)
	decision := e.policy.Decide(category, attempt)
	e.metrics.RecordRetryDecision(ctx, string(category), decision.ShouldRetry)
	entry.Decision = &decision

	fact, err := e.failureFact(eff, attempt, category, decision, handleErr, finished)
	if err != nil {
		return entry, err
	}
	saved, err := e.store.Append(ctx, fact)
	if err != nil {
		log.Error("failed to record failure: %v", err)
		return entry, err
	}
	entry.Outcome = &saved
	log.Warn("effect failed: %s (%s)", handleErr.Error(), decision.Reason)

	if upload, ok := eff.(UploadImages); ok {
		entry.Compensation = e.compensate(ctx, upload, attempt, handleErr, log)
	}
	return entry, nil
}

func (e *Executor) invoke(ctx context.Context, eff Effect) (Result, error) {
	return e.invokeWith(ctx, e.handlers[eff.Kind()], eff)
}

func (e *Executor) failureFact(eff Effect, attempt int, category retry.Category, decision retry.Decision, cause error, at time.Time) (Outcome, error) {
	payload, err := Encode(eff)
	if err != nil {
		return Outcome{}, cloneError(ErrInvalidFact, "failed to encode effect payload", err, KeyOf(eff).fields())
	}
	status := StatusError
	metadata := map[string]any{
		MetaEffect: payload,
		MetaSource: "executor",
		MetaRetry:  decisionMetadata(decision),
	}
	if decision.ShouldRetry {
		status = StatusRetrying
		metadata[MetaNextAttemptAt] = at.Add(decision.Delay).UTC().Format(time.RFC3339Nano)
	}
	var partial *PartialUploadError
	if errors.As(cause, &partial) && len(partial.Uploaded) > 0 {
		metadata["uploaded"] = toAnySlice(partial.Uploaded)
	}
	key := KeyOf(eff)
	return Outcome{
		ReportID:        key.ReportID,
		EffectType:      key.EffectType,
		EffectRef:       key.EffectRef,
		Status:          status,
		FailureCategory: category,
		Attempt:         attempt,
		Metadata:        metadata,
		ErrorMessage:    cause.Error(),
		ExecutedAt:      at,
	}, nil
}

// compensate deletes whatever part of a failed upload reached storage. Its
// outcome never replaces the upload fact and is never retried. Each upload
// attempt gets its own rollback key.
func (e *Executor) compensate(ctx context.Context, upload UploadImages, attempt int, cause error, log logging.Logger) *Outcome {
	ids := upload.ImageRefs
	var partial *PartialUploadError
	if errors.As(cause, &partial) && len(partial.Uploaded) > 0 {
		ids = partial.Uploaded
	}
	rollback := RollbackImages{
		Target: Target{
			ReportID:  upload.ReportID,
			EffectRef: fmt.Sprintf("rollback:%s#%d", upload.EffectRef, attempt),
		},
		ImageIDs: append([]string(nil), ids...),
	}
	key := KeyOf(rollback)
	fact := Outcome{
		ReportID:   key.ReportID,
		EffectType: key.EffectType,
		EffectRef:  key.EffectRef,
		Metadata: map[string]any{
			MetaSource:      "compensation",
			MetaCompensates: upload.EffectRef,
			MetaFinal:       true,
		},
	}

	started := e.now()
	_, err := e.invokeWith(ctx, e.handlers[KindRollbackImages], rollback)
	fact.ExecutedAt = e.now()
	e.metrics.RecordEffect(ctx, string(KindRollbackImages), statusOf(err), fact.ExecutedAt.Sub(started))

	if err != nil {
		fact.Status = StatusError
		fact.FailureCategory = e.classifier.Classify(err)
		fact.ErrorMessage = err.Error()
		log.Error("image rollback failed: %v", err)
	} else {
		fact.Status = StatusSuccess
		log.Info("rolled back %d uploaded images", len(ids))
	}

	saved, appendErr := e.store.Append(ctx, fact)
	if appendErr != nil {
		log.Error("failed to record rollback outcome: %v", appendErr)
		return nil
	}
	return &saved
}

// invokeWith runs handler under the executor timeout. Panics surface as
// *runner.PanicError.
func (e *Executor) invokeWith(ctx context.Context, handler Handler, eff Effect) (Result, error) {
	var result Result
	opts := []runner.Option{}
	if e.timeout > 0 {
		opts = append(opts, runner.WithTimeout(e.timeout))
	}
	err := runner.NewHandler(opts...).Run(ctx, func(ctx context.Context) error {
		var err error
		result, err = handler.Handle(ctx, eff)
		return err
	})
	return result, err
}

func decisionMetadata(d retry.Decision) map[string]any {
	out := map[string]any{
		"should_retry": d.ShouldRetry,
		"reason":       d.Reason,
	}
	if secs := d.DelaySeconds(); secs != nil {
		out["delay_seconds"] = *secs
	}
	return out
}

func keyFields(key Key, attempt int) map[string]any {
	fields := key.fields()
	fields["attempt"] = attempt
	return fields
}

func statusOf(err error) string {
	if err != nil {
		return string(StatusError)
	}
	return string(StatusSuccess)
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
