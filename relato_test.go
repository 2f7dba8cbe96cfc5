package relato

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goliatone/go-relato/config"
	"github.com/goliatone/go-relato/cron"
	"github.com/goliatone/go-relato/effect"
	"github.com/goliatone/go-relato/lifecycle"
	"github.com/goliatone/go-relato/logging"
	"github.com/goliatone/go-relato/metrics"
	"github.com/goliatone/go-relato/retry/sweep"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	engine     *Engine
	clock      *fakeClock
	metrics    *metrics.Memory
	uploadFail atomic.Bool
	calls      sync.Map
}

func (h *harness) count(kind effect.Kind) int {
	v, ok := h.calls.Load(kind)
	if !ok {
		return 0
	}
	return int(v.(*atomic.Int32).Load())
}

func (h *harness) record(kind effect.Kind) {
	v, _ := h.calls.LoadOrStore(kind, &atomic.Int32{})
	v.(*atomic.Int32).Add(1)
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		clock:   &fakeClock{now: time.Now().UTC()},
		metrics: metrics.NewMemory(),
	}
	handlers := effect.Handlers{}
	for _, kind := range effect.Kinds() {
		kind := kind
		handlers[kind] = effect.HandlerFunc(func(context.Context, effect.Effect) (effect.Result, error) {
			h.record(kind)
			if kind == effect.KindUploadImages && h.uploadFail.Load() {
				return effect.Result{}, errors.New("connection reset by peer")
			}
			return effect.Result{}, nil
		})
	}
	base := []Option{
		WithHandlers(handlers),
		WithLogger(logging.Discard()),
		WithMetrics(h.metrics),
		WithClock(h.clock.Now),
	}
	engine, err := New(append(base, opts...)...)
	require.NoError(t, err)
	h.engine = engine
	return h
}

var owner = lifecycle.Actor{ID: "u1", Role: lifecycle.RoleUser}

func request(intent lifecycle.Intent, state lifecycle.State, actor lifecycle.Actor) lifecycle.Request {
	return lifecycle.Request{
		Intent:       intent,
		ReportID:     "r1",
		CurrentState: state,
		Actor:        actor,
		OwnerID:      "u1",
	}
}

func TestApplyExecutesAllowedEffects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.engine.Apply(ctx, request(lifecycle.IntentCreateReport, lifecycle.StateNone, owner))
	require.NoError(t, err)
	require.True(t, res.Decision.Allowed)
	assert.Equal(t, lifecycle.StateCreated, res.Decision.ResultingState())
	require.NotNil(t, res.Execution)
	assert.Len(t, res.Execution.Entries, 2)
	assert.Empty(t, res.Execution.Failed())
	assert.Equal(t, 1, h.count(effect.KindPersistReport))
	assert.Equal(t, 1, h.count(effect.KindEmitDomainEvent))

	view, err := h.engine.Progress(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 14.29, view.ProgressPct)
	assert.False(t, view.HasError)
	assert.Equal(t, 1, h.metrics.Count("decision.create_report.allowed"))
}

func TestApplyIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := request(lifecycle.IntentCreateReport, lifecycle.StateNone, owner)

	_, err := h.engine.Apply(ctx, req)
	require.NoError(t, err)
	res, err := h.engine.Apply(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Execution.Skipped())
	assert.Equal(t, 1, h.count(effect.KindPersistReport))

	outcomes, err := h.engine.Outcomes(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, outcomes, 2)
}

func TestApplyReturnsDenialsAsResults(t *testing.T) {
	h := newHarness(t)
	stranger := lifecycle.Actor{ID: "u2", Role: lifecycle.RoleUser}

	res, err := h.engine.Apply(context.Background(), request(lifecycle.IntentSubmitReport, lifecycle.StateCreated, stranger))
	require.NoError(t, err)
	assert.False(t, res.Decision.Allowed)
	assert.Equal(t, "Only the report owner may perform this action", res.Decision.Reason)
	assert.Nil(t, res.Execution)
	assert.Zero(t, h.count(effect.KindPersistReport))

	_, err = h.engine.Apply(context.Background(), request("teleport", lifecycle.StateCreated, owner))
	require.Error(t, err)
}

func TestFailedUploadIsRolledBackAndRetriedBySweep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.Apply(ctx, request(lifecycle.IntentCreateReport, lifecycle.StateNone, owner))
	require.NoError(t, err)

	h.uploadFail.Store(true)
	upload := request(lifecycle.IntentUploadFiles, lifecycle.StateCreated, owner)
	upload.ImageRefs = []string{"img-a", "img-b"}
	res, err := h.engine.Apply(ctx, upload)
	require.NoError(t, err)
	require.True(t, res.Decision.Allowed)

	failed := res.Execution.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, effect.KindUploadImages, failed[0].Effect.Kind())
	require.NotNil(t, failed[0].Compensation)
	assert.Equal(t, effect.KindRollbackImages, failed[0].Compensation.EffectType)
	assert.Equal(t, 1, h.count(effect.KindRollbackImages))
	assert.Equal(t, 2, h.count(effect.KindPersistReport), "later effects still run")

	view, err := h.engine.Progress(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, view.HasError)

	// backoff has not elapsed yet
	report, err := h.engine.SweepRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(sweep.VerdictNotDue))

	h.uploadFail.Store(false)
	h.clock.Advance(time.Minute)
	report, err = h.engine.SweepRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(sweep.VerdictResubmitted))
	assert.Equal(t, 2, h.count(effect.KindUploadImages))

	view, err = h.engine.Progress(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, view.HasError)
	assert.Equal(t, 57.14, view.ProgressPct)

	report, err = h.engine.SweepRetries(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Count(sweep.VerdictResubmitted))
}

func TestApplyFailsFastOnMissingHandler(t *testing.T) {
	engine, err := New(WithHandlers(effect.Handlers{
		effect.KindPersistReport: effect.HandlerFunc(func(context.Context, effect.Effect) (effect.Result, error) {
			return effect.Result{}, nil
		}),
	}), WithLogger(logging.Discard()))
	require.NoError(t, err)

	_, err = engine.Apply(context.Background(), request(lifecycle.IntentCreateReport, lifecycle.StateNone, owner))
	require.Error(t, err)
	assert.Equal(t, effect.ErrCodeUnknownKind, effect.ErrorCode(err))

	outcomes, err := engine.Outcomes(context.Background(), "r1")
	require.NoError(t, err)
	assert.Empty(t, outcomes, "nothing runs when a handler is missing")
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.Storage.Driver = "cassandra"
	_, err := New(WithConfig(cfg))
	require.Error(t, err)
}

func TestStartSchedulesSweepsAndStop(t *testing.T) {
	cfg := config.Defaults()
	cfg.Retry.Sweep.Expression = "@every 1h"
	h := newHarness(t, WithConfig(cfg))
	ctx := context.Background()

	require.NoError(t, h.engine.Start(ctx))
	require.Error(t, h.engine.Start(ctx))

	handles := h.engine.cron.Handles()
	require.Len(t, handles, 1)
	assert.Equal(t, SweepJobName, handles[0].Name())

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, h.engine.Stop(stopCtx))
	require.NoError(t, h.engine.Stop(stopCtx))
	assert.Empty(t, h.engine.cron.Handles())
}

func TestStartWithSweepsDisabled(t *testing.T) {
	cfg := config.Defaults()
	cfg.Retry.Sweep.Enabled = false
	h := newHarness(t, WithConfig(cfg))

	require.NoError(t, h.engine.Start(context.Background()))
	assert.Empty(t, h.engine.cron.Handles())
	require.NoError(t, h.engine.Stop(context.Background()))
}

func TestNewWiresOTelMetricsFromConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.Metrics.Enabled = true
	engine, err := New(WithConfig(cfg), WithLogger(logging.Discard()))
	require.NoError(t, err)
	assert.IsType(t, &metrics.OTel{}, engine.metrics)
}

type flakyListStore struct {
	*effect.InMemoryOutcomeStore
	loads atomic.Int32
}

func (s *flakyListStore) ListFailed(ctx context.Context, q effect.Query) ([]effect.Outcome, error) {
	if s.loads.Add(1) == 1 {
		return nil, errors.New("outcome store briefly unavailable")
	}
	return s.InMemoryOutcomeStore.ListFailed(ctx, q)
}

func TestRecurringSweepSurvivesFailedRun(t *testing.T) {
	cfg := config.Defaults()
	cfg.Retry.Sweep.Expression = "@every 1s"
	store := &flakyListStore{InMemoryOutcomeStore: effect.NewInMemoryOutcomeStore()}
	h := newHarness(t, WithConfig(cfg), WithOutcomeStore(store))
	ctx := context.Background()

	require.NoError(t, h.engine.Start(ctx))
	defer h.engine.Stop(ctx)

	require.Eventually(t, func() bool { return store.loads.Load() >= 2 }, 4*time.Second, 20*time.Millisecond,
		"a failed sweep must not stop later sweeps")

	jobs := h.engine.Jobs()
	require.Len(t, jobs, 1)
	assert.NotEqual(t, cron.ScheduleStatusFailed, jobs[0].Status())
}

func TestRetryingEffectGetsFollowUpSweep(t *testing.T) {
	cfg := config.Defaults()
	cfg.Retry.Sweep.Expression = "@every 1h"
	cfg.Retry.Backoff = config.BackoffConfig{Base: 300 * time.Millisecond, Factor: 1, Max: time.Second}
	h := newHarness(t, WithConfig(cfg), WithClock(nil))
	ctx := context.Background()

	require.NoError(t, h.engine.Start(ctx))
	defer h.engine.Stop(ctx)

	_, err := h.engine.Apply(ctx, request(lifecycle.IntentCreateReport, lifecycle.StateNone, owner))
	require.NoError(t, err)

	h.uploadFail.Store(true)
	upload := request(lifecycle.IntentUploadFiles, lifecycle.StateCreated, owner)
	upload.ImageRefs = []string{"img-a"}
	res, err := h.engine.Apply(ctx, upload)
	require.NoError(t, err)
	require.Len(t, res.Execution.Failed(), 1)
	h.uploadFail.Store(false)

	names := map[string]bool{}
	for _, job := range h.engine.Jobs() {
		names[job.Name()] = true
	}
	assert.True(t, names[SweepJobName])
	assert.True(t, names[FollowUpJobName])

	require.Eventually(t, func() bool { return h.count(effect.KindUploadImages) == 2 }, 3*time.Second, 20*time.Millisecond,
		"the follow-up sweep retries the upload once it is due")

	require.Eventually(t, func() bool {
		view, err := h.engine.Progress(ctx, "r1")
		return err == nil && !view.HasError
	}, time.Second, 20*time.Millisecond)
}
