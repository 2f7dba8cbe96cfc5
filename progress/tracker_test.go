package progress

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-relato/effect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ SnapshotStore = (*InMemorySnapshotStore)(nil)
	_ SnapshotStore = (*RedisSnapshotStore)(nil)
	_ SnapshotStore = (*MongoSnapshotStore)(nil)
)

type countingSource struct {
	mu    sync.Mutex
	facts []effect.Outcome
	calls int
}

func (c *countingSource) ListByReport(_ context.Context, reportID string) ([]effect.Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	var out []effect.Outcome
	for _, f := range c.facts {
		if f.ReportID == reportID {
			out = append(out, f)
		}
	}
	return out, nil
}

func (c *countingSource) add(f effect.Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.facts = append(c.facts, f)
}

func TestTrackerShortCircuitsStableSnapshots(t *testing.T) {
	source := &countingSource{}
	source.add(fact(effect.KindPersistReport, effect.StatusSuccess, t0))
	source.add(fact(effect.KindUploadImages, effect.StatusSuccess, t0))
	source.add(fact(effect.KindEnqueueProcessing, effect.StatusSuccess, t0))

	tracker, err := NewTracker(source, WithSnapshotStore(NewInMemorySnapshotStore()))
	require.NoError(t, err)
	ctx := context.Background()

	first, err := tracker.Progress(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, first.IsComplete)
	assert.Equal(t, 100.0, first.ProgressPct)
	assert.Equal(t, 1, source.calls)

	// later facts cannot change a stable snapshot
	source.add(fact(effect.KindUploadImages, effect.StatusError, t0.Add(time.Hour)))
	second, err := tracker.Progress(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, source.calls)
}

func TestTrackerRecomputesUnstableSnapshots(t *testing.T) {
	source := &countingSource{}
	source.add(fact(effect.KindPersistReport, effect.StatusSuccess, t0))
	store := NewInMemorySnapshotStore()
	tracker, err := NewTracker(source, WithSnapshotStore(store))
	require.NoError(t, err)
	ctx := context.Background()

	view, err := tracker.Progress(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 14.29, view.ProgressPct)
	assert.False(t, view.IsComplete)

	source.add(fact(effect.KindUploadImages, effect.StatusSuccess, t0.Add(time.Second)))
	view, err = tracker.Progress(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 57.14, view.ProgressPct)
	assert.Equal(t, 2, source.calls)

	cached, err := store.Load(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, StepDone, cached.StepStates["upload"])
}

func TestProgressViewHidesRawErrors(t *testing.T) {
	source := &countingSource{}
	retrying := fact(effect.KindUploadImages, effect.StatusRetrying, t0)
	retrying.ErrorMessage = "dial tcp 10.0.0.7:9000: connection refused"
	retrying.FailureCategory = "network_error"
	failed := fact(effect.KindEnqueueProcessing, effect.StatusError, t0)
	failed.ErrorMessage = "panic: nil map"
	source.add(retrying)
	source.add(failed)

	tracker, err := NewTracker(source)
	require.NoError(t, err)
	view, err := tracker.Progress(context.Background(), "r1")
	require.NoError(t, err)

	assert.True(t, view.HasError)
	assert.Equal(t, MessageRetrying, view.Steps[1].ErrorMessage)
	assert.Equal(t, MessageFailed, view.Steps[2].ErrorMessage)
	assert.Empty(t, view.Steps[0].ErrorMessage)

	raw, err := json.Marshal(view)
	require.NoError(t, err)
	for _, leak := range []string{"10.0.0.7", "network_error", "panic", "retrying\""} {
		assert.False(t, strings.Contains(string(raw), leak), "view leaks %q", leak)
	}
}

func TestTrackerValidation(t *testing.T) {
	_, err := NewTracker(nil)
	require.Error(t, err)

	_, err = NewTracker(&countingSource{}, WithSteps([]StepDefinition{{ID: "x", Weight: -1, CompletionEffectType: effect.KindPersistReport}}))
	require.Error(t, err)

	tracker, err := NewTracker(&countingSource{})
	require.NoError(t, err)
	_, err = tracker.Progress(context.Background(), " ")
	require.Error(t, err)
}

type failingSnapshotStore struct{}

func (failingSnapshotStore) Load(context.Context, string) (*Snapshot, error) { return nil, nil }
func (failingSnapshotStore) Save(context.Context, Snapshot) (bool, error) {
	return false, errors.New("cache down")
}

func TestTrackerToleratesCacheWriteFailures(t *testing.T) {
	source := &countingSource{}
	source.add(fact(effect.KindPersistReport, effect.StatusSuccess, t0))
	tracker, err := NewTracker(source, WithSnapshotStore(failingSnapshotStore{}))
	require.NoError(t, err)

	view, err := tracker.Progress(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, 14.29, view.ProgressPct)
}
