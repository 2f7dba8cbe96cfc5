package progress

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockRedisClient struct {
	mu    sync.Mutex
	store map[string]string
	ttls  map[string]time.Duration
}

func newMockRedisClient() *mockRedisClient {
	return &mockRedisClient{store: make(map[string]string), ttls: make(map[string]time.Duration)}
}

func (m *mockRedisClient) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store[key], nil
}

func (m *mockRedisClient) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := value.(string)
	if !ok {
		return errors.New("expected string payload")
	}
	m.store[key] = s
	m.ttls[key] = ttl
	return nil
}

func openSnapshotDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func snapshotStoresUnderTest(t *testing.T) map[string]SnapshotStore {
	return map[string]SnapshotStore{
		"memory": NewInMemorySnapshotStore(),
		"redis":  NewRedisSnapshotStore(newMockRedisClient(), time.Hour),
		"sqlite": NewSQLSnapshotStore(openSnapshotDB(t), ""),
	}
}

func TestSnapshotStoresNeverOverwriteStable(t *testing.T) {
	for name, store := range snapshotStoresUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			missing, err := store.Load(ctx, "r1")
			if err != nil || missing != nil {
				t.Fatalf("expected empty store, got %+v %v", missing, err)
			}

			unstable := Snapshot{ReportID: "r1", ProgressPct: 0.5, StepStates: map[string]StepState{"persist": StepDone}}
			if ok, err := store.Save(ctx, unstable); err != nil || !ok {
				t.Fatalf("save unstable: %v %v", ok, err)
			}
			stable := Snapshot{ReportID: "r1", ProgressPct: 1, IsStable: true, Summary: SummaryCompleted}
			if ok, err := store.Save(ctx, stable); err != nil || !ok {
				t.Fatalf("save stable over unstable: %v %v", ok, err)
			}
			regressed := Snapshot{ReportID: "r1", ProgressPct: 0.1, HasError: true}
			ok, err := store.Save(ctx, regressed)
			if err != nil {
				t.Fatalf("save over stable: %v", err)
			}
			if ok {
				t.Fatalf("stable snapshot must not be overwritten")
			}

			loaded, err := store.Load(ctx, "r1")
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if loaded == nil || !loaded.IsStable || loaded.ProgressPct != 1 || loaded.Summary != SummaryCompleted {
				t.Fatalf("unexpected snapshot after overwrite attempt: %+v", loaded)
			}

			if _, err := store.Save(ctx, Snapshot{}); err == nil {
				t.Fatalf("expected missing report id error")
			}
		})
	}
}

func TestRedisSnapshotStoreUsesPrefixAndTTL(t *testing.T) {
	client := newMockRedisClient()
	store := NewRedisSnapshotStore(client, 10*time.Minute)
	if _, err := store.Save(context.Background(), Snapshot{ReportID: "r9"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, ok := client.store["relato_progress:r9"]; !ok {
		t.Fatalf("expected prefixed key, got %v", client.store)
	}
	if client.ttls["relato_progress:r9"] != 10*time.Minute {
		t.Fatalf("expected ttl to be applied")
	}
}

func TestSQLSnapshotStoreRoundTripsSteps(t *testing.T) {
	ctx := context.Background()
	store := NewSQLSnapshotStore(openSnapshotDB(t), "")
	updated := time.Date(2026, 3, 1, 10, 0, 0, 123456789, time.UTC)

	snap := Snapshot{
		ReportID:    "r1",
		ProgressPct: 0.5,
		StepStates:  map[string]StepState{"persist": StepDone, "upload": StepError},
		HasError:    true,
		UpdatedAt:   updated,
	}
	ok, err := store.Save(ctx, snap)
	require.NoError(t, err)
	assert.True(t, ok)

	snap.ProgressPct = 0.75
	ok, err = store.Save(ctx, snap)
	require.NoError(t, err)
	assert.True(t, ok, "unstable rows are replaced")

	loaded, err := store.Load(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, 0.75, loaded.ProgressPct)
	assert.Equal(t, StepError, loaded.StepStates["upload"])
	assert.True(t, loaded.HasError)
	assert.True(t, updated.Equal(loaded.UpdatedAt))
}

func TestSQLSnapshotStoreRetriesSchemaAfterFailure(t *testing.T) {
	store := NewSQLSnapshotStore(openSnapshotDB(t), "")
	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Load(canceled, "r1")
	require.Error(t, err)

	loaded, err := store.Load(context.Background(), "r1")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}
