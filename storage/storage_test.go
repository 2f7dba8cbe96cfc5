package storage

import (
	"context"
	"testing"

	"github.com/goliatone/go-relato/config"
	"github.com/goliatone/go-relato/effect"
	"github.com/goliatone/go-relato/progress"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenMemory(t *testing.T) {
	stores, err := Open(context.Background(), config.StorageConfig{Driver: config.DriverMemory}, 0, nil)
	require.NoError(t, err)
	defer stores.Close(context.Background())

	assert.IsType(t, &effect.InMemoryOutcomeStore{}, stores.Outcomes)
	assert.IsType(t, &progress.InMemorySnapshotStore{}, stores.Snapshots)
}

func TestOpenSQLite(t *testing.T) {
	ctx := context.Background()
	cfg := config.Defaults().Storage
	cfg.Driver = config.DriverSQLite
	cfg.SQLite.DSN = "file:storage_test?mode=memory&cache=shared"

	stores, err := Open(ctx, cfg, 0, nil)
	require.NoError(t, err)

	_, isSQL := stores.Outcomes.(*effect.SQLOutcomeStore)
	require.True(t, isSQL)

	saved, err := stores.Outcomes.Append(ctx, effect.Outcome{
		ReportID:   "r1",
		EffectType: effect.KindPersistReport,
		EffectRef:  "status",
		Status:     effect.StatusSuccess,
	})
	require.NoError(t, err)
	ok, err := stores.Outcomes.HasSuccess(ctx, saved.Key())
	require.NoError(t, err)
	assert.True(t, ok)

	snapshots, isSQLSnapshots := stores.Snapshots.(*progress.SQLSnapshotStore)
	require.True(t, isSQLSnapshots)
	stored, err := snapshots.Save(ctx, progress.Snapshot{ReportID: "r1", ProgressPct: 1, IsStable: true})
	require.NoError(t, err)
	assert.True(t, stored)
	loaded, err := stores.Snapshots.Load(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.True(t, loaded.IsStable)

	require.NoError(t, stores.Close(ctx))
	require.NoError(t, stores.Close(ctx))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), config.StorageConfig{Driver: "cassandra"}, 0, nil)
	require.Error(t, err)
}
