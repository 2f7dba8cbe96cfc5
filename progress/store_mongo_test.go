package progress

import (
	"testing"
	"time"

	"github.com/goliatone/go-relato/effect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestSnapshotDocumentRoundTripsThroughBSON(t *testing.T) {
	updated := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	started := updated.Add(-time.Minute)
	snap := Snapshot{
		ReportID:    "r1",
		ProgressPct: 0.6,
		StepStates:  map[string]StepState{"persist": StepDone, "upload": StepError},
		Steps: []StepSnapshot{
			{StepID: "persist", Label: "Persist report", Weight: 3, State: StepDone, Status: effect.StatusSuccess, StartedAt: &started, FinishedAt: &updated},
			{StepID: "upload", Label: "Upload images", Weight: 2, State: StepError, Status: effect.StatusRetrying},
		},
		HasError:  true,
		IsStable:  false,
		Summary:   "in_progress",
		UpdatedAt: updated,
	}

	raw, err := bson.Marshal(toSnapshotDocument(snap))
	require.NoError(t, err)

	fields := bson.M{}
	require.NoError(t, bson.Unmarshal(raw, &fields))
	assert.Equal(t, "r1", fields["_id"])
	assert.Equal(t, false, fields["is_stable"])

	var decoded snapshotDocument
	require.NoError(t, bson.Unmarshal(raw, &decoded))
	got := fromSnapshotDocument(&decoded)

	assert.Equal(t, snap.ReportID, got.ReportID)
	assert.Equal(t, snap.ProgressPct, got.ProgressPct)
	assert.Equal(t, snap.StepStates, got.StepStates)
	assert.True(t, got.HasError)
	assert.Equal(t, "in_progress", got.Summary)
	assert.True(t, updated.Equal(got.UpdatedAt))
	require.Len(t, got.Steps, 2)
	assert.Equal(t, "Persist report", got.Steps[0].Label)
	assert.Equal(t, effect.StatusSuccess, got.Steps[0].Status)
	require.NotNil(t, got.Steps[0].StartedAt)
	assert.True(t, started.Equal(*got.Steps[0].StartedAt))
	assert.Nil(t, got.Steps[1].StartedAt)
	assert.Equal(t, StepError, got.Steps[1].State)
}
