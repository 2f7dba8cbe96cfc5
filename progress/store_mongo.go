package progress

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// DefaultSnapshotCollection holds one snapshot document per report.
const DefaultSnapshotCollection = "report_progress_snapshots"

type snapshotDocument struct {
	ReportID    string               `bson:"_id"`
	ProgressPct float64              `bson:"progress_pct"`
	StepStates  map[string]StepState `bson:"step_states"`
	Steps       []StepSnapshot       `bson:"steps,omitempty"`
	HasError    bool                 `bson:"has_error"`
	IsStable    bool                 `bson:"is_stable"`
	Summary     string               `bson:"summary"`
	UpdatedAt   time.Time            `bson:"updated_at"`
}

// MongoSnapshotStore stores snapshots in MongoDB.
type MongoSnapshotStore struct {
	collection   *mongo.Collection
	queryTimeout time.Duration
}

// NewMongoSnapshotStore creates a store on collection.
func NewMongoSnapshotStore(collection *mongo.Collection, queryTimeout time.Duration) *MongoSnapshotStore {
	if queryTimeout <= 0 {
		queryTimeout = 30 * time.Second
	}
	return &MongoSnapshotStore{collection: collection, queryTimeout: queryTimeout}
}

func (s *MongoSnapshotStore) Load(ctx context.Context, reportID string) (*Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	var doc snapshotDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": reportID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, storeError("load", err, reportID)
	}
	snap := fromSnapshotDocument(&doc)
	return &snap, nil
}

// Save upserts the document unless a stable one exists. A stable document
// makes the filter miss, and the upsert then collides on _id.
func (s *MongoSnapshotStore) Save(ctx context.Context, snap Snapshot) (bool, error) {
	if snap.ReportID == "" {
		return false, errSnapshotID()
	}
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	filter := bson.M{"_id": snap.ReportID, "is_stable": bson.M{"$ne": true}}
	_, err := s.collection.ReplaceOne(ctx, filter, toSnapshotDocument(snap), options.Replace().SetUpsert(true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, storeError("save", err, snap.ReportID)
	}
	return true, nil
}

func toSnapshotDocument(s Snapshot) *snapshotDocument {
	return &snapshotDocument{
		ReportID:    s.ReportID,
		ProgressPct: s.ProgressPct,
		StepStates:  s.StepStates,
		Steps:       s.Steps,
		HasError:    s.HasError,
		IsStable:    s.IsStable,
		Summary:     s.Summary,
		UpdatedAt:   s.UpdatedAt,
	}
}

func fromSnapshotDocument(doc *snapshotDocument) Snapshot {
	return Snapshot{
		ReportID:    doc.ReportID,
		ProgressPct: doc.ProgressPct,
		StepStates:  doc.StepStates,
		Steps:       doc.Steps,
		HasError:    doc.HasError,
		IsStable:    doc.IsStable,
		Summary:     doc.Summary,
		UpdatedAt:   doc.UpdatedAt.UTC(),
	}
}
