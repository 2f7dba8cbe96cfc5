package effect

import (
	"context"
	"errors"
	"time"

	"github.com/goliatone/go-relato/retry"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// outcomeDocument is the MongoDB document representation of an outcome fact.
type outcomeDocument struct {
	ID              string         `bson:"_id"`
	ReportID        string         `bson:"report_id"`
	EffectType      string         `bson:"effect_type"`
	EffectRef       string         `bson:"effect_ref"`
	Status          string         `bson:"status"`
	FailureCategory string         `bson:"failure_category,omitempty"`
	Attempt         int            `bson:"attempt"`
	Metadata        map[string]any `bson:"metadata,omitempty"`
	ErrorMessage    string         `bson:"error_message,omitempty"`
	Final           bool           `bson:"final"`
	ExecutedAt      time.Time      `bson:"executed_at"`
	CreatedAt       time.Time      `bson:"created_at"`
	// BSON dates are millisecond precision; ordering uses the nanosecond value.
	CreatedAtNanos int64 `bson:"created_at_nanos"`
}

// MongoOutcomeStore is a MongoDB-backed OutcomeStore over the effect_results collection.
type MongoOutcomeStore struct {
	collection   *mongo.Collection
	queryTimeout time.Duration
	now          func() time.Time
}

// DefaultOutcomeCollection names the collection holding outcome facts.
const DefaultOutcomeCollection = "effect_results"

// NewMongoOutcomeStore creates a store on collection.
func NewMongoOutcomeStore(collection *mongo.Collection, queryTimeout time.Duration) *MongoOutcomeStore {
	if queryTimeout <= 0 {
		queryTimeout = 30 * time.Second
	}
	return &MongoOutcomeStore{
		collection:   collection,
		queryTimeout: queryTimeout,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// EnsureIndexes creates the lookup indexes used by the store queries.
func (s *MongoOutcomeStore) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "report_id", Value: 1}, {Key: "effect_type", Value: 1}, {Key: "effect_ref", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "report_id", Value: 1}, {Key: "effect_type", Value: 1}, {Key: "effect_ref", Value: 1}, {Key: "created_at_nanos", Value: -1}}},
		{Keys: bson.D{{Key: "report_id", Value: 1}, {Key: "created_at_nanos", Value: 1}}},
	})
	if err != nil {
		return storeError("ensure_indexes", err, Key{})
	}
	return nil
}

func (s *MongoOutcomeStore) Append(ctx context.Context, outcome Outcome) (Outcome, error) {
	outcome, err := prepareOutcome(outcome, s.now())
	if err != nil {
		return Outcome{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	if _, err := s.collection.InsertOne(ctx, toOutcomeDocument(outcome)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return Outcome{}, cloneError(ErrInvalidFact, "outcome id already recorded", err, outcome.Key().fields())
		}
		return Outcome{}, storeError("append", err, outcome.Key())
	}
	return outcome, nil
}

func (s *MongoOutcomeStore) HasSuccess(ctx context.Context, key Key) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	filter := keyFilter(key)
	filter["status"] = string(StatusSuccess)
	count, err := s.collection.CountDocuments(ctx, filter, options.Count().SetLimit(1))
	if err != nil {
		return false, storeError("has_success", err, key)
	}
	return count > 0, nil
}

func (s *MongoOutcomeStore) Latest(ctx context.Context, key Key) (*Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	opts := options.FindOne().SetSort(bson.D{{Key: "created_at_nanos", Value: -1}})
	var doc outcomeDocument
	err := s.collection.FindOne(ctx, keyFilter(key), opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, storeError("latest", err, key)
	}
	out := fromOutcomeDocument(&doc)
	return &out, nil
}

func (s *MongoOutcomeStore) ListByReport(ctx context.Context, reportID string) ([]Outcome, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at_nanos", Value: 1}})
	out, err := s.find(ctx, bson.M{"report_id": reportID}, opts)
	if err != nil {
		return nil, storeError("list_by_report", err, Key{ReportID: reportID})
	}
	return out, nil
}

func (s *MongoOutcomeStore) ListFailed(ctx context.Context, query Query) ([]Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	cursor, err := s.collection.Aggregate(ctx, openFailuresPipeline(query.normalize()))
	if err != nil {
		return nil, storeError("list_failed", err, Key{})
	}
	defer func() { _ = cursor.Close(ctx) }()

	var out []Outcome
	for cursor.Next(ctx) {
		var doc outcomeDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, storeError("list_failed", err, Key{})
		}
		out = append(out, fromOutcomeDocument(&doc))
	}
	if err := cursor.Err(); err != nil {
		return nil, storeError("list_failed", err, Key{})
	}
	return out, nil
}

// openFailuresPipeline keeps the latest document of each key and then filters
// it, so closed or recovered keys drop out before the limit applies.
func openFailuresPipeline(query Query) mongo.Pipeline {
	statuses := make([]string, len(query.Statuses))
	for i, status := range query.Statuses {
		statuses[i] = string(status)
	}
	match := bson.M{
		"status": bson.M{"$in": statuses},
		"final":  bson.M{"$ne": true},
	}
	if !query.Since.IsZero() {
		match["created_at_nanos"] = bson.M{"$gte": query.Since.UnixNano()}
	}
	return mongo.Pipeline{
		{{Key: "$sort", Value: bson.D{{Key: "created_at_nanos", Value: -1}}}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: bson.D{
				{Key: "report_id", Value: "$report_id"},
				{Key: "effect_type", Value: "$effect_type"},
				{Key: "effect_ref", Value: "$effect_ref"},
			}},
			{Key: "doc", Value: bson.D{{Key: "$first", Value: "$$ROOT"}}},
		}}},
		{{Key: "$replaceRoot", Value: bson.D{{Key: "newRoot", Value: "$doc"}}}},
		{{Key: "$match", Value: match}},
		{{Key: "$sort", Value: bson.D{{Key: "created_at_nanos", Value: 1}}}},
		{{Key: "$limit", Value: int64(query.Limit)}},
	}
}

func (s *MongoOutcomeStore) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cursor.Close(ctx) }()

	var out []Outcome
	for cursor.Next(ctx) {
		var doc outcomeDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, fromOutcomeDocument(&doc))
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func keyFilter(key Key) bson.M {
	return bson.M{
		"report_id":   key.ReportID,
		"effect_type": string(key.EffectType),
		"effect_ref":  key.EffectRef,
	}
}

func toOutcomeDocument(o Outcome) *outcomeDocument {
	return &outcomeDocument{
		ID:              o.ID,
		ReportID:        o.ReportID,
		EffectType:      string(o.EffectType),
		EffectRef:       o.EffectRef,
		Status:          string(o.Status),
		FailureCategory: string(o.FailureCategory),
		Attempt:         o.Attempt,
		Metadata:        o.Metadata,
		ErrorMessage:    o.ErrorMessage,
		Final:           o.Final(),
		ExecutedAt:      o.ExecutedAt,
		CreatedAt:       o.CreatedAt,
		CreatedAtNanos:  o.CreatedAt.UnixNano(),
	}
}

func fromOutcomeDocument(doc *outcomeDocument) Outcome {
	o := Outcome{
		ID:           doc.ID,
		ReportID:     doc.ReportID,
		EffectType:   Kind(doc.EffectType),
		EffectRef:    doc.EffectRef,
		Status:       Status(doc.Status),
		Attempt:      doc.Attempt,
		ErrorMessage: doc.ErrorMessage,
		ExecutedAt:   doc.ExecutedAt.UTC(),
		CreatedAt:    time.Unix(0, doc.CreatedAtNanos).UTC(),
	}
	if doc.FailureCategory != "" {
		o.FailureCategory = retry.ParseCategory(doc.FailureCategory)
	}
	if doc.Metadata != nil {
		o.Metadata, _ = normalizeValue(doc.Metadata).(map[string]any)
	}
	return o
}

// normalizeValue converts driver container types back to plain Go maps and slices.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeValue(val)
		}
		return out
	case primitive.M:
		return normalizeValue(map[string]any(t))
	case primitive.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Key] = normalizeValue(e.Value)
		}
		return out
	case primitive.A:
		return normalizeValue([]any(t))
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeValue(val)
		}
		return out
	case primitive.DateTime:
		return t.Time().UTC()
	default:
		return v
	}
}
