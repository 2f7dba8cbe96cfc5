package effect

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Query bounds a ListFailed call. Empty Statuses means error and retrying.
//
// ListFailed only considers the latest fact of each key and skips keys whose
// latest fact is final or has a status outside Statuses, so closed and
// recovered keys never take room in the result. Since applies to that latest
// fact. Stores return the oldest Limit open keys in ascending CreatedAt order.
type Query struct {
	Statuses []Status
	Since    time.Time
	Limit    int
}

// DefaultQueryLimit bounds ListFailed when Query.Limit is unset.
const DefaultQueryLimit = 500

func (q Query) normalize() Query {
	if len(q.Statuses) == 0 {
		q.Statuses = []Status{StatusError, StatusRetrying}
	}
	if q.Limit <= 0 {
		q.Limit = DefaultQueryLimit
	}
	return q
}

// open reports whether o, the latest fact of its key, belongs in the result.
func (q Query) open(o Outcome) bool {
	if o.Final() {
		return false
	}
	if !q.Since.IsZero() && o.CreatedAt.Before(q.Since) {
		return false
	}
	for _, s := range q.Statuses {
		if o.Status == s {
			return true
		}
	}
	return false
}

// OutcomeStore persists execution facts. It is append-only.
type OutcomeStore interface {
	Append(ctx context.Context, outcome Outcome) (Outcome, error)
	HasSuccess(ctx context.Context, key Key) (bool, error)
	Latest(ctx context.Context, key Key) (*Outcome, error)
	ListByReport(ctx context.Context, reportID string) ([]Outcome, error)
	ListFailed(ctx context.Context, query Query) ([]Outcome, error)
}

// prepareOutcome validates o and fills identity and timestamps.
func prepareOutcome(o Outcome, now time.Time) (Outcome, error) {
	o = o.clone()
	o.ReportID = strings.TrimSpace(o.ReportID)
	o.EffectRef = strings.TrimSpace(o.EffectRef)
	if !o.Key().valid() {
		return o, cloneError(ErrInvalidFact, "outcome requires report_id, effect_type and effect_ref", nil, o.Key().fields())
	}
	if !o.Status.Valid() {
		return o, cloneError(ErrInvalidFact, "outcome status is invalid", nil, map[string]any{"status": string(o.Status)})
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	if o.ExecutedAt.IsZero() {
		o.ExecutedAt = o.CreatedAt
	}
	o.CreatedAt = o.CreatedAt.UTC()
	o.ExecutedAt = o.ExecutedAt.UTC()
	return o, nil
}

// InMemoryOutcomeStore keeps facts in insertion order.
type InMemoryOutcomeStore struct {
	mu    sync.RWMutex
	facts []Outcome
	now   func() time.Time
}

// NewInMemoryOutcomeStore constructs an empty store.
func NewInMemoryOutcomeStore() *InMemoryOutcomeStore {
	return &InMemoryOutcomeStore{now: func() time.Time { return time.Now().UTC() }}
}

func (s *InMemoryOutcomeStore) Append(_ context.Context, outcome Outcome) (Outcome, error) {
	outcome, err := prepareOutcome(outcome, s.now())
	if err != nil {
		return Outcome{}, err
	}
	s.mu.Lock()
	s.facts = append(s.facts, outcome)
	s.mu.Unlock()
	return outcome.clone(), nil
}

func (s *InMemoryOutcomeStore) HasSuccess(_ context.Context, key Key) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, f := range s.facts {
		if f.Key() == key && f.Status == StatusSuccess {
			return true, nil
		}
	}
	return false, nil
}

func (s *InMemoryOutcomeStore) Latest(_ context.Context, key Key) (*Outcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *Outcome
	for i := range s.facts {
		f := s.facts[i]
		if f.Key() != key {
			continue
		}
		if latest == nil || !f.CreatedAt.Before(latest.CreatedAt) {
			cp := f.clone()
			latest = &cp
		}
	}
	return latest, nil
}

func (s *InMemoryOutcomeStore) ListByReport(_ context.Context, reportID string) ([]Outcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Outcome
	for _, f := range s.facts {
		if f.ReportID == reportID {
			out = append(out, f.clone())
		}
	}
	SortOutcomes(out)
	return out, nil
}

func (s *InMemoryOutcomeStore) ListFailed(_ context.Context, query Query) ([]Outcome, error) {
	query = query.normalize()
	s.mu.RLock()
	sorted := make([]Outcome, len(s.facts))
	copy(sorted, s.facts)
	s.mu.RUnlock()

	SortOutcomes(sorted)
	latest := LatestByKey(sorted)
	var out []Outcome
	for _, f := range sorted {
		if cur := latest[f.Key()]; cur.ID == f.ID && query.open(f) {
			out = append(out, f.clone())
		}
	}
	if len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

// All returns every fact in insertion order.
func (s *InMemoryOutcomeStore) All() []Outcome {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Outcome, len(s.facts))
	for i, f := range s.facts {
		out[i] = f.clone()
	}
	return out
}

// SortOutcomes orders facts by CreatedAt, keeping input order on ties.
func SortOutcomes(outcomes []Outcome) {
	sort.SliceStable(outcomes, func(i, j int) bool {
		return outcomes[i].CreatedAt.Before(outcomes[j].CreatedAt)
	})
}

// LatestByKey keeps the newest fact per key. Later input wins ties.
func LatestByKey(outcomes []Outcome) map[Key]Outcome {
	out := make(map[Key]Outcome, len(outcomes))
	for _, o := range outcomes {
		prev, ok := out[o.Key()]
		if !ok || !o.CreatedAt.Before(prev.CreatedAt) {
			out[o.Key()] = o
		}
	}
	return out
}
