package progress

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/goliatone/go-relato/effect"
	"github.com/goliatone/go-relato/logging"
)

// OutcomeSource lists the outcome facts of a report.
type OutcomeSource interface {
	ListByReport(ctx context.Context, reportID string) ([]effect.Outcome, error)
}

// User-facing texts for failed steps. Raw errors never reach readers.
const (
	MessageRetrying = "Something went wrong on our side. We are retrying automatically."
	MessageFailed   = "This step could not be completed."
)

// StepView is one step as shown to readers.
type StepView struct {
	StepID       string     `json:"step_id"`
	Label        string     `json:"label"`
	State        StepState  `json:"state"`
	Weight       int        `json:"weight"`
	StartedAt    *time.Time `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// View is the read model returned by Tracker.Progress.
type View struct {
	RelatoID    string     `json:"relato_id"`
	ProgressPct float64    `json:"progress_pct"`
	IsComplete  bool       `json:"is_complete"`
	HasError    bool       `json:"has_error"`
	Summary     string     `json:"summary"`
	Steps       []StepView `json:"steps"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Tracker serves progress reads, caching snapshots until they are stable.
type Tracker struct {
	outcomes  OutcomeSource
	snapshots SnapshotStore
	projector *Projector
	steps     []StepDefinition
	logger    logging.Logger
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithSteps replaces the default step definitions.
func WithSteps(steps []StepDefinition) TrackerOption {
	return func(t *Tracker) {
		if len(steps) > 0 {
			t.steps = append([]StepDefinition(nil), steps...)
		}
	}
}

// WithSnapshotStore sets the snapshot cache. Without one every read recomputes.
func WithSnapshotStore(s SnapshotStore) TrackerOption {
	return func(t *Tracker) {
		t.snapshots = s
	}
}

func WithProjector(p *Projector) TrackerOption {
	return func(t *Tracker) {
		if p != nil {
			t.projector = p
		}
	}
}

func WithLogger(l logging.Logger) TrackerOption {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewTracker builds a tracker reading facts from outcomes.
func NewTracker(outcomes OutcomeSource, opts ...TrackerOption) (*Tracker, error) {
	t := &Tracker{
		outcomes:  outcomes,
		projector: NewProjector(nil),
		steps:     DefaultSteps(),
		logger:    logging.Discard(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	if outcomes == nil {
		return nil, storeError("configure", errMissingOutcomes, "")
	}
	if err := ValidateSteps(t.steps); err != nil {
		return nil, err
	}
	return t, nil
}

// Steps returns the step definitions in use.
func (t *Tracker) Steps() []StepDefinition {
	return append([]StepDefinition(nil), t.steps...)
}

// Snapshot returns the current snapshot of reportID. A cached stable snapshot
// is returned as is; otherwise the snapshot is recomputed and cached.
func (t *Tracker) Snapshot(ctx context.Context, reportID string) (Snapshot, error) {
	reportID = strings.TrimSpace(reportID)
	if reportID == "" {
		return Snapshot{}, errSnapshotID()
	}
	log := logging.With(t.logger.WithContext(ctx), map[string]any{"report_id": reportID})

	if t.snapshots != nil {
		cached, err := t.snapshots.Load(ctx, reportID)
		if err != nil {
			return Snapshot{}, err
		}
		if cached != nil && cached.IsStable {
			log.Debug("stable snapshot served from cache")
			return *cached, nil
		}
	}

	outcomes, err := t.outcomes.ListByReport(ctx, reportID)
	if err != nil {
		return Snapshot{}, err
	}
	snap := t.projector.Aggregate(reportID, t.steps, outcomes)

	if t.snapshots != nil {
		written, err := t.snapshots.Save(ctx, snap)
		if err != nil {
			// cache failures do not fail reads
			log.Warn("failed to cache progress snapshot: %v", err)
		} else if !written {
			log.Debug("snapshot already stable, keeping cached copy")
		}
	}
	return snap, nil
}

// Progress returns the read model of reportID.
func (t *Tracker) Progress(ctx context.Context, reportID string) (View, error) {
	snap, err := t.Snapshot(ctx, reportID)
	if err != nil {
		return View{}, err
	}
	return ToView(snap), nil
}

// ToView converts a snapshot to the read model with a 0 to 100 percentage.
func ToView(s Snapshot) View {
	v := View{
		RelatoID:    s.ReportID,
		ProgressPct: math.Round(s.ProgressPct*10000) / 100,
		IsComplete:  s.IsStable,
		HasError:    s.HasError,
		Summary:     s.Summary,
		Steps:       make([]StepView, 0, len(s.Steps)),
		UpdatedAt:   s.UpdatedAt,
	}
	for _, st := range s.Steps {
		sv := StepView{
			StepID:     st.StepID,
			Label:      st.Label,
			State:      st.State,
			Weight:     st.Weight,
			StartedAt:  st.StartedAt,
			FinishedAt: st.FinishedAt,
		}
		if st.State == StepError {
			sv.ErrorMessage = MessageFailed
			if st.Status == effect.StatusRetrying {
				sv.ErrorMessage = MessageRetrying
			}
		}
		v.Steps = append(v.Steps, sv)
	}
	return v
}
