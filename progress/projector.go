package progress

import (
	"time"

	"github.com/goliatone/go-relato/effect"
)

// StepSnapshot is the derived state of one step.
type StepSnapshot struct {
	StepID string    `json:"step_id" bson:"step_id"`
	Label  string    `json:"label" bson:"label"`
	Weight int       `json:"weight" bson:"weight"`
	State  StepState `json:"state" bson:"state"`
	// Status is the latest fact status behind State; it stays internal.
	Status     effect.Status `json:"status,omitempty" bson:"status,omitempty"`
	StartedAt  *time.Time    `json:"started_at,omitempty" bson:"started_at,omitempty"`
	FinishedAt *time.Time    `json:"finished_at,omitempty" bson:"finished_at,omitempty"`
}

// Snapshot is the weighted completion view of one report.
type Snapshot struct {
	ReportID    string               `json:"report_id"`
	ProgressPct float64              `json:"progress_pct"`
	StepStates  map[string]StepState `json:"step_states"`
	Steps       []StepSnapshot       `json:"steps"`
	HasError    bool                 `json:"has_error"`
	IsStable    bool                 `json:"is_stable"`
	Summary     string               `json:"summary"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

// Projector folds outcome facts into snapshots. It holds no state besides
// the clock used for UpdatedAt.
type Projector struct {
	now func() time.Time
}

// NewProjector builds a projector. A nil clock uses time.Now in UTC.
func NewProjector(now func() time.Time) *Projector {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Projector{now: now}
}

// Aggregate derives the snapshot of reportID from outcomes. For each step the
// latest outcome of its effect type decides the state; ties on CreatedAt are
// broken by input order.
func (p *Projector) Aggregate(reportID string, steps []StepDefinition, outcomes []effect.Outcome) Snapshot {
	sorted := append([]effect.Outcome(nil), outcomes...)
	effect.SortOutcomes(sorted)

	snap := Snapshot{
		ReportID:   reportID,
		StepStates: make(map[string]StepState, len(steps)),
		Steps:      make([]StepSnapshot, 0, len(steps)),
		UpdatedAt:  p.now(),
	}

	total, done := 0, 0
	allDone := len(steps) > 0
	for _, step := range steps {
		st := StepSnapshot{
			StepID: step.ID,
			Label:  step.Label,
			Weight: step.Weight,
			State:  StepPending,
		}
		var latest *effect.Outcome
		for i := range sorted {
			o := sorted[i]
			if o.ReportID != reportID || o.EffectType != step.CompletionEffectType {
				continue
			}
			if st.StartedAt == nil {
				started := o.ExecutedAt
				st.StartedAt = &started
			}
			latest = &sorted[i]
		}
		if latest != nil {
			st.Status = latest.Status
			if latest.Status == effect.StatusSuccess {
				st.State = StepDone
				finished := latest.ExecutedAt
				st.FinishedAt = &finished
			} else {
				st.State = StepError
			}
		}

		total += step.Weight
		switch st.State {
		case StepDone:
			done += step.Weight
		case StepError:
			snap.HasError = true
		}
		if st.State != StepDone {
			if allDone {
				snap.Summary = step.Label
			}
			allDone = false
		}
		snap.StepStates[step.ID] = st.State
		snap.Steps = append(snap.Steps, st)
	}

	if total > 0 {
		snap.ProgressPct = float64(done) / float64(total)
	}
	snap.IsStable = allDone
	if snap.IsStable {
		snap.Summary = SummaryCompleted
	}
	return snap
}
