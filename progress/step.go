package progress

import (
	"fmt"
	"strings"

	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-relato/effect"
)

// StepDefinition maps a technical effect type to a user-facing milestone.
// Order is the order users read the steps in.
type StepDefinition struct {
	ID                   string      `json:"step_id" yaml:"id"`
	Label                string      `json:"label" yaml:"label"`
	Weight               int         `json:"weight" yaml:"weight"`
	CompletionEffectType effect.Kind `json:"completion_effect_type" yaml:"completion_effect_type"`
}

// StepState is the user-facing state of one step.
type StepState string

const (
	StepPending StepState = "pending"
	StepDone    StepState = "done"
	StepError   StepState = "error"
)

// SummaryCompleted is the summary of a stable snapshot.
const SummaryCompleted = "completed"

// DefaultSteps returns the report pipeline milestones.
func DefaultSteps() []StepDefinition {
	return []StepDefinition{
		{ID: "persist", Label: "Saving report", Weight: 1, CompletionEffectType: effect.KindPersistReport},
		{ID: "upload", Label: "Uploading images", Weight: 3, CompletionEffectType: effect.KindUploadImages},
		{ID: "enrich", Label: "Analyzing report", Weight: 3, CompletionEffectType: effect.KindEnqueueProcessing},
	}
}

// ValidateSteps rejects empty lists, blank or duplicate ids, non-positive
// weights and unknown effect types.
func ValidateSteps(steps []StepDefinition) error {
	if len(steps) == 0 {
		return invalidSteps("at least one progress step is required")
	}
	seen := make(map[string]struct{}, len(steps))
	for i, s := range steps {
		id := strings.TrimSpace(s.ID)
		if id == "" {
			return invalidSteps(fmt.Sprintf("step %d has no id", i))
		}
		if _, dup := seen[id]; dup {
			return invalidSteps(fmt.Sprintf("duplicate step id %q", id))
		}
		seen[id] = struct{}{}
		if s.Weight <= 0 {
			return invalidSteps(fmt.Sprintf("step %q needs a positive weight", id))
		}
		if !s.CompletionEffectType.Valid() {
			return invalidSteps(fmt.Sprintf("step %q references unknown effect type %q", id, s.CompletionEffectType))
		}
	}
	return nil
}

func invalidSteps(msg string) error {
	return errors.New(msg, errors.CategoryValidation).WithTextCode("PROGRESS_INVALID_STEPS")
}
