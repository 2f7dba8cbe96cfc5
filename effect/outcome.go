package effect

import (
	"strings"
	"time"

	"github.com/goliatone/go-relato/retry"
)

// Status of one execution fact.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusError    Status = "error"
	StatusRetrying Status = "retrying"
)

func (s Status) Valid() bool {
	return s == StatusSuccess || s == StatusError || s == StatusRetrying
}

// Metadata keys written by the executor and the retry sweep.
const (
	MetaEffect        = "effect"
	MetaRetry         = "retry"
	MetaNextAttemptAt = "next_attempt_at"
	MetaFinal         = "final"
	MetaSource        = "source"
	MetaCompensates   = "compensates"
)

// Key is the idempotency key of an effect.
type Key struct {
	ReportID   string
	EffectType Kind
	EffectRef  string
}

func (k Key) String() string {
	return k.ReportID + "::" + string(k.EffectType) + "::" + k.EffectRef
}

func (k Key) valid() bool {
	return strings.TrimSpace(k.ReportID) != "" && k.EffectType != "" && strings.TrimSpace(k.EffectRef) != ""
}

func (k Key) fields() map[string]any {
	return map[string]any{
		"report_id":   k.ReportID,
		"effect_type": string(k.EffectType),
		"effect_ref":  k.EffectRef,
	}
}

// Outcome is one append-only execution fact.
type Outcome struct {
	ID              string
	ReportID        string
	EffectType      Kind
	EffectRef       string
	Status          Status
	FailureCategory retry.Category
	Attempt         int
	Metadata        map[string]any
	ErrorMessage    string
	ExecutedAt      time.Time
	CreatedAt       time.Time
}

// Key returns the idempotency key the fact belongs to.
func (o Outcome) Key() Key {
	return Key{ReportID: o.ReportID, EffectType: o.EffectType, EffectRef: o.EffectRef}
}

// Final reports whether the fact closes its key to further sweeps.
func (o Outcome) Final() bool {
	v, _ := o.Metadata[MetaFinal].(bool)
	return v
}

// NextAttemptAt returns when a retrying fact becomes due.
func (o Outcome) NextAttemptAt() (time.Time, bool) {
	raw, ok := o.Metadata[MetaNextAttemptAt]
	if !ok {
		return time.Time{}, false
	}
	switch v := raw.(type) {
	case time.Time:
		return v, true
	case string:
		ts, err := time.Parse(time.RFC3339Nano, v)
		return ts, err == nil
	default:
		return time.Time{}, false
	}
}

// Effect decodes the effect payload stored with the fact.
func (o Outcome) Effect() (Effect, error) {
	data, ok := toMap(o.Metadata[MetaEffect])
	if !ok {
		return nil, cloneError(ErrInvalidFact, "outcome has no effect payload", nil, o.Key().fields())
	}
	return Decode(o.EffectType, data)
}

func (o Outcome) clone() Outcome {
	o.Metadata = cloneMap(o.Metadata)
	return o
}

func toMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case nil:
		return nil, false
	default:
		// document stores hand back their own map types
		converted, ok := normalizeValue(v).(map[string]any)
		return converted, ok
	}
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}
