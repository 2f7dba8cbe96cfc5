package lifecycle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/goliatone/go-relato/effect"
)

// Decision is the result of resolving a Request. A denied decision carries
// no effects and no next state.
type Decision struct {
	Intent        Intent
	Allowed       bool
	Reason        string
	PreviousState State
	// NextState is nil when denied and for rules that keep the current state.
	NextState *State
	Effects   effect.List
}

// ResultingState returns the state the report is in after the decision.
func (d Decision) ResultingState() State {
	if d.NextState != nil {
		return *d.NextState
	}
	return d.PreviousState
}

const reasonNotOwner = "Only the report owner may perform this action"

// Resolver evaluates requests against a Table. It is pure and safe for
// concurrent use.
type Resolver struct {
	table *Table
}

// NewResolver builds a resolver over table, defaulting to DefaultTable.
func NewResolver(table *Table) *Resolver {
	if table == nil {
		table = DefaultTable()
	}
	return &Resolver{table: table}
}

// Table returns the allow-table the resolver evaluates.
func (r *Resolver) Table() *Table {
	return r.table
}

// Resolve checks state, then ownership, then role, and reports the first
// failing guard. Denials are decisions, not errors.
func (r *Resolver) Resolve(req Request) (Decision, error) {
	if !req.Intent.Valid() {
		return Decision{}, cloneError(ErrUnknownIntent, fmt.Sprintf("unknown intent %q", req.Intent), map[string]any{"intent": string(req.Intent)})
	}
	if strings.TrimSpace(req.ReportID) == "" {
		return Decision{}, cloneError(ErrInvalidRequest, "report id required", map[string]any{"intent": string(req.Intent)})
	}
	if req.CurrentState != StateNone && !req.CurrentState.Valid() {
		return Decision{}, cloneError(ErrInvalidRequest, fmt.Sprintf("unknown current state %q", req.CurrentState), map[string]any{"intent": string(req.Intent)})
	}

	decision := Decision{Intent: req.Intent, PreviousState: req.CurrentState}

	rule, ok := r.table.Lookup(req.CurrentState, req.Intent)
	if !ok {
		decision.Reason = stateReason(r.table.Sources(req.Intent), req.Intent, req.CurrentState)
		return decision, nil
	}
	if rule.RequireOwner && (req.Actor.ID == "" || req.Actor.ID != req.OwnerID) {
		decision.Reason = reasonNotOwner
		return decision, nil
	}
	if len(rule.Roles) > 0 && !hasRole(rule.Roles, req.Actor.Role) {
		decision.Reason = roleReason(rule.Roles)
		return decision, nil
	}

	decision.Allowed = true
	if !rule.NoOp() {
		decision.NextState = rule.To.Ptr()
	}
	decision.Effects = buildEffects(rule, req, decision.ResultingState())
	return decision, nil
}

func stateReason(sources []State, intent Intent, current State) string {
	if len(sources) == 0 {
		return fmt.Sprintf("%s is not permitted (got %s)", intent.Label(), current.Label())
	}
	labels := make([]string, len(sources))
	for i, s := range sources {
		labels[i] = s.Label()
	}
	return fmt.Sprintf("%s required for %s (got %s)", strings.Join(labels, "|"), intent.Label(), current.Label())
}

func roleReason(roles []Role) string {
	names := make([]string, len(roles))
	for i, role := range roles {
		names[i] = string(role)
	}
	return fmt.Sprintf("Only %s may perform this action", strings.Join(names, " or "))
}

func hasRole(allowed []Role, role Role) bool {
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}

func buildEffects(rule Rule, req Request, resulting State) effect.List {
	digest := imageDigest(req.ImageRefs)
	out := make(effect.List, 0, len(rule.Effects))
	for _, kind := range rule.Effects {
		var discriminator string
		switch kind {
		case effect.KindUploadImages:
			discriminator = "images-" + digest
		case effect.KindEnqueueProcessing:
			discriminator = "enqueue"
		case effect.KindEmitDomainEvent:
			discriminator = withDigest(rule.Event, digest)
		default:
			discriminator = withDigest(string(resulting), digest)
		}
		target := effect.Target{ReportID: req.ReportID, EffectRef: effectRef(req, discriminator)}

		switch kind {
		case effect.KindPersistReport:
			out = append(out, effect.PersistReport{
				Target:    target,
				OwnerID:   req.OwnerID,
				Status:    string(resulting),
				Content:   req.Content,
				ImageRefs: append([]string(nil), req.ImageRefs...),
			})
		case effect.KindUploadImages:
			out = append(out, effect.UploadImages{Target: target, ImageRefs: append([]string(nil), req.ImageRefs...)})
		case effect.KindEnqueueProcessing:
			out = append(out, effect.EnqueueProcessing{Target: target})
		case effect.KindEmitDomainEvent:
			out = append(out, effect.EmitDomainEvent{
				Target:    target,
				EventName: rule.Event,
				Payload: map[string]any{
					"report_id": req.ReportID,
					"intent":    string(req.Intent),
					"actor_id":  req.Actor.ID,
					"from":      req.CurrentState.String(),
					"to":        resulting.String(),
				},
			})
		case effect.KindUpdateStatus:
			out = append(out, effect.UpdateStatus{Target: target, NewStatus: string(resulting)})
		}
	}
	return out
}

// effectRef builds "<intent>:<discriminator>", prefixed by the request
// idempotency key when one is given.
func effectRef(req Request, discriminator string) string {
	ref := string(req.Intent) + ":" + discriminator
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		ref = key + ":" + ref
	}
	return ref
}

func withDigest(base, digest string) string {
	if digest == "" {
		return base
	}
	return base + "-" + digest
}

// imageDigest is a short order-independent fingerprint of refs.
func imageDigest(refs []string) string {
	if len(refs) == 0 {
		return ""
	}
	sorted := append([]string(nil), refs...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	return hex.EncodeToString(sum[:])[:12]
}
