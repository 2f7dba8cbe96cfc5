package lifecycle

import (
	"fmt"
	"strings"

	"github.com/goliatone/go-relato/effect"
)

// Rule is one row of the allow-table. A rule whose To is StateNone keeps the
// current state.
type Rule struct {
	Intent       Intent        `json:"intent" yaml:"intent"`
	From         []State       `json:"from" yaml:"from"`
	To           State         `json:"to,omitempty" yaml:"to,omitempty"`
	RequireOwner bool          `json:"require_owner,omitempty" yaml:"require_owner,omitempty"`
	Roles        []Role        `json:"roles,omitempty" yaml:"roles,omitempty"`
	Effects      []effect.Kind `json:"effects" yaml:"effects"`
	Event        string        `json:"event,omitempty" yaml:"event,omitempty"`
}

// NoOp reports whether the rule leaves the state unchanged.
func (r Rule) NoOp() bool {
	return r.To == StateNone
}

func (r Rule) clone() Rule {
	r.From = append([]State(nil), r.From...)
	r.Roles = append([]Role(nil), r.Roles...)
	r.Effects = append([]effect.Kind(nil), r.Effects...)
	return r
}

type tableKey struct {
	state  State
	intent Intent
}

// Table is the data-driven allow-table. Unlisted (state, intent) pairs are denied.
type Table struct {
	rules   []Rule
	index   map[tableKey]int
	sources map[Intent][]State
}

// NewTable validates rules and builds the lookup index.
func NewTable(rules []Rule) (*Table, error) {
	t := &Table{
		index:   make(map[tableKey]int),
		sources: make(map[Intent][]State),
	}
	for _, r := range rules {
		t.rules = append(t.rules, r.clone())
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	for i, r := range t.rules {
		for _, from := range r.From {
			t.index[tableKey{state: from, intent: r.Intent}] = i
			t.sources[r.Intent] = append(t.sources[r.Intent], from)
		}
	}
	return t, nil
}

// MustTable is NewTable for static tables.
func MustTable(rules []Rule) *Table {
	t, err := NewTable(rules)
	if err != nil {
		panic(err)
	}
	return t
}

var (
	reviewers       = []Role{RoleAdmin, RoleCollaborator}
	statusAndNotify = []effect.Kind{effect.KindUpdateStatus, effect.KindEmitDomainEvent}
	uploadEffects   = []effect.Kind{effect.KindUploadImages, effect.KindPersistReport, effect.KindEmitDomainEvent}
)

// DefaultRules returns the report allow-table.
func DefaultRules() []Rule {
	return []Rule{
		{Intent: IntentCreateReport, From: []State{StateNone}, To: StateCreated,
			Effects: []effect.Kind{effect.KindPersistReport, effect.KindEmitDomainEvent}, Event: "report_created"},
		{Intent: IntentUploadFiles, From: []State{StateCreated}, To: StateDraft, RequireOwner: true,
			Effects: uploadEffects, Event: "files_uploaded"},
		{Intent: IntentUploadFiles, From: []State{StateDraft}, To: StateNone, RequireOwner: true,
			Effects: uploadEffects, Event: "files_uploaded"},
		{Intent: IntentSubmitReport, From: []State{StateCreated, StateDraft}, To: StateUploaded, RequireOwner: true,
			Effects: []effect.Kind{effect.KindPersistReport, effect.KindEnqueueProcessing, effect.KindEmitDomainEvent}, Event: "report_submitted"},
		{Intent: IntentStartProcessing, From: []State{StateUploaded}, To: StateProcessing,
			Effects: statusAndNotify, Event: "processing_started"},
		{Intent: IntentMarkProcessed, From: []State{StateProcessing}, To: StateProcessed,
			Effects: statusAndNotify, Event: "report_processed"},
		{Intent: IntentApprovePublic, From: []State{StateProcessed}, To: StateApprovedPublic, Roles: reviewers,
			Effects: statusAndNotify, Event: "report_approved"},
		{Intent: IntentReject, From: []State{StateProcessed}, To: StateRejected, Roles: reviewers,
			Effects: statusAndNotify, Event: "report_rejected"},
		{Intent: IntentArchive, From: []State{StateProcessed, StateApprovedPublic, StateRejected}, To: StateArchived, Roles: reviewers,
			Effects: statusAndNotify, Event: "report_archived"},
		{Intent: IntentFailReport, From: []State{StateUploaded, StateProcessing}, To: StateError,
			Effects: statusAndNotify, Event: "report_failed"},
	}
}

// DefaultTable returns the validated default allow-table.
func DefaultTable() *Table {
	return MustTable(DefaultRules())
}

// Rules returns a copy of the table rows in declaration order.
func (t *Table) Rules() []Rule {
	out := make([]Rule, len(t.rules))
	for i, r := range t.rules {
		out[i] = r.clone()
	}
	return out
}

// Lookup returns the rule for (state, intent).
func (t *Table) Lookup(state State, intent Intent) (Rule, bool) {
	i, ok := t.index[tableKey{state: state, intent: intent}]
	if !ok {
		return Rule{}, false
	}
	return t.rules[i].clone(), true
}

// Sources returns the states from which intent is allowed, in table order.
func (t *Table) Sources(intent Intent) []State {
	return append([]State(nil), t.sources[intent]...)
}

// Validate rejects duplicate (state, intent) keys, unknown states, intents,
// roles and effect kinds.
func (t *Table) Validate() error {
	seen := make(map[tableKey]struct{})
	for i, r := range t.rules {
		if !r.Intent.Valid() {
			return invalidTable(i, fmt.Sprintf("unknown intent %q", r.Intent))
		}
		if len(r.From) == 0 {
			return invalidTable(i, fmt.Sprintf("%s requires at least one source state", r.Intent))
		}
		if r.To != StateNone && !r.To.Valid() {
			return invalidTable(i, fmt.Sprintf("%s targets unknown state %q", r.Intent, r.To))
		}
		for _, from := range r.From {
			if from != StateNone && !from.Valid() {
				return invalidTable(i, fmt.Sprintf("%s references unknown source state %q", r.Intent, from))
			}
			if from == StateNone && r.To == StateNone {
				return invalidTable(i, fmt.Sprintf("%s cannot keep a report that does not exist", r.Intent))
			}
			key := tableKey{state: from, intent: r.Intent}
			if _, dup := seen[key]; dup {
				return invalidTable(i, fmt.Sprintf("duplicate transition for from=%s intent=%s", from, r.Intent))
			}
			seen[key] = struct{}{}
		}
		for _, role := range r.Roles {
			if !role.Valid() {
				return invalidTable(i, fmt.Sprintf("%s references unknown role %q", r.Intent, role))
			}
		}
		for _, k := range r.Effects {
			if !k.Valid() || k == effect.KindRollbackImages {
				return invalidTable(i, fmt.Sprintf("%s declares unsupported effect %q", r.Intent, k))
			}
			if k == effect.KindEmitDomainEvent && strings.TrimSpace(r.Event) == "" {
				return invalidTable(i, fmt.Sprintf("%s emits an event without a name", r.Intent))
			}
		}
	}
	return nil
}

func invalidTable(row int, msg string) error {
	return cloneError(ErrInvalidTable, msg, map[string]any{"row": row})
}
