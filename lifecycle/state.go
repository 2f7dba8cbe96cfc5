package lifecycle

import "strings"

// State is the lifecycle position of a report.
type State string

const (
	// StateNone means the report does not exist yet.
	StateNone           State = ""
	StateCreated        State = "created"
	StateDraft          State = "draft"
	StateUploaded       State = "uploaded"
	StateProcessing     State = "processing"
	StateProcessed      State = "processed"
	StateApprovedPublic State = "approved_public"
	StateRejected       State = "rejected"
	StateArchived       State = "archived"
	StateError          State = "error"
)

// States lists every existing-report state in lifecycle order.
func States() []State {
	return []State{
		StateCreated,
		StateDraft,
		StateUploaded,
		StateProcessing,
		StateProcessed,
		StateApprovedPublic,
		StateRejected,
		StateArchived,
		StateError,
	}
}

// ParseState normalizes raw into a State. Blank input and "none" map to StateNone.
func ParseState(raw string) (State, bool) {
	s := State(strings.ToLower(strings.TrimSpace(raw)))
	if s == "none" {
		s = StateNone
	}
	return s, s == StateNone || s.Valid()
}

// Valid reports whether s names an existing-report state.
func (s State) Valid() bool {
	for _, known := range States() {
		if s == known {
			return true
		}
	}
	return false
}

// Label renders s the way denial reasons show it.
func (s State) Label() string {
	if s == StateNone {
		return "NONE"
	}
	return strings.ToUpper(string(s))
}

func (s State) String() string {
	if s == StateNone {
		return "none"
	}
	return string(s)
}

// Ptr returns a pointer to a copy of s.
func (s State) Ptr() *State {
	return &s
}
