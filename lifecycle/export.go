package lifecycle

import (
	"fmt"
	"sort"
	"strings"

	"github.com/goliatone/go-relato/effect"
)

// Transition is one exported edge of the lifecycle graph.
type Transition struct {
	Intent  Intent        `json:"intent" yaml:"intent"`
	From    State         `json:"from" yaml:"from"`
	To      State         `json:"to" yaml:"to"`
	NoOp    bool          `json:"noop,omitempty" yaml:"noop,omitempty"`
	Guards  []string      `json:"guards,omitempty" yaml:"guards,omitempty"`
	Effects []effect.Kind `json:"effects" yaml:"effects"`
}

// Export is a data-only view of the table.
type Export struct {
	States      []State      `json:"states" yaml:"states"`
	Initial     State        `json:"initial" yaml:"initial"`
	Terminal    []State      `json:"terminal" yaml:"terminal"`
	Transitions []Transition `json:"transitions" yaml:"transitions"`
}

// Export derives states, initial state, terminal states and edges from the table.
func (t *Table) Export() Export {
	out := Export{}
	outgoing := map[State]bool{}
	used := map[State]bool{}
	for _, r := range t.rules {
		for _, from := range r.From {
			to := r.To
			if r.NoOp() {
				to = from
			}
			out.Transitions = append(out.Transitions, Transition{
				Intent:  r.Intent,
				From:    from,
				To:      to,
				NoOp:    r.NoOp(),
				Guards:  guardLabels(r),
				Effects: append([]effect.Kind(nil), r.Effects...),
			})
			if from == StateNone {
				if out.Initial == StateNone {
					out.Initial = to
				}
			} else {
				used[from] = true
				if to != from {
					outgoing[from] = true
				}
			}
			used[to] = true
		}
	}
	for _, s := range States() {
		if !used[s] {
			continue
		}
		out.States = append(out.States, s)
		if !outgoing[s] {
			out.Terminal = append(out.Terminal, s)
		}
	}
	return out
}

func guardLabels(r Rule) []string {
	var out []string
	if r.RequireOwner {
		out = append(out, "owner")
	}
	if len(r.Roles) > 0 {
		names := make([]string, len(r.Roles))
		for i, role := range r.Roles {
			names[i] = string(role)
		}
		out = append(out, "role:"+strings.Join(names, "|"))
	}
	return out
}

// RenderMermaid renders the table as a Mermaid state diagram.
func RenderMermaid(t *Table) string {
	exp := t.Export()
	var b strings.Builder
	b.WriteString("stateDiagram-v2\n")
	for _, tr := range exp.Transitions {
		from := string(tr.From)
		if tr.From == StateNone {
			from = "[*]"
		}
		fmt.Fprintf(&b, "    %s --> %s: %s\n", from, tr.To, edgeLabel(tr))
	}
	for _, s := range exp.Terminal {
		fmt.Fprintf(&b, "    %s --> [*]\n", s)
	}
	return b.String()
}

// RenderDOT renders the table as a Graphviz digraph.
func RenderDOT(t *Table) string {
	exp := t.Export()
	terminal := map[State]bool{}
	for _, s := range exp.Terminal {
		terminal[s] = true
	}
	var b strings.Builder
	b.WriteString("digraph report_lifecycle {\n")
	b.WriteString("    rankdir=LR;\n")
	b.WriteString("    node [shape=box, style=rounded];\n")
	b.WriteString("    \"__start\" [shape=point];\n")
	for _, s := range exp.States {
		if terminal[s] {
			fmt.Fprintf(&b, "    %q [peripheries=2];\n", string(s))
		}
	}
	for _, tr := range exp.Transitions {
		from := string(tr.From)
		if tr.From == StateNone {
			from = "__start"
		}
		fmt.Fprintf(&b, "    %q -> %q [label=%q];\n", from, string(tr.To), edgeLabel(tr))
	}
	b.WriteString("}\n")
	return b.String()
}

func edgeLabel(tr Transition) string {
	if len(tr.Guards) == 0 {
		return string(tr.Intent)
	}
	return fmt.Sprintf("%s [%s]", tr.Intent, strings.Join(tr.Guards, ", "))
}

// ReportRow is one line of the intent x source x result report.
type ReportRow struct {
	Intent  Intent
	From    []State
	To      []State
	Guards  []string
	Effects []effect.Kind
}

// Report groups the table by intent in the canonical intent order.
func (t *Table) Report() []ReportRow {
	byIntent := map[Intent]*ReportRow{}
	for _, r := range t.rules {
		row, ok := byIntent[r.Intent]
		if !ok {
			row = &ReportRow{Intent: r.Intent, Effects: append([]effect.Kind(nil), r.Effects...)}
			byIntent[r.Intent] = row
		}
		for _, from := range r.From {
			row.From = appendUnique(row.From, from)
			to := r.To
			if r.NoOp() {
				to = from
			}
			row.To = appendUnique(row.To, to)
		}
		for _, g := range guardLabels(r) {
			if !containsString(row.Guards, g) {
				row.Guards = append(row.Guards, g)
			}
		}
	}
	out := make([]ReportRow, 0, len(byIntent))
	for _, intent := range Intents() {
		if row, ok := byIntent[intent]; ok {
			out = append(out, *row)
		}
	}
	return out
}

// JoinStates renders states as "A|B" using their wire names.
func JoinStates(states []State) string {
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = s.String()
	}
	sort.Strings(names)
	return strings.Join(names, "|")
}

func appendUnique(list []State, s State) []State {
	for _, existing := range list {
		if existing == s {
			return list
		}
	}
	return append(list, s)
}

func containsString(list []string, s string) bool {
	for _, existing := range list {
		if existing == s {
			return true
		}
	}
	return false
}
