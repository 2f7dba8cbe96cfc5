package lifecycle

import (
	"strings"
	"testing"

	"github.com/goliatone/go-relato/effect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTableValidation(t *testing.T) {
	cases := []struct {
		name string
		rule Rule
	}{
		{"unknown intent", Rule{Intent: "fly", From: []State{StateCreated}, To: StateDraft}},
		{"no source", Rule{Intent: IntentArchive, To: StateArchived}},
		{"unknown target", Rule{Intent: IntentArchive, From: []State{StateProcessed}, To: "gone"}},
		{"unknown source", Rule{Intent: IntentArchive, From: []State{"gone"}, To: StateArchived}},
		{"noop creation", Rule{Intent: IntentCreateReport, From: []State{StateNone}}},
		{"unknown role", Rule{Intent: IntentArchive, From: []State{StateProcessed}, To: StateArchived, Roles: []Role{"owner"}}},
		{"unknown effect", Rule{Intent: IntentArchive, From: []State{StateProcessed}, To: StateArchived, Effects: []effect.Kind{"send_mail"}}},
		{"rollback effect", Rule{Intent: IntentArchive, From: []State{StateProcessed}, To: StateArchived, Effects: []effect.Kind{effect.KindRollbackImages}}},
		{"unnamed event", Rule{Intent: IntentArchive, From: []State{StateProcessed}, To: StateArchived, Effects: []effect.Kind{effect.KindEmitDomainEvent}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewTable([]Rule{tc.rule})
			require.Error(t, err)
			assert.Equal(t, ErrCodeInvalidTable, ErrorCode(err))
		})
	}

	_, err := NewTable([]Rule{
		{Intent: IntentArchive, From: []State{StateProcessed}, To: StateArchived},
		{Intent: IntentArchive, From: []State{StateRejected, StateProcessed}, To: StateArchived},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate transition")
}

func TestDefaultTableExport(t *testing.T) {
	exp := DefaultTable().Export()

	assert.Equal(t, StateCreated, exp.Initial)
	assert.Equal(t, States(), exp.States)
	assert.Equal(t, []State{StateArchived, StateError}, exp.Terminal)

	edges := 0
	for _, r := range DefaultRules() {
		edges += len(r.From)
	}
	assert.Len(t, exp.Transitions, edges)

	var noop *Transition
	for i := range exp.Transitions {
		if exp.Transitions[i].NoOp {
			noop = &exp.Transitions[i]
		}
	}
	require.NotNil(t, noop)
	assert.Equal(t, StateDraft, noop.From)
	assert.Equal(t, StateDraft, noop.To)
}

func TestRenderMermaid(t *testing.T) {
	out := RenderMermaid(DefaultTable())
	lines := strings.Split(strings.TrimSpace(out), "\n")

	assert.Equal(t, "stateDiagram-v2", lines[0])
	assert.Contains(t, out, "    [*] --> created: create_report\n")
	assert.Contains(t, out, "    draft --> draft: upload_files [owner]\n")
	assert.Contains(t, out, "    processed --> approved_public: approve_public [role:admin|collaborator]\n")
	assert.Contains(t, out, "    archived --> [*]\n")
	assert.Contains(t, out, "    error --> [*]\n")
	assert.NotContains(t, out, "processed --> [*]")
}

func TestRenderDOT(t *testing.T) {
	out := RenderDOT(DefaultTable())
	assert.True(t, strings.HasPrefix(out, "digraph report_lifecycle {"))
	assert.Contains(t, out, `"__start" -> "created" [label="create_report"];`)
	assert.Contains(t, out, `"uploaded" -> "error" [label="fail_report"];`)
	assert.Contains(t, out, `"archived" [peripheries=2];`)
	assert.True(t, strings.HasSuffix(out, "}\n"))
}

func TestTableReport(t *testing.T) {
	rows := DefaultTable().Report()
	require.Len(t, rows, len(Intents()))

	byIntent := map[Intent]ReportRow{}
	for _, row := range rows {
		byIntent[row.Intent] = row
	}

	upload := byIntent[IntentUploadFiles]
	assert.Equal(t, []State{StateCreated, StateDraft}, upload.From)
	assert.Equal(t, []State{StateDraft}, upload.To)
	assert.Equal(t, []string{"owner"}, upload.Guards)

	archive := byIntent[IntentArchive]
	assert.Equal(t, "approved_public|processed|rejected", JoinStates(archive.From))
	assert.Equal(t, []State{StateArchived}, archive.To)

	assert.Equal(t, IntentCreateReport, rows[0].Intent)
	assert.Equal(t, []State{StateNone}, rows[0].From)
}

func TestParseHelpers(t *testing.T) {
	s, ok := ParseState(" Processed ")
	assert.True(t, ok)
	assert.Equal(t, StateProcessed, s)

	s, ok = ParseState("none")
	assert.True(t, ok)
	assert.Equal(t, StateNone, s)

	_, ok = ParseState("pending")
	assert.False(t, ok)

	i, ok := ParseIntent("ARCHIVE")
	assert.True(t, ok)
	assert.Equal(t, IntentArchive, i)

	r, ok := ParseRole("Admin")
	assert.True(t, ok)
	assert.Equal(t, RoleAdmin, r)
}
