package effect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestCodecRestoresEveryKind(t *testing.T) {
	effects := List{
		PersistReport{Target: target("p"), OwnerID: "u1", Status: "created", Content: "pothole", ImageRefs: []string{"a", "b"}},
		UploadImages{Target: target("u"), ImageRefs: []string{"a"}},
		EnqueueProcessing{Target: target("q")},
		EmitDomainEvent{Target: target("e"), EventName: "report_created", Payload: map[string]any{"owner_id": "u1"}},
		RollbackImages{Target: target("rb"), ImageIDs: []string{"a"}},
		UpdateStatus{Target: target("s"), NewStatus: "processing"},
	}
	require.ElementsMatch(t, Kinds(), effects.Kinds())

	for _, eff := range effects {
		data, err := Encode(eff)
		require.NoError(t, err)
		decoded, err := Decode(eff.Kind(), data)
		require.NoError(t, err)
		assert.Equal(t, eff, decoded)
	}
}

func TestDecodeUnknownKind(t *testing.T) {
	_, err := Decode(Kind("send_email"), map[string]any{})
	require.Error(t, err)
	assert.Equal(t, ErrCodeUnknownKind, ErrorCode(err))
}

func TestOutcomeEffectAcceptsDocumentMaps(t *testing.T) {
	o := Outcome{
		ReportID:   "r1",
		EffectType: KindUpdateStatus,
		EffectRef:  "s",
		Metadata: map[string]any{
			MetaEffect: primitive.D{
				{Key: "report_id", Value: "r1"},
				{Key: "effect_ref", Value: "s"},
				{Key: "new_status", Value: "processed"},
			},
		},
	}
	eff, err := o.Effect()
	require.NoError(t, err)
	assert.Equal(t, UpdateStatus{Target: target("s"), NewStatus: "processed"}, eff)
}

func TestListFilterAndKeys(t *testing.T) {
	l := List{
		PersistReport{Target: target("a")},
		EmitDomainEvent{Target: target("b")},
		PersistReport{Target: target("c")},
	}
	assert.Len(t, l.Filter(KindPersistReport), 2)
	assert.Equal(t, Key{ReportID: "r1", EffectType: KindEmitDomainEvent, EffectRef: "b"}, l.Keys()[1])
}
