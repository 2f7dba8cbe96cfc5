package effect

import (
	"encoding/json"
	"fmt"
)

type wireEffect struct {
	ReportID  string         `json:"report_id"`
	EffectRef string         `json:"effect_ref"`
	OwnerID   string         `json:"owner_id,omitempty"`
	Status    string         `json:"status,omitempty"`
	Content   string         `json:"content,omitempty"`
	ImageRefs []string       `json:"image_refs,omitempty"`
	ImageIDs  []string       `json:"image_ids,omitempty"`
	EventName string         `json:"event_name,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	NewStatus string         `json:"new_status,omitempty"`
}

type encoder struct {
	out wireEffect
}

func (c *encoder) target(t Target) {
	c.out.ReportID = t.ReportID
	c.out.EffectRef = t.EffectRef
}

func (c *encoder) VisitPersistReport(e PersistReport) error {
	c.target(e.Target)
	c.out.OwnerID = e.OwnerID
	c.out.Status = e.Status
	c.out.Content = e.Content
	c.out.ImageRefs = e.ImageRefs
	return nil
}

func (c *encoder) VisitUploadImages(e UploadImages) error {
	c.target(e.Target)
	c.out.ImageRefs = e.ImageRefs
	return nil
}

func (c *encoder) VisitEnqueueProcessing(e EnqueueProcessing) error {
	c.target(e.Target)
	return nil
}

func (c *encoder) VisitEmitDomainEvent(e EmitDomainEvent) error {
	c.target(e.Target)
	c.out.EventName = e.EventName
	c.out.Payload = e.Payload
	return nil
}

func (c *encoder) VisitRollbackImages(e RollbackImages) error {
	c.target(e.Target)
	c.out.ImageIDs = e.ImageIDs
	return nil
}

func (c *encoder) VisitUpdateStatus(e UpdateStatus) error {
	c.target(e.Target)
	c.out.NewStatus = e.NewStatus
	return nil
}

// Encode flattens e into a JSON-compatible map suitable for outcome metadata.
func Encode(e Effect) (map[string]any, error) {
	if e == nil {
		return nil, fmt.Errorf("effect required")
	}
	enc := &encoder{}
	if err := e.Accept(enc); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(enc.out)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Decode rebuilds an effect of kind k from a map produced by Encode. Values
// that went through a document store round-trip decode the same way.
func Decode(k Kind, data map[string]any) (Effect, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var w wireEffect
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	target := Target{ReportID: w.ReportID, EffectRef: w.EffectRef}
	switch k {
	case KindPersistReport:
		return PersistReport{Target: target, OwnerID: w.OwnerID, Status: w.Status, Content: w.Content, ImageRefs: w.ImageRefs}, nil
	case KindUploadImages:
		return UploadImages{Target: target, ImageRefs: w.ImageRefs}, nil
	case KindEnqueueProcessing:
		return EnqueueProcessing{Target: target}, nil
	case KindEmitDomainEvent:
		return EmitDomainEvent{Target: target, EventName: w.EventName, Payload: w.Payload}, nil
	case KindRollbackImages:
		return RollbackImages{Target: target, ImageIDs: w.ImageIDs}, nil
	case KindUpdateStatus:
		return UpdateStatus{Target: target, NewStatus: w.NewStatus}, nil
	default:
		return nil, newUnknownKindError(k)
	}
}
