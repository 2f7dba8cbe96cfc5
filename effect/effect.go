package effect

import "strings"

// Kind identifies one technical effect.
type Kind string

const (
	KindPersistReport     Kind = "persist_report"
	KindUploadImages      Kind = "upload_images"
	KindEnqueueProcessing Kind = "enqueue_processing"
	KindEmitDomainEvent   Kind = "emit_domain_event"
	KindRollbackImages    Kind = "rollback_images"
	KindUpdateStatus      Kind = "update_status"
)

// Kinds lists every effect kind.
func Kinds() []Kind {
	return []Kind{
		KindPersistReport,
		KindUploadImages,
		KindEnqueueProcessing,
		KindEmitDomainEvent,
		KindRollbackImages,
		KindUpdateStatus,
	}
}

// ParseKind normalizes raw and reports whether it names a known kind.
func ParseKind(raw string) (Kind, bool) {
	k := Kind(strings.ToLower(strings.TrimSpace(raw)))
	return k, k.Valid()
}

func (k Kind) Valid() bool {
	switch k {
	case KindPersistReport,
		KindUploadImages,
		KindEnqueueProcessing,
		KindEmitDomainEvent,
		KindRollbackImages,
		KindUpdateStatus:
		return true
	default:
		return false
	}
}

func (k Kind) String() string {
	return string(k)
}

// Effect is a declarative description of one technical action. The set of
// implementations is closed; consumers dispatch through Visitor.
type Effect interface {
	Kind() Kind
	Report() string
	Ref() string
	Accept(v Visitor) error
	sealed()
}

// Visitor handles every effect kind. Adding a kind adds a method here.
type Visitor interface {
	VisitPersistReport(PersistReport) error
	VisitUploadImages(UploadImages) error
	VisitEnqueueProcessing(EnqueueProcessing) error
	VisitEmitDomainEvent(EmitDomainEvent) error
	VisitRollbackImages(RollbackImages) error
	VisitUpdateStatus(UpdateStatus) error
}

// Target is the report and idempotency ref shared by every effect.
type Target struct {
	ReportID  string `json:"report_id"`
	EffectRef string `json:"effect_ref"`
}

func (t Target) Report() string { return t.ReportID }
func (t Target) Ref() string    { return t.EffectRef }
func (Target) sealed()          {}

// PersistReport stores the report document.
type PersistReport struct {
	Target
	OwnerID   string
	Status    string
	Content   string
	ImageRefs []string
}

func (PersistReport) Kind() Kind               { return KindPersistReport }
func (e PersistReport) Accept(v Visitor) error { return v.VisitPersistReport(e) }

// UploadImages pushes image references to object storage.
type UploadImages struct {
	Target
	ImageRefs []string
}

func (UploadImages) Kind() Kind               { return KindUploadImages }
func (e UploadImages) Accept(v Visitor) error { return v.VisitUploadImages(e) }

// EnqueueProcessing hands the report to the processing queue.
type EnqueueProcessing struct {
	Target
}

func (EnqueueProcessing) Kind() Kind               { return KindEnqueueProcessing }
func (e EnqueueProcessing) Accept(v Visitor) error { return v.VisitEnqueueProcessing(e) }

// EmitDomainEvent publishes a named domain event.
type EmitDomainEvent struct {
	Target
	EventName string
	Payload   map[string]any
}

func (EmitDomainEvent) Kind() Kind               { return KindEmitDomainEvent }
func (e EmitDomainEvent) Accept(v Visitor) error { return v.VisitEmitDomainEvent(e) }

// RollbackImages deletes previously uploaded images. Only the executor emits it.
type RollbackImages struct {
	Target
	ImageIDs []string
}

func (RollbackImages) Kind() Kind               { return KindRollbackImages }
func (e RollbackImages) Accept(v Visitor) error { return v.VisitRollbackImages(e) }

// UpdateStatus writes the new lifecycle status of a report.
type UpdateStatus struct {
	Target
	NewStatus string
}

func (UpdateStatus) Kind() Kind               { return KindUpdateStatus }
func (e UpdateStatus) Accept(v Visitor) error { return v.VisitUpdateStatus(e) }

// KeyOf returns the idempotency key of e.
func KeyOf(e Effect) Key {
	return Key{ReportID: e.Report(), EffectType: e.Kind(), EffectRef: e.Ref()}
}
