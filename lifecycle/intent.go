package lifecycle

import "strings"

// Intent is a requested lifecycle action.
type Intent string

const (
	IntentCreateReport    Intent = "create_report"
	IntentSubmitReport    Intent = "submit_report"
	IntentUploadFiles     Intent = "upload_files"
	IntentStartProcessing Intent = "start_processing"
	IntentMarkProcessed   Intent = "mark_processed"
	IntentApprovePublic   Intent = "approve_public"
	IntentReject          Intent = "reject"
	IntentArchive         Intent = "archive"
	IntentFailReport      Intent = "fail_report"
)

// Intents lists the closed intent set.
func Intents() []Intent {
	return []Intent{
		IntentCreateReport,
		IntentSubmitReport,
		IntentUploadFiles,
		IntentStartProcessing,
		IntentMarkProcessed,
		IntentApprovePublic,
		IntentReject,
		IntentArchive,
		IntentFailReport,
	}
}

func ParseIntent(raw string) (Intent, bool) {
	i := Intent(strings.ToLower(strings.TrimSpace(raw)))
	return i, i.Valid()
}

func (i Intent) Valid() bool {
	for _, known := range Intents() {
		if i == known {
			return true
		}
	}
	return false
}

func (i Intent) Label() string {
	return strings.ToUpper(string(i))
}

// Role of the acting user.
type Role string

const (
	RoleUser         Role = "user"
	RoleCollaborator Role = "collaborator"
	RoleAdmin        Role = "admin"
)

func ParseRole(raw string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(raw)))
	return r, r.Valid()
}

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleCollaborator || r == RoleAdmin
}

// Actor is the user performing an intent.
type Actor struct {
	ID   string
	Role Role
}

// Request asks whether Actor may perform Intent on a report in CurrentState.
type Request struct {
	Intent       Intent
	ReportID     string
	CurrentState State
	Actor        Actor
	OwnerID      string
	Content      string
	ImageRefs    []string
	// IdempotencyKey, when set, is folded into every effect ref.
	IdempotencyKey string
}
