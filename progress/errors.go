package progress

import (
	stderrors "errors"

	"github.com/goliatone/go-errors"
)

const (
	ErrCodeSnapshotStore = "PROGRESS_STORE_FAILED"
	ErrCodeInvalidReport = "PROGRESS_INVALID_REPORT"
)

func errSnapshotID() error {
	return errors.New("snapshot requires a report id", errors.CategoryBadInput).
		WithTextCode(ErrCodeInvalidReport)
}

func storeError(op string, source error, reportID string) error {
	return errors.Wrap(source, errors.CategoryExternal, "progress snapshot "+op+" failed").
		WithTextCode(ErrCodeSnapshotStore).
		WithMetadata(map[string]any{"report_id": reportID})
}

var errMissingOutcomes = stderrors.New("outcome source required")
