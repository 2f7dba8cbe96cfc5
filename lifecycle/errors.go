package lifecycle

import (
	stderrors "errors"
	"strings"

	"github.com/goliatone/go-errors"
)

const (
	ErrCodeUnknownIntent  = "RELATO_UNKNOWN_INTENT"
	ErrCodeInvalidRequest = "RELATO_INVALID_REQUEST"
	ErrCodeInvalidTable   = "RELATO_INVALID_TABLE"
)

var (
	ErrUnknownIntent = errors.New("unknown intent", errors.CategoryBadInput).
				WithTextCode(ErrCodeUnknownIntent)
	ErrInvalidRequest = errors.New("invalid lifecycle request", errors.CategoryBadInput).
				WithTextCode(ErrCodeInvalidRequest)
	ErrInvalidTable = errors.New("invalid transition table", errors.CategoryValidation).
			WithTextCode(ErrCodeInvalidTable)
)

// ErrorCode returns the text code carried by err, if any.
func ErrorCode(err error) string {
	var ge *errors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

func cloneError(base *errors.Error, message string, metadata map[string]any) *errors.Error {
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}
