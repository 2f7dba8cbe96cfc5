package effect

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/goliatone/go-errors"
)

const (
	ErrCodeUnknownKind   = "EFFECT_UNKNOWN_KIND"
	ErrCodeStoreFailed   = "EFFECT_STORE_FAILED"
	ErrCodeInvalidFact   = "EFFECT_INVALID_FACT"
	ErrCodeHandlerFailed = "EFFECT_HANDLER_FAILED"
)

var (
	ErrUnknownKind = errors.New("no handler registered for effect kind", errors.CategoryBadInput).
			WithTextCode(ErrCodeUnknownKind)
	ErrStoreFailed = errors.New("outcome store failed", errors.CategoryExternal).
			WithTextCode(ErrCodeStoreFailed)
	ErrInvalidFact = errors.New("invalid outcome fact", errors.CategoryValidation).
			WithTextCode(ErrCodeInvalidFact)
)

// UnknownEffectError is returned before any execution when a batch contains a
// kind without a registered handler.
type UnknownEffectError struct {
	Kind  Kind
	Index int
}

func (e *UnknownEffectError) Error() string {
	return fmt.Sprintf("effect %d: no handler registered for kind %q", e.Index, e.Kind)
}

// Unwrap exposes the coded error for errors.Is checks.
func (e *UnknownEffectError) Unwrap() error {
	return ErrUnknownKind
}

// PartialUploadError reports an upload that failed after some images were stored.
type PartialUploadError struct {
	Uploaded []string
	Err      error
}

func (e *PartialUploadError) Error() string {
	msg := "partial upload"
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("%s (uploaded %d: %s)", msg, len(e.Uploaded), strings.Join(e.Uploaded, ","))
}

func (e *PartialUploadError) Unwrap() error {
	return e.Err
}

// ErrorCode returns the text code of err when it carries one.
func ErrorCode(err error) string {
	var ge *errors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	var unknown *UnknownEffectError
	if stderrors.As(err, &unknown) {
		return ErrCodeUnknownKind
	}
	return ""
}

func newUnknownKindError(k Kind) *errors.Error {
	return cloneError(ErrUnknownKind, fmt.Sprintf("unknown effect kind %q", k), nil, map[string]any{"effect_type": string(k)})
}

func storeError(op string, source error, key Key) *errors.Error {
	return cloneError(ErrStoreFailed, "outcome store "+op+" failed", source, key.fields())
}

func cloneError(base *errors.Error, message string, source error, metadata map[string]any) *errors.Error {
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}
