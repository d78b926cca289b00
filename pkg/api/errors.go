package api

import (
	stderrors "errors"
	"fmt"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeValidation        = "STEPFLOW_VALIDATION"
	ErrCodeNotFound          = "STEPFLOW_NOT_FOUND"
	ErrCodeInvalidTransition = "STEPFLOW_INVALID_TRANSITION"
	ErrCodeShapeMismatch     = "STEPFLOW_SHAPE_MISMATCH"
)

var (
	errValidation = apperrors.New("flow definition is invalid", apperrors.CategoryValidation).
			WithTextCode(ErrCodeValidation)
	errNotFound = apperrors.New("not found", apperrors.CategoryBadInput).
			WithTextCode(ErrCodeNotFound)
	errInvalidTransition = apperrors.New("invalid transition", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeInvalidTransition)
	errShapeMismatch = apperrors.New("flow shape mismatch", apperrors.CategoryConflict).
				WithTextCode(ErrCodeShapeMismatch)
)

func coded(base *apperrors.Error, message string, metadata map[string]any) *apperrors.Error {
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// ErrorCode returns the text code attached to err, or "" when err carries
// none.
func ErrorCode(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// ValidationError reports an invalid flow or step definition.
type ValidationError struct {
	// Subject is the flow or step slug the error refers to, if any.
	Subject string
	Message string
}

// NewValidationError builds a ValidationError with a formatted message.
func NewValidationError(subject, format string, args ...any) *ValidationError {
	return &ValidationError{Subject: subject, Message: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Unwrap() error {
	return coded(errValidation, e.Message, map[string]any{"subject": e.Subject})
}

// NotFoundError reports a lookup of a step, flow or run that does not exist.
type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s '%s' not found", e.Kind, e.Key)
}

func (e *NotFoundError) Unwrap() error {
	return coded(errNotFound, e.Error(), map[string]any{"kind": e.Kind, "key": e.Key})
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return stderrors.As(err, &nf)
}

// TransitionError reports a forbidden worker state change.
type TransitionError struct {
	From string
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("Cannot transition from %s to %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return coded(errInvalidTransition, e.Error(), map[string]any{"from": e.From, "to": e.To})
}

// FlowShapeMismatchError reports that the Store holds a different shape for
// a flow than the one compiled into this process.
type FlowShapeMismatchError struct {
	FlowSlug    string
	Differences []string
}

func (e *FlowShapeMismatchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "flow '%s' shape does not match the persisted shape", e.FlowSlug)
	for _, d := range e.Differences {
		b.WriteString("\n  - ")
		b.WriteString(d)
	}
	return b.String()
}

func (e *FlowShapeMismatchError) Unwrap() error {
	return coded(errShapeMismatch, "", map[string]any{
		"flow_slug":   e.FlowSlug,
		"differences": e.Differences,
	})
}
