package engine

import "errors"

// Validation error codes.
const (
	CodeInvalidSequence     = "invalid_sequence"
	CodeQuestionNotFound    = "question_not_found"
	CodeWrongForm           = "wrong_form"
	CodeDependencyViolation = "dependency_violation"
	CodeStepOrderViolation  = "step_order_violation"
)

// ValidationError is a caller mistake in a run's answer sequence or steps.
// It is surfaced immediately and never retried.
type ValidationError struct {
	Code    string
	Message string
	Details map[string]any
}

func (e ValidationError) Error() string { return e.Message }

func validationErr(code, message string, details map[string]any) ValidationError {
	return ValidationError{Code: code, Message: message, Details: details}
}

// Run lifecycle errors.
var (
	ErrAlreadyClosed     = errors.New("run is already closed")
	ErrUseCloseOperation = errors.New("status cannot be set to a terminal value directly; use the close operation")
	ErrMissingSteps      = errors.New("run has no steps to close with")
	ErrMissingOutcome    = errors.New("a non-blank outcome is required to close a run")
)
