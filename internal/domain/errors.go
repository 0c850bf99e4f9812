package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for callers and transports.
type ErrorKind string

const (
	KindValidation        ErrorKind = "validation_error"
	KindNotFound          ErrorKind = "not_found"
	KindInvalidTransition ErrorKind = "invalid_transition"
	KindUnknownCategory   ErrorKind = "unknown_category"
	KindSequenceTooOld    ErrorKind = "sequence_too_old"
	KindPolicyDenied      ErrorKind = "policy_denied"
	KindUnavailable       ErrorKind = "unavailable"
)

// Sentinel errors. Every *Error wraps exactly one of them.
var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrUnknownCategory   = errors.New("unknown category")
	ErrSequenceTooOld    = errors.New("sequence too old")
	ErrPolicyDenied      = errors.New("policy denied")
	ErrUnavailable       = errors.New("unavailable")
)

var kindSentinels = map[ErrorKind]error{
	KindValidation:        ErrValidation,
	KindNotFound:          ErrNotFound,
	KindInvalidTransition: ErrInvalidTransition,
	KindUnknownCategory:   ErrUnknownCategory,
	KindSequenceTooOld:    ErrSequenceTooOld,
	KindPolicyDenied:      ErrPolicyDenied,
	KindUnavailable:       ErrUnavailable,
}

// Error is a classified domain failure.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Unwrap lets errors.Is match the kind sentinel.
func (e *Error) Unwrap() error {
	return kindSentinels[e.Kind]
}

// Retryable reports whether the caller may retry the same request unchanged.
func (e *Error) Retryable() bool {
	return e.Kind == KindUnavailable
}

func newError(kind ErrorKind, code, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Validationf reports malformed input.
func Validationf(format string, args ...interface{}) *Error {
	return newError(KindValidation, string(KindValidation), format, args...)
}

// AgentNotFound reports a missing agent.
func AgentNotFound(id string) *Error {
	return newError(KindNotFound, "agent_not_found", "agent %q not found", id)
}

// TargetNotFound reports a command target that does not exist.
func TargetNotFound(id string) *Error {
	return newError(KindNotFound, "target_not_found", "target agent %q not found", id)
}

// UnknownCommand reports a missing command.
func UnknownCommand(id string) *Error {
	return newError(KindNotFound, "unknown_command", "command %q not found", id)
}

// InvalidTransitionf reports a state machine violation.
func InvalidTransitionf(format string, args ...interface{}) *Error {
	return newError(KindInvalidTransition, string(KindInvalidTransition), format, args...)
}

// UnknownCategory reports a report category outside the configured set.
func UnknownCategory(category ReportCategory) *Error {
	return newError(KindUnknownCategory, string(KindUnknownCategory), "unknown report category %q", category)
}

// SequenceTooOld reports a resume point outside the replay window.
func SequenceTooOld(from, oldest uint64) *Error {
	return newError(KindSequenceTooOld, string(KindSequenceTooOld),
		"sequence %d is not retained (oldest resumable %d), request a full snapshot", from, oldest)
}

// PolicyDenied reports a command rejected by the admission policy.
func PolicyDenied(reason string) *Error {
	return newError(KindPolicyDenied, string(KindPolicyDenied), "command denied by policy: %s", reason)
}

// Unavailablef reports a transient condition.
func Unavailablef(format string, args ...interface{}) *Error {
	return newError(KindUnavailable, string(KindUnavailable), format, args...)
}

// KindOf returns the kind of err, or "" when err is not a domain error.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}
