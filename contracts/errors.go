package contracts

import (
	"errors"
	"fmt"
)

// Code is a hierarchical error tag, e.g. "Link.Detach" or "Send.Timeout".
type Code string

const (
	CodeLinkDetach               Code = "Link.Detach"
	CodeLinkNotFound             Code = "Link.NotFound"
	CodeLinkCreditManagerMissing Code = "Link.CreditManagerMissing"

	CodeMessageLockRenewalTimeout Code = "Message.LockRenewalTimeout"
	CodeMessageLockRenewalFailure Code = "Message.LockRenewalFailure"
	CodeMessageSettleFailure      Code = "Message.SettleFailure"

	CodeInternalUnknown           Code = "Internal.Unknown"
	CodeInternalRequestTimeout    Code = "Internal.RequestTimeout"
	CodeInternalRequestFailure    Code = "Internal.RequestFailure"
	CodeInternalRequestTerminated Code = "Internal.RequestTerminated"
	CodeInternalOrphanedResponse  Code = "Internal.OrphanedResponse"

	CodeSendTimeout  Code = "Send.Timeout"
	CodeSendRejected Code = "Send.Rejected"
	CodeSendDisposed Code = "Send.Disposed"

	CodeAmqpInternalError         Code = "Amqp.InternalError"
	CodeAmqpNotFound              Code = "Amqp.NotFound"
	CodeAmqpUnauthorizedAccess    Code = "Amqp.UnauthorizedAccess"
	CodeAmqpDecodeError           Code = "Amqp.DecodeError"
	CodeAmqpResourceLimitExceeded Code = "Amqp.ResourceLimitExceeded"
	CodeAmqpNotAllowed            Code = "Amqp.NotAllowed"
	CodeAmqpInvalidField          Code = "Amqp.InvalidField"
	CodeAmqpNotImplemented        Code = "Amqp.NotImplemented"
	CodeAmqpResourceLocked        Code = "Amqp.ResourceLocked"
	CodeAmqpPreconditionFailed    Code = "Amqp.PreconditionFailed"
	CodeAmqpResourceDeleted       Code = "Amqp.ResourceDeleted"
	CodeAmqpFrameSizeTooSmall     Code = "Amqp.FrameSizeTooSmall"
	CodeAmqpIllegalState          Code = "Amqp.IllegalState"
	CodeAmqpUnknown               Code = "Amqp.Unknown"
)

// amqpConditionCodes maps the AMQP 1.0 "amqp:*" condition symbol suffix to
// its Code, per spec.md section 7's AMQP-error mapper table.
var amqpConditionCodes = map[string]Code{
	"internal-error":          CodeAmqpInternalError,
	"not-found":               CodeAmqpNotFound,
	"unauthorized-access":     CodeAmqpUnauthorizedAccess,
	"decode-error":            CodeAmqpDecodeError,
	"resource-limit-exceeded": CodeAmqpResourceLimitExceeded,
	"not-allowed":             CodeAmqpNotAllowed,
	"invalid-field":           CodeAmqpInvalidField,
	"not-implemented":         CodeAmqpNotImplemented,
	"resource-locked":         CodeAmqpResourceLocked,
	"precondition-failed":     CodeAmqpPreconditionFailed,
	"resource-deleted":        CodeAmqpResourceDeleted,
	"frame-size-too-small":    CodeAmqpFrameSizeTooSmall,
	"illegal-state":           CodeAmqpIllegalState,
}

// Error is the single error type carrying every hierarchical Code named in
// spec.md section 7. Op names the operation that failed (e.g. "renewLock",
// "send", "refreshCredits"); Context carries scenario-specific detail such
// as {status, errorCondition, trackingId} for management request failures.
type Error struct {
	Code    Code
	Op      string
	Context map[string]any
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Op)
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New constructs an *Error for the given code and operation.
func New(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// WithContext attaches a context key/value and returns the receiver for
// chaining, e.g. contracts.New(...).WithContext("status", 503).
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Is reports whether err (or something it wraps) carries the given Code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf extracts the Code from err, if any, and reports whether one was
// found.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}
