// Package apperr defines the error kinds shared by the key issuance and
// ledger services. Callers branch on Kind, never on message text.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindNotAuthorized
	KindNotFound
	KindQuotaExceeded
	KindInvalidState
	KindInvalidArgument
	KindInvalidAmount
	KindMissingIdempotencyKey
	KindAlreadyProcessed
	KindOperationInProgress
	KindInsufficientFunds
	KindDailyLimitExceeded
	KindStorage
)

var kindNames = map[Kind]string{
	KindUnknown:               "unknown",
	KindNotAuthorized:         "not_authorized",
	KindNotFound:              "not_found",
	KindQuotaExceeded:         "quota_exceeded",
	KindInvalidState:          "invalid_state",
	KindInvalidArgument:       "invalid_argument",
	KindInvalidAmount:         "invalid_amount",
	KindMissingIdempotencyKey: "missing_idempotency_key",
	KindAlreadyProcessed:      "already_processed",
	KindOperationInProgress:   "operation_in_progress",
	KindInsufficientFunds:     "insufficient_funds",
	KindDailyLimitExceeded:    "daily_limit_exceeded",
	KindStorage:               "storage_error",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return kindNames[KindUnknown]
}

// Error carries a Kind, the operation that failed, an optional caller-facing
// message and the underlying cause. Message must never contain row ids or
// encryption details; Err may.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Message != "" {
		msg = e.Message
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so that errors.Is(err, ErrQuotaExceeded) holds for
// any *Error of that kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrNotAuthorized         = &Error{Kind: KindNotAuthorized}
	ErrNotFound              = &Error{Kind: KindNotFound}
	ErrQuotaExceeded         = &Error{Kind: KindQuotaExceeded}
	ErrInvalidState          = &Error{Kind: KindInvalidState}
	ErrInvalidArgument       = &Error{Kind: KindInvalidArgument}
	ErrInvalidAmount         = &Error{Kind: KindInvalidAmount}
	ErrMissingIdempotencyKey = &Error{Kind: KindMissingIdempotencyKey}
	ErrAlreadyProcessed      = &Error{Kind: KindAlreadyProcessed}
	ErrOperationInProgress   = &Error{Kind: KindOperationInProgress}
	ErrInsufficientFunds     = &Error{Kind: KindInsufficientFunds}
	ErrDailyLimitExceeded    = &Error{Kind: KindDailyLimitExceeded}
	ErrStorage               = &Error{Kind: KindStorage}
)

// New builds an error of the given kind with a caller-facing message.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Newf is New with formatting.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Storage wraps an adapter failure. Already-typed errors pass through so the
// original kind survives repository layers.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return err
	}
	return &Error{Kind: KindStorage, Op: op, Err: err}
}

// KindOf extracts the Kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindUnknown
}

// MessageOf returns the caller-facing message attached to err, if any.
func MessageOf(err error) string {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Message
	}
	return ""
}
