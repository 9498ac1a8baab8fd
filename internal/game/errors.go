package game

import (
	"context"
	"errors"
)

// Code is a stable error code surfaced to clients.
type Code string

const (
	CodeInvalidArgument    Code = "InvalidArgument"
	CodeInvalidConfig      Code = "InvalidConfig"
	CodeNotFound           Code = "NotFound"
	CodeForbidden          Code = "Forbidden"
	CodeSelfJoin           Code = "SelfJoin"
	CodeGameFull           Code = "GameFull"
	CodeNotParticipant     Code = "NotParticipant"
	CodeGameWaiting        Code = "GameWaiting"
	CodeGameClosed         Code = "GameClosed"
	CodeNotYourTurn        Code = "NotYourTurn"
	CodeIllegalMove        Code = "IllegalMove"
	CodePersistenceTimeout Code = "PersistenceTimeout"
	CodeStoreUnavailable   Code = "StoreUnavailable"
)

// Error is a domain rejection. Two Errors match under errors.Is when their codes are equal.
type Error struct {
	Code      Code
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Message != "" {
		return string(e.Code) + ": " + e.Message
	}
	if e.Code != "" {
		return string(e.Code)
	}
	return "game error"
}

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || t == nil || e == nil {
		return false
	}
	return e.Code == t.Code
}

// Reject builds a domain error with a detail message.
func Reject(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg, Retryable: code == CodePersistenceTimeout || code == CodeStoreUnavailable}
}

var (
	ErrInvalidArgument    = &Error{Code: CodeInvalidArgument}
	ErrInvalidConfig      = &Error{Code: CodeInvalidConfig}
	ErrGameNotFound       = &Error{Code: CodeNotFound}
	ErrForbidden          = &Error{Code: CodeForbidden}
	ErrSelfJoin           = &Error{Code: CodeSelfJoin}
	ErrGameFull           = &Error{Code: CodeGameFull}
	ErrNotParticipant     = &Error{Code: CodeNotParticipant}
	ErrGameWaiting        = &Error{Code: CodeGameWaiting}
	ErrGameClosed         = &Error{Code: CodeGameClosed}
	ErrNotYourTurn        = &Error{Code: CodeNotYourTurn}
	ErrIllegalMove        = &Error{Code: CodeIllegalMove}
	ErrPersistenceTimeout = &Error{Code: CodePersistenceTimeout, Retryable: true}
	ErrStoreUnavailable   = &Error{Code: CodeStoreUnavailable, Retryable: true}
)

// Store-level sentinels. Backends wrap these with fmt.Errorf.
var (
	ErrNotFound    = errors.New("record not found")
	ErrSeqConflict = errors.New("move sequence conflict")
)

// CodeOf maps any error to a client code. Unknown errors are reported as StoreUnavailable.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) && de != nil {
		return de.Code
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return CodePersistenceTimeout
	}
	return CodeStoreUnavailable
}

// IsRetryable reports whether the submitting client may safely resend the same intent.
func IsRetryable(err error) bool {
	var de *Error
	if errors.As(err, &de) && de != nil {
		return de.Retryable
	}
	c := CodeOf(err)
	return c == CodePersistenceTimeout || c == CodeStoreUnavailable
}
