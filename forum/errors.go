package forum

import (
	"errors"
	"fmt"

	"basement/models"
	"basement/tokengate"
)

// Error kinds. Every *Error matches exactly one of these with errors.Is.
var (
	ErrValidation    = errors.New("validation failed")
	ErrNotFound      = errors.New("not found")
	ErrAuthorization = errors.New("not authorized")
	ErrRateLimited   = errors.New("rate limited")
	ErrConflict      = errors.New("conflict")
	ErrDependency    = errors.New("dependency unavailable")
)

// Error is a rejected request. Code is stable and machine-checkable; Message is for people.
type Error struct {
	Kind       error
	Code       string
	Message    string
	RetryAfter int
	Gate       *tokengate.Decision
	Ban        *models.Ban
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Message, e.Code, e.Err)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

func (e *Error) Is(target error) bool { return target == e.Kind }

func (e *Error) Unwrap() error { return e.Err }

func validation(code, msg string) *Error {
	return &Error{Kind: ErrValidation, Code: code, Message: msg}
}

func notFound(code, msg string) *Error {
	return &Error{Kind: ErrNotFound, Code: code, Message: msg}
}

func unauthorized(code, msg string) *Error {
	return &Error{Kind: ErrAuthorization, Code: code, Message: msg}
}

func conflict(code, msg string) *Error {
	return &Error{Kind: ErrConflict, Code: code, Message: msg}
}

func dependency(code, msg string, err error) *Error {
	return &Error{Kind: ErrDependency, Code: code, Message: msg, Err: err}
}

// CodeOf returns the reason code of a forum error, or "" for anything else.
func CodeOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// gateError turns a token gate denial into a typed rejection. An oracle outage is a
// dependency failure, not a statement about the caller's balance.
func gateError(d tokengate.Decision) *Error {
	e := &Error{Code: string(d.Reason), Message: d.Message, Gate: &d}
	switch d.Reason {
	case tokengate.ReasonInvalidAddress:
		e.Kind = ErrValidation
	case tokengate.ReasonOracleUnavailable:
		e.Kind = ErrDependency
	default:
		e.Kind = ErrAuthorization
	}
	return e
}

func bannedError(ban *models.Ban) *Error {
	msg := "You are banned. Reason: " + ban.Reason
	if exp := ban.Expiry(); exp != nil {
		msg += ". Expires: " + exp.Format("2006-01-02 15:04 UTC")
	}
	return &Error{Kind: ErrAuthorization, Code: "banned", Message: msg, Ban: ban}
}
