// Package apperr defines the caller-facing failure taxonomy shared by the
// access evaluator, the verification token service and the transports.
//
// Every denial or failure maps to a stable (status, code, message, hint)
// tuple so that front-end callers can render consistent guidance.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code is a stable, machine-readable failure identifier.
type Code string

const (
	TenantMismatch          Code = "TENANT_MISMATCH"
	InsufficientRole        Code = "INSUFFICIENT_ROLE"
	ImmutableFieldViolation Code = "IMMUTABLE_FIELD_VIOLATION"
	FieldNotAllowed         Code = "FIELD_NOT_ALLOWED"
	PolicyNotFound          Code = "POLICY_NOT_FOUND"

	TokenNotFound    Code = "TOKEN_NOT_FOUND"
	TokenExpired     Code = "TOKEN_EXPIRED"
	TokenAlreadyUsed Code = "TOKEN_ALREADY_USED"
	PurposeMismatch  Code = "PURPOSE_MISMATCH"

	RateLimitExceeded Code = "RATE_LIMIT_EXCEEDED"

	AuditWriteFailed   Code = "AUDIT_WRITE_FAILED"
	StorageUnavailable Code = "STORAGE_UNAVAILABLE"

	Unauthenticated Code = "UNAUTHENTICATED"
	InvalidRequest  Code = "INVALID_REQUEST"
	Internal        Code = "INTERNAL"
)

// Descriptor is the stable rendering of a Code for HTTP-style callers.
type Descriptor struct {
	Status  int
	Code    Code
	Message string
	Hint    string
}

var descriptors = map[Code]Descriptor{
	TenantMismatch:          {http.StatusForbidden, TenantMismatch, "The resource belongs to a different organization.", ""},
	InsufficientRole:        {http.StatusForbidden, InsufficientRole, "You do not have permission to perform this action.", ""},
	ImmutableFieldViolation: {http.StatusUnprocessableEntity, ImmutableFieldViolation, "One or more fields cannot be changed after creation.", "Reload the form and submit it without the protected fields."},
	FieldNotAllowed:         {http.StatusForbidden, FieldNotAllowed, "You are not allowed to change one or more of these fields.", "Reload the form and submit it without the restricted fields."},
	PolicyNotFound:          {http.StatusForbidden, PolicyNotFound, "This action is not permitted.", ""},
	TokenNotFound:           {http.StatusBadRequest, TokenNotFound, "The verification link is invalid.", ""},
	TokenExpired:            {http.StatusBadRequest, TokenExpired, "The verification link has expired.", "Request a new one."},
	TokenAlreadyUsed:        {http.StatusConflict, TokenAlreadyUsed, "The verification link has already been used.", ""},
	PurposeMismatch:         {http.StatusBadRequest, PurposeMismatch, "The verification link cannot be used for this action.", ""},
	RateLimitExceeded:       {http.StatusTooManyRequests, RateLimitExceeded, "Too many requests.", "Try again after the time shown."},
	AuditWriteFailed:        {http.StatusInternalServerError, AuditWriteFailed, "Internal error.", ""},
	StorageUnavailable:      {http.StatusServiceUnavailable, StorageUnavailable, "The service is temporarily unavailable.", "Try again in a few moments."},
	Unauthenticated:         {http.StatusUnauthorized, Unauthenticated, "Authentication is required.", "Sign in and try again."},
	InvalidRequest:          {http.StatusBadRequest, InvalidRequest, "The request is invalid.", ""},
	Internal:                {http.StatusInternalServerError, Internal, "Internal error.", ""},
}

// Describe returns the stable tuple for code. Unknown codes describe as Internal.
func Describe(code Code) Descriptor {
	if d, ok := descriptors[code]; ok {
		return d
	}
	return descriptors[Internal]
}

// Retryable reports whether a caller may retry the same request later.
func (c Code) Retryable() bool {
	return c == RateLimitExceeded || c == StorageUnavailable
}

// Error is a taxonomy failure with optional cause and retry hint.
type Error struct {
	Code Code
	// Message overrides the descriptor message when set.
	Message       string
	NextAllowedAt time.Time
	// Fields names the offending fields of a field-level denial.
	Fields []string
	Err    error
}

// New returns an Error for code.
func New(code Code) *Error {
	return &Error{Code: code}
}

// Wrap returns an Error for code carrying err as its cause.
func Wrap(code Code, err error) *Error {
	return &Error{Code: code, Err: err}
}

// RateLimited returns a RATE_LIMIT_EXCEEDED failure retryable at next.
func RateLimited(next time.Time) *Error {
	return &Error{Code: RateLimitExceeded, NextAllowedAt: next}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code, so errors.Is(err, apperr.New(apperr.TokenExpired)) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Descriptor returns the rendering for e, honoring a message override.
func (e *Error) Descriptor() Descriptor {
	d := Describe(e.Code)
	if e.Message != "" {
		d.Message = e.Message
	}
	return d
}

// CodeOf extracts the taxonomy code from err, or Internal when err carries none.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// HasCode reports whether err carries code anywhere in its chain.
func HasCode(err error, code Code) bool {
	return errors.Is(err, New(code))
}
