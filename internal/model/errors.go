package model

import (
	"errors"
	"fmt"
)

// Code is a stable machine-readable error code. Route adapters map codes to
// HTTP statuses; services attach them where the failure is first detected.
type Code string

const (
	CodeValidation        Code = "validation_error"
	CodeAgentExists       Code = "agent_exists"
	CodeMissingTenant     Code = "missing_tenant"
	CodeNotFound          Code = "not_found"
	CodeRecipientNotFound Code = "recipient_not_found"
	CodeInvalidSignature  Code = "invalid_signature"
	CodeInvalidTimestamp  Code = "invalid_timestamp"
	CodePolicyDenied      Code = "policy_denied"
	CodeNotOwner          Code = "not_owner"
	CodeInvalidState      Code = "invalid_state"
	CodeForbiddenRole     Code = "forbidden_role"
	CodeConflict          Code = "conflict"
	CodeUnauthorized      Code = "unauthorized"
	CodeStorage           Code = "storage_error"
)

// Error is a typed failure carrying a Code. Services return these (often
// wrapped); handlers unwrap with CodeOf.
type Error struct {
	Code Code
	Msg  string
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Msg
}

// E builds a typed error with a formatted message.
func E(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the Code from an error chain. Unknown errors report
// CodeStorage, the 5xx bucket.
func CodeOf(err error) Code {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return CodeStorage
}

// IsCode reports whether the error chain carries the given code.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// IsNotFound reports whether the error is a not-found failure of any kind.
func IsNotFound(err error) bool {
	c := CodeOf(err)
	return c == CodeNotFound || c == CodeRecipientNotFound
}
