package common

import (
	"errors"
	"fmt"
	"maps"
)

// Kind groups error codes into the categories clients branch on.
type Kind string

const (
	KindNotFound       Kind = "not_found"
	KindInvalidState   Kind = "invalid_state"
	KindValidation     Kind = "validation"
	KindProvider       Kind = "provider"
	KindStorage        Kind = "storage"
	KindTokenNotActive Kind = "token_not_active"
	KindUnauthorized   Kind = "unauthorized"
	KindInternal       Kind = "internal"
)

// Error is the domain error carried through every layer. Two errors are
// considered the same by errors.Is when their codes match, so sentinels can
// be copied with a more specific message and still be matched.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	// a domain cause already surfaced its message through the retyped error
	var inner *Error
	if errors.As(e.Err, &inner) {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func (e *Error) clone() *Error {
	c := *e
	c.Details = maps.Clone(e.Details)
	return &c
}

// WithMessage returns a copy of e carrying msg.
func (e *Error) WithMessage(msg string) *Error {
	c := e.clone()
	c.Message = msg
	return c
}

// WithDetail returns a copy of e with key set in its details.
func (e *Error) WithDetail(key string, value any) *Error {
	c := e.clone()
	if c.Details == nil {
		c.Details = map[string]any{}
	}
	c.Details[key] = value
	return c
}

// Wrap returns a copy of e with err as its cause.
func (e *Error) Wrap(err error) *Error {
	c := e.clone()
	c.Err = err
	return c
}

var (
	// Repository-level errors.
	ErrorNotFound = &Error{Kind: KindNotFound, Code: "entity_not_found", Message: "not found"}
	ErrStorage    = &Error{Kind: KindStorage, Code: "database_error", Message: "database error"}
	ErrStaleEntry = &Error{Kind: KindInvalidState, Code: "stale_entry", Message: "entry changed since it was read"}

	// Vault errors.
	ErrTokenNotFound = &Error{Kind: KindNotFound, Code: "token_not_found", Message: "token not found"}
	ErrDecryption    = &Error{Kind: KindInternal, Code: "decryption_error", Message: "token decryption failed"}

	// Consent flow errors.
	ErrInvalidAckState = &Error{Kind: KindInvalidState, Code: "invalid_ack_state", Message: "invalid ack state"}

	// Caller input errors.
	ErrValidation = &Error{Kind: KindValidation, Code: "validation_error", Message: "validation error"}

	// Identity provider errors.
	ErrProvider          = &Error{Kind: KindProvider, Code: "keycloak_error", Message: "identity provider error"}
	ErrContractViolation = &Error{Kind: KindProvider, Code: "provider_contract_violation", Message: "identity provider contract violation"}

	// Auth errors.
	ErrTokenNotActive = &Error{Kind: KindTokenNotActive, Code: "token_not_active", Message: "token is not active"}
	ErrorUnauthorized = &Error{Kind: KindUnauthorized, Code: "unauthorized", Message: "unauthorized"}

	ErrorInternal = &Error{Kind: KindInternal, Code: "internal_error", Message: "internal error"}
)

// AsError extracts the outermost domain error from err.
func AsError(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// KindOf reports the kind of err; anything outside the taxonomy is internal.
func KindOf(err error) Kind {
	if de, ok := AsError(err); ok {
		return de.Kind
	}
	return KindInternal
}
