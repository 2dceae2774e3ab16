// Package guard turns heterogeneous failures into the domain error taxonomy.
//
// Flows wrap groups of calls in Translate (or Value) so that whatever escapes
// the block is a *common.Error, optionally upgraded to a more specific one.
// Invariant replaces "check then narrow" with a function that returns either
// the validated value or the error.
package guard

import (
	"maps"

	"github.com/dmitrijs2005/authmanager/internal/common"
)

// CauseCodeKey is the details key holding the code of a retyped error.
const CauseCodeKey = "cause_code"

// Translate runs fn and normalizes its error.
//
// A domain error is retyped to as when as is non-nil: the result carries as's
// kind and code, message (or the original message when message is empty),
// the original details plus the original code under CauseCodeKey, and the
// original error as its cause. With as nil the domain error keeps its own
// kind, code, message and details. Any other error becomes an internal error
// coded fallbackCode (internal_error when empty).
func Translate(as *common.Error, message, fallbackCode string, fn func() error) error {
	return normalize(as, message, fallbackCode, fn())
}

// Value is Translate for blocks that produce a result.
func Value[T any](as *common.Error, message, fallbackCode string, fn func() (T, error)) (T, error) {
	v, err := fn()
	if err != nil {
		var zero T
		return zero, normalize(as, message, fallbackCode, err)
	}
	return v, nil
}

// Invariant yields v unless violated(v) holds, in which case err is returned.
func Invariant[T any](v T, violated func(T) bool, err error) (T, error) {
	if violated(v) {
		var zero T
		return zero, err
	}
	return v, nil
}

// NotFound replaces a not-found error with replacement, keeping the original
// as its cause. Other errors pass through.
func NotFound(err error, replacement *common.Error) error {
	de, ok := common.AsError(err)
	if !ok || de.Kind != common.KindNotFound {
		return err
	}
	return replacement.Wrap(err)
}

func normalize(as *common.Error, message, fallbackCode string, err error) error {
	if err == nil {
		return nil
	}

	de, ok := common.AsError(err)
	if !ok {
		code := fallbackCode
		if code == "" {
			code = common.ErrorInternal.Code
		}
		if message == "" {
			message = common.ErrorInternal.Message
		}
		return &common.Error{Kind: common.KindInternal, Code: code, Message: message, Err: err}
	}

	if as == nil {
		msg := de.Message
		if msg == "" {
			msg = message
		}
		return &common.Error{Kind: de.Kind, Code: de.Code, Message: msg, Details: maps.Clone(de.Details), Err: err}
	}

	msg := message
	if msg == "" {
		msg = de.Message
	}
	details := maps.Clone(de.Details)
	if details == nil {
		details = map[string]any{}
	}
	details[CauseCodeKey] = de.Code
	return &common.Error{Kind: as.Kind, Code: as.Code, Message: msg, Details: details, Err: err}
}
