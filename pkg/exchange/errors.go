package exchange

import (
	"errors"
	"fmt"
)

// ErrorKind classifies adapter failures so callers can decide whether an
// operation is worth retrying on the next cycle.
type ErrorKind string

const (
	KindNetwork           ErrorKind = "network"
	KindRateLimit         ErrorKind = "rate_limit"
	KindInsufficientFunds ErrorKind = "insufficient_funds"
	KindInvalidOrder      ErrorKind = "invalid_order"
	KindUnsupported       ErrorKind = "unsupported"
	KindAuth              ErrorKind = "auth"
	KindOther             ErrorKind = "other"
)

// Error is the structured error returned by every Provider method.
type Error struct {
	Kind ErrorKind
	Op   string // adapter operation, e.g. "get_klines"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exchange: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("exchange: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with an operation name and a kind.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the ErrorKind from err, defaulting to KindOther.
func KindOf(err error) ErrorKind {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return KindOther
}

// IsTransient reports whether err is worth retrying naturally on a later
// cycle (network hiccups and venue rate limits).
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindRateLimit:
		return true
	default:
		return false
	}
}
