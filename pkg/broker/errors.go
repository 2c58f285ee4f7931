package broker

import (
	"errors"
	"fmt"
	"time"
)

// Category buckets errors for differentiated handling. Validation errors
// are never retried; transport errors count toward the circuit breaker;
// rate-limit errors are retried honoring the broker cooldown; system
// errors halt new order acceptance for the affected session.
type Category int

const (
	CategoryValidation Category = iota
	CategoryBroker
	CategoryTransport
	CategoryRateLimit
	CategorySystem
)

func (c Category) String() string {
	switch c {
	case CategoryValidation:
		return "VALIDATION"
	case CategoryBroker:
		return "BROKER"
	case CategoryTransport:
		return "TRANSPORT"
	case CategoryRateLimit:
		return "RATE_LIMIT"
	case CategorySystem:
		return "SYSTEM"
	default:
		return "UNKNOWN"
	}
}

// Reason codes surfaced to callers. Every rejected order carries one of
// these, never a generic failure.
const (
	CodeInsufficientMargin    = "INSUFFICIENT_MARGIN"
	CodeInstrumentNotTradable = "INSTRUMENT_NOT_TRADABLE"
	CodeBrokerUnavailable     = "BROKER_UNAVAILABLE"
	CodeInvalidQuantity       = "INVALID_QUANTITY"
	CodeCircuitOpen           = "CIRCUIT_OPEN"
	CodeSessionStopped        = "SESSION_STOPPED"
	CodeCapitalLimit          = "CAPITAL_LIMIT"
	CodePositionLimit         = "POSITION_LIMIT"
	CodeAckTimeout            = "ACK_TIMEOUT"
	CodeMismatch              = "RECONCILIATION_MISMATCH"
	CodeInvariant             = "INVARIANT_VIOLATION"
)

// Error is a typed, categorized broker-facing error.
type Error struct {
	Category   Category
	Code       string
	Message    string
	RetryAfter time.Duration // broker-specified cooldown, rate-limit only
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s/%s: %s: %v", e.Category, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s/%s: %s", e.Category, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Validationf builds a caller-attributable error; never retried.
func Validationf(code, format string, args ...any) *Error {
	return &Error{Category: CategoryValidation, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Rejection builds a broker rejection terminal for one order.
func Rejection(code, msg string, err error) *Error {
	return &Error{Category: CategoryBroker, Code: code, Message: msg, Err: err}
}

// Transport wraps a network-level failure.
func Transport(msg string, err error) *Error {
	return &Error{Category: CategoryTransport, Code: CodeBrokerUnavailable, Message: msg, Err: err}
}

// RateLimited wraps a throttling response with the broker cooldown.
func RateLimited(msg string, retryAfter time.Duration) *Error {
	return &Error{Category: CategoryRateLimit, Code: "RATE_LIMITED", Message: msg, RetryAfter: retryAfter}
}

// Systemf marks an internal invariant violation.
func Systemf(format string, args ...any) *Error {
	return &Error{Category: CategorySystem, Code: CodeInvariant, Message: fmt.Sprintf(format, args...)}
}

// CategoryOf classifies any error; unwrapped errors default to transport
// since they come back from broker I/O paths.
func CategoryOf(err error) Category {
	var be *Error
	if errors.As(err, &be) {
		return be.Category
	}
	return CategoryTransport
}

// CodeOf extracts the reason code, or empty for untyped errors.
func CodeOf(err error) string {
	var be *Error
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}

// RetryAfterOf extracts the broker-specified cooldown from a rate-limit
// error; ok is false for every other error category.
func RetryAfterOf(err error) (time.Duration, bool) {
	var be *Error
	if errors.As(err, &be) && be.Category == CategoryRateLimit {
		return be.RetryAfter, true
	}
	return 0, false
}

// CountsTowardBreaker reports whether the failure should advance the
// circuit breaker. Validation and plain broker rejections do not: a bad
// order does not imply an unhealthy adapter.
func CountsTowardBreaker(err error) bool {
	switch CategoryOf(err) {
	case CategoryTransport:
		return true
	case CategoryRateLimit:
		// Rate limits only trip the breaker when repeated; the health
		// service tracks that separately.
		return false
	}
	return false
}
