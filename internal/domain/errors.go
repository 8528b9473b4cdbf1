package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by stores. Services translate them into typed errors below.
var (
	ErrNotFound          = errors.New("not found")
	ErrAttemptsExhausted = errors.New("attempts exhausted")
)

// Kind classifies an error so callers can discriminate without string matching.
type Kind int

const (
	KindInternal Kind = iota
	KindConfig
	KindValidation
	KindRateLimit
	KindDelivery
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindValidation:
		return "validation"
	case KindRateLimit:
		return "rate_limit"
	case KindDelivery:
		return "delivery"
	case KindStorage:
		return "storage"
	default:
		return "internal"
	}
}

// Verification failure reasons reported to clients.
const (
	ReasonExpired  = "expired"
	ReasonInvalid  = "invalid"
	ReasonLocked   = "locked"
	ReasonCooldown = "cooldown"
)

// Error is the structured error used across the service.
type Error struct {
	Kind Kind
	// Reason is a stable machine-readable code such as ReasonExpired. Optional.
	Reason string
	Msg    string
	// RetryAfter is set on rate-limit errors when a wait time is known.
	RetryAfter time.Duration
	// AttemptsLeft is set on invalid-code failures.
	AttemptsLeft int
	Err          error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	case e.Reason != "":
		return e.Reason
	}
	return e.Kind.String() + " error"
}

func (e *Error) Unwrap() error { return e.Err }

func ConfigError(msg string) *Error {
	return &Error{Kind: KindConfig, Msg: msg}
}

func ValidationError(msg string) *Error {
	return &Error{Kind: KindValidation, Msg: msg}
}

// VerificationError is a validation-kind failure carrying an expired/invalid reason.
func VerificationError(reason string) *Error {
	return &Error{Kind: KindValidation, Reason: reason, Msg: reason}
}

func RateLimitError(reason string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimit, Reason: reason, Msg: reason, RetryAfter: retryAfter}
}

func DeliveryError(err error) *Error {
	return &Error{Kind: KindDelivery, Msg: "delivery failed", Err: err}
}

func StorageError(op string, err error) *Error {
	return &Error{Kind: KindStorage, Msg: op, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// ReasonOf returns the Reason of the first *Error in err's chain.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}
