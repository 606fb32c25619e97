package fault

import (
	"errors"
	"fmt"
)

// Category classifies a delivery failure for retry decisions and reporting.
type Category string

const (
	Validation      Category = "validation"
	Transformation  Category = "transformation"
	Authentication  Category = "authentication"
	RateLimited     Category = "rate_limited"
	Upstream        Category = "upstream"
	UpstreamTimeout Category = "upstream_timeout"
	Network         Category = "network"
	Sandbox         Category = "sandbox"
	Internal        Category = "internal"
)

// Error is the typed failure carried through the delivery pipeline.
type Error struct {
	Category Category
	Code     string // machine-readable, e.g. INVALID_CONFIG, SCRIPT_TIMEOUT
	Message  string
	Status   int // upstream HTTP status when Category is Upstream, else 0
	cause    error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Category, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a typed error without a wrapped cause.
func New(cat Category, code, format string, args ...any) *Error {
	return &Error{Category: cat, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a typed error preserving the underlying cause for errors.Is/As.
func Wrap(cat Category, code string, cause error, format string, args ...any) *Error {
	return &Error{Category: cat, Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// CategoryOf returns the fault category of err, or Internal when err carries none.
func CategoryOf(err error) Category {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Category
	}
	return Internal
}

// CodeOf returns the machine code of err, or INTERNAL when err carries none.
func CodeOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) && fe.Code != "" {
		return fe.Code
	}
	return "INTERNAL"
}

// Retryable reports whether the category may be retried within the same
// request: 5xx/429 upstream responses, timeouts, and connection-level errors.
func Retryable(err error) bool {
	var fe *Error
	if !errors.As(err, &fe) {
		return false
	}
	switch fe.Category {
	case UpstreamTimeout, Network:
		return true
	case Upstream:
		return fe.Status == 408 || fe.Status == 429 || fe.Status >= 500
	default:
		return false
	}
}
