package llm

import (
	"errors"
	"fmt"
	"time"
)

// Category separates provider failures the pipeline reacts to differently.
type Category int

const (
	// CategoryTransport covers network failures and 5xx responses; the
	// record is retried on a later invocation.
	CategoryTransport Category = iota
	// CategoryAuthorization means the credential is invalid; the whole
	// batch aborts, retrying is pointless.
	CategoryAuthorization
	// CategoryPermission means the model is blocked for this key; an
	// alternate model may work.
	CategoryPermission
	// CategoryRateLimited means the provider throttled the call.
	CategoryRateLimited
	// CategoryMalformed means the response carried no usable content.
	CategoryMalformed
)

func (c Category) String() string {
	switch c {
	case CategoryTransport:
		return "transport"
	case CategoryAuthorization:
		return "authorization"
	case CategoryPermission:
		return "permission"
	case CategoryRateLimited:
		return "rate_limited"
	case CategoryMalformed:
		return "malformed"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

// APIError is a categorized provider failure.
type APIError struct {
	Category Category
	Status   string
	Message  string
	// RetryAfter is the provider-suggested backoff, zero when absent.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("llm %s error (%s): %s", e.Category, e.Status, e.Message)
	}
	return fmt.Sprintf("llm %s error: %s", e.Category, e.Message)
}

// CategoryOf extracts the failure category, defaulting to transport for
// uncategorized errors.
func CategoryOf(err error) Category {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Category
	}
	return CategoryTransport
}

// RetryAfterOf returns the provider-suggested backoff when present.
func RetryAfterOf(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}
