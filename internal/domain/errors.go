package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidPage   = errors.New("invalid page: start must be >= 1 and limit > 0")
	ErrMissingAPIKey = errors.New("api key missing")
	ErrUnauthorized  = errors.New("no authorized user")
)

// FetchError is a snapshot fetch failure: transport error, non-2xx status, or
// a provider-reported error inside a 200 response.
type FetchError struct {
	StatusCode   int    // HTTP status, 0 if the request never completed
	ProviderCode int    // status.error_code from the payload, 0 if none
	Message      string // provider message or transport description
	Err          error  // underlying cause, may be nil
}

func (e *FetchError) Error() string {
	switch {
	case e.ProviderCode != 0:
		return fmt.Sprintf("fetch failed: provider error %d: %s", e.ProviderCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("fetch failed: http %d: %s", e.StatusCode, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("fetch failed: %s: %v", e.Message, e.Err)
	default:
		return "fetch failed: " + e.Message
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// Retryable reports whether repeating the same request may succeed.
// Provider-reported errors (bad key, plan limits) are final.
func (e *FetchError) Retryable() bool {
	if e.ProviderCode != 0 {
		return false
	}
	if e.StatusCode == 0 {
		return true
	}
	return e.StatusCode >= 500 || e.StatusCode == 429
}
