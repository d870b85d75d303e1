package chatstream

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common failure modes.
// These can be checked with errors.Is().
var (
	// ErrInvalidRequest indicates the generation request is missing required
	// inputs (model version, at least one message).
	ErrInvalidRequest = errors.New("chatstream: invalid request")

	// ErrStreamTimeout indicates the vendor call did not begin yielding
	// within the configured overall timeout.
	ErrStreamTimeout = errors.New("chatstream: vendor stream timeout")

	// ErrVendorFailure indicates the vendor SDK failed during streaming.
	ErrVendorFailure = errors.New("chatstream: vendor failure")

	// ErrSessionLive indicates a generation was started on a session that is
	// already streaming.
	ErrSessionLive = errors.New("chatstream: session already streaming")
)

// ValidationError reports a generation request that failed fast, before any
// vendor call. No partial state is created.
type ValidationError struct {
	Field  string // The request field that failed validation
	Reason string // Human-readable explanation
	Err    error  // Wrapped sentinel (usually ErrInvalidRequest)
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for '%s': %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrInvalidRequest
}

// StreamTimeoutError reports that the vendor stream produced nothing within
// the overall vendor-call timeout. Distinct from the circuit breaker's
// end-to-end elapsed-time policy.
type StreamTimeoutError struct {
	Vendor  Vendor
	Timeout time.Duration
}

func (e *StreamTimeoutError) Error() string {
	return fmt.Sprintf("vendor '%s' produced no output within %s", e.Vendor, e.Timeout)
}

func (e *StreamTimeoutError) Unwrap() error {
	return ErrStreamTimeout
}

// ProviderError normalizes any vendor-SDK-level failure during streaming.
// The original message is preserved; the SDK-specific error type is never
// leaked to callers.
type ProviderError struct {
	Vendor  Vendor
	Message string // Error message from the vendor SDK
	Err     error  // Wrapped sentinel (ErrVendorFailure)
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("vendor '%s' error: %s", e.Vendor, e.Message)
}

func (e *ProviderError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrVendorFailure
}

// IsValidation checks if an error is a fail-fast request validation error.
func IsValidation(err error) bool {
	if err == nil {
		return false
	}
	var validationErr *ValidationError
	return errors.As(err, &validationErr) || errors.Is(err, ErrInvalidRequest)
}

// IsStreamTimeout checks if an error is an overall vendor-call timeout.
func IsStreamTimeout(err error) bool {
	return err != nil && errors.Is(err, ErrStreamTimeout)
}

// normalizeVendorErr wraps any vendor SDK error into a ProviderError,
// passing already-normalized errors through unchanged.
func normalizeVendorErr(vendor Vendor, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	var te *StreamTimeoutError
	if errors.As(err, &te) {
		return err
	}
	return &ProviderError{
		Vendor:  vendor,
		Message: err.Error(),
		Err:     fmt.Errorf("%w: %w", ErrVendorFailure, err),
	}
}
