package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnsupportedPair     = errors.New("no route or provider for language pair")
	ErrRateLimited         = errors.New("rate limit exceeded")
	ErrNoProvider          = errors.New("no provider available")
	ErrProviderNotFound    = errors.New("provider not found")
	ErrInvalidProvider     = errors.New("invalid provider definition")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrModelLoadFailed     = errors.New("model failed to load")
	ErrCacheMiss           = errors.New("cache miss")
	ErrStorageUnavailable  = errors.New("storage unavailable")
	ErrQueueItemCancelled  = errors.New("queued request cancelled")
	ErrTranslationRejected = errors.New("translation rejected by backend")
)

// ErrorKind classifies a failure for callers that render user-facing
// messages without a stack trace.
type ErrorKind string

const (
	KindUnsupported         ErrorKind = "unsupported"
	KindRateLimited         ErrorKind = "rate_limited"
	KindProviderUnavailable ErrorKind = "provider_unavailable"
	KindBackendFailure      ErrorKind = "backend_failure"
	KindLoadFailure         ErrorKind = "load_failure"
)

// TranslateError carries enough structure for the API layer to render a
// remediation hint alongside the failure.
type TranslateError struct {
	Kind        ErrorKind
	Message     string
	Remediation string
	Retryable   bool
	// RetryAfter is the backend-advertised wait, when one was given.
	RetryAfter time.Duration
	Err        error
}

func (e *TranslateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *TranslateError) Unwrap() error {
	return e.Err
}

// NewTranslateError wraps err with a kind and a human message.
func NewTranslateError(kind ErrorKind, message string, err error) *TranslateError {
	return &TranslateError{
		Kind:        kind,
		Message:     message,
		Remediation: defaultRemediation(kind),
		Retryable:   kind == KindRateLimited || kind == KindBackendFailure,
		Err:         err,
	}
}

func defaultRemediation(kind ErrorKind) string {
	switch kind {
	case KindUnsupported:
		return "choose a different language pair or register a provider that supports it"
	case KindRateLimited:
		return "wait for the rate window to reset and retry"
	case KindProviderUnavailable:
		return "check provider health and credentials, or enable another provider"
	case KindBackendFailure:
		return "retry the request; if it persists, check the backend's status page"
	case KindLoadFailure:
		return "free device memory or switch to a network provider"
	default:
		return ""
	}
}

// IsRetryable reports whether err may succeed on a later attempt.
// Authentication and quota failures are never retryable.
func IsRetryable(err error) bool {
	var te *TranslateError
	if errors.As(err, &te) {
		return te.Retryable
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	return false
}

// RetryAfter extracts a backend-advertised wait from err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var te *TranslateError
	if errors.As(err, &te) && te.RetryAfter > 0 {
		return te.RetryAfter, true
	}
	return 0, false
}
