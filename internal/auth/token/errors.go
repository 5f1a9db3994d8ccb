package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/pysugar/adops-nexus/internal/providers"
)

var (
	// ErrNotConnected means the account never authorized the provider.
	ErrNotConnected = errors.New("provider not connected")
	// ErrReauthorizationRequired means the credential cannot be refreshed
	// and the user must run the authorization flow again.
	ErrReauthorizationRequired = errors.New("reauthorization required")
	// ErrRetryable marks transient provider or network failures. The stored
	// credential is left untouched.
	ErrRetryable = errors.New("temporary provider failure")
	// ErrStoreUnavailable wraps persistence failures.
	ErrStoreUnavailable = errors.New("credential store unavailable")
	ErrUnknownProvider  = errors.New("unknown provider")
	ErrInvalidInput     = errors.New("invalid credential input")
)

// RefreshError describes a failed refresh in a provider-agnostic way. It
// never carries token values or provider response bodies.
type RefreshError struct {
	Provider   providers.ID
	Code       string
	HTTPStatus int
	Retryable  bool
	// RetryAfter is set when the provider asked for a back-off.
	RetryAfter time.Duration
	cause      error
}

func (e *RefreshError) Error() string {
	kind := "reauthorization required"
	if e.Retryable {
		kind = "temporary failure"
	}
	msg := fmt.Sprintf("refresh %s: %s", e.Provider, kind)
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.HTTPStatus != 0 {
		msg += fmt.Sprintf(" [http %d]", e.HTTPStatus)
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

func (e *RefreshError) Is(target error) bool {
	switch target {
	case ErrRetryable:
		return e.Retryable
	case ErrReauthorizationRequired:
		return !e.Retryable
	}
	return false
}

func (e *RefreshError) Unwrap() error { return e.cause }

func reauthError(provider providers.ID, code string) *RefreshError {
	return &RefreshError{Provider: provider, Code: code}
}

func retryableError(provider providers.ID, code string, cause error) *RefreshError {
	return &RefreshError{Provider: provider, Code: code, Retryable: true, cause: cause}
}

func storeError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}
