package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Base error types
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrRegistrationFailed = errors.New("registration failed")
	ErrSessionExpired     = errors.New("session expired")
	ErrPlanUpdateFailed   = errors.New("plan update failed")
	ErrCounterSyncFailed  = errors.New("counter sync failed")
	ErrNetwork            = errors.New("network error")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrNotAuthenticated   = errors.New("not authenticated")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeInvalidCredentials ErrorType = "invalid_credentials"
	ErrorTypeRegistration       ErrorType = "registration_failed"
	ErrorTypeSessionExpired     ErrorType = "session_expired"
	ErrorTypePlanUpdate         ErrorType = "plan_update_failed"
	ErrorTypeCounterSync        ErrorType = "counter_sync_failed"
	ErrorTypeNetwork            ErrorType = "network"
	ErrorTypeAuth               ErrorType = "unauthorized"
	ErrorTypeAPI                ErrorType = "api"
)

// AuthError is a structured error for identity, plan and usage operations.
type AuthError struct {
	Type       ErrorType
	Op         string // Operation that failed (e.g., "login", "increment_search_count")
	Err        error  // Underlying error
	StatusCode int    // HTTP status code if applicable
	Timestamp  time.Time
	Retryable  bool
}

func (e *AuthError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s failed (%s, status %d): %v", e.Op, e.Type, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s failed (%s): %v", e.Op, e.Type, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *AuthError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrInvalidCredentials:
		return e.Type == ErrorTypeInvalidCredentials
	case ErrRegistrationFailed:
		return e.Type == ErrorTypeRegistration
	case ErrSessionExpired:
		return e.Type == ErrorTypeSessionExpired
	case ErrPlanUpdateFailed:
		return e.Type == ErrorTypePlanUpdate
	case ErrCounterSyncFailed:
		return e.Type == ErrorTypeCounterSync
	case ErrNetwork:
		if e.Type == ErrorTypeNetwork {
			return true
		}
	case ErrUnauthorized:
		if e.Type == ErrorTypeAuth || e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden {
			return true
		}
	}

	return errors.Is(e.Err, target)
}

// New creates a new AuthError
func New(errorType ErrorType, op string, err error) *AuthError {
	return &AuthError{
		Type:      errorType,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(errorType, err),
	}
}

// WithStatusCode adds HTTP status code to the error
func (e *AuthError) WithStatusCode(code int) *AuthError {
	e.StatusCode = code
	if code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout {
		e.Retryable = true
	} else if code >= 400 && code < 500 {
		e.Retryable = false
	}
	return e
}

func isRetryable(errorType ErrorType, err error) bool {
	switch errorType {
	case ErrorTypeNetwork:
		return true
	case ErrorTypeCounterSync:
		return err != nil && errors.Is(err, ErrNetwork)
	default:
		return false
	}
}

// Collapse maps a failure at a call site onto that site's category, so a
// NetworkError during login surfaces as InvalidCredentials, during a plan
// change as PlanUpdateFailed, and so on. The original error stays wrapped.
func Collapse(op string, siteType ErrorType, err error) error {
	if err == nil {
		return nil
	}
	var authErr *AuthError
	if errors.As(err, &authErr) && authErr.Type == siteType {
		return err
	}
	collapsed := New(siteType, op, err)
	if errors.As(err, &authErr) {
		collapsed.StatusCode = authErr.StatusCode
		collapsed.Retryable = authErr.Retryable
	}
	return collapsed
}

// Helper functions

// WrapNetworkError wraps a transport failure with context
func WrapNetworkError(op string, err error) error {
	return New(ErrorTypeNetwork, op, err)
}

// WrapStatusError wraps a non-2xx response with context
func WrapStatusError(op string, statusCode int, detail string) error {
	errorType := ErrorTypeAPI
	if statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden {
		errorType = ErrorTypeAuth
	}
	detail = strings.TrimSpace(detail)
	if detail == "" {
		detail = http.StatusText(statusCode)
	}
	return New(errorType, op, errors.New(detail)).WithStatusCode(statusCode)
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Retryable
	}
	return errors.Is(err, ErrNetwork)
}

// IsAuthError reports whether the remote side rejected the credential itself
// (401/403), as opposed to a transport or server failure.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}

	var authErr *AuthError
	if errors.As(err, &authErr) {
		if authErr.Type == ErrorTypeAuth || authErr.Type == ErrorTypeSessionExpired {
			return true
		}
		if authErr.StatusCode == http.StatusUnauthorized || authErr.StatusCode == http.StatusForbidden {
			return true
		}
	}

	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrSessionExpired)
}

// TypeOf returns the outermost ErrorType in err's chain, or "" when none.
func TypeOf(err error) ErrorType {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Type
	}
	return ""
}
