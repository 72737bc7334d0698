package schemas

import (
	"errors"
	"fmt"
)

// ErrorCode is the tag of the run error union. Every code maps to exactly one
// outcome at the supervisor boundary.
type ErrorCode string

const (
	// -- Connection --
	ErrCodeConnectionExhausted ErrorCode = "CONNECTION_EXHAUSTED"
	ErrCodeConnectionFailed    ErrorCode = "CONNECTION_FAILED"

	// -- Authentication --
	ErrCodeLoginFailed          ErrorCode = "LOGIN_FAILED"
	ErrCodeRecaptchaDetected    ErrorCode = "RECAPTCHA_DETECTED"
	ErrCodeImageCaptchaDetected ErrorCode = "IMAGE_CAPTCHA_DETECTED"
	ErrCodeAccountLocked        ErrorCode = "ACCOUNT_LOCKED"

	// -- Page state --
	ErrCodeSubscriptionExpired     ErrorCode = "SUBSCRIPTION_EXPIRED"
	ErrCodeClassificationUncertain ErrorCode = "CLASSIFICATION_UNCERTAIN"
	ErrCodeNotActionable           ErrorCode = "NOT_ACTIONABLE"
	ErrCodeConfirmationTimeout     ErrorCode = "CONFIRMATION_TIMEOUT"
	ErrCodeConfirmationUnresolved  ErrorCode = "CONFIRMATION_UNRESOLVED"
	ErrCodeVerificationMismatch    ErrorCode = "VERIFICATION_MISMATCH"

	// -- Run supervision --
	ErrCodeWorkflowTimedOut  ErrorCode = "WORKFLOW_TIMED_OUT"
	ErrCodeStagnationSkipped ErrorCode = "STAGNATION_SKIPPED"
	ErrCodeCanceled          ErrorCode = "CANCELED"

	// -- Driver --
	ErrCodeDriverError ErrorCode = "DRIVER_ERROR"
)

// String implements fmt.Stringer.
func (c ErrorCode) String() string { return string(c) }

// Retryable reports whether a failure with this code may be attempted again
// within the same state.
func (c ErrorCode) Retryable() bool {
	switch c {
	case ErrCodeImageCaptchaDetected, ErrCodeDriverError, ErrCodeConnectionFailed:
		return true
	}
	return false
}

// Sentinel errors shared between the driver, connectors and the supervisor.
var (
	// ErrIdentifierUnknown is returned by connectors when the identifier does not
	// name any browser profile. It is the only failure that triggers fallback search.
	ErrIdentifierUnknown = errors.New("connection identifier unknown")
	// ErrRunAborted is returned by guarded drivers once a run reached TimedOut or Skipped.
	ErrRunAborted = errors.New("run aborted")
	// ErrDriverClosed is returned by drivers after Close.
	ErrDriverClosed = errors.New("driver closed")
	// ErrControlNotFound is returned when a control reference no longer resolves.
	ErrControlNotFound = errors.New("control not found")
	// ErrAccountNotFound is returned by account directories for unknown IDs.
	ErrAccountNotFound = errors.New("account not found")
)

// RunError is the typed failure carried from any state to the supervisor.
type RunError struct {
	Code   ErrorCode
	Detail string
	Err    error
	// Attempts is populated for connection failures.
	Attempts []ConnectionAttempt
}

// NewRunError builds a RunError. err may be nil.
func NewRunError(code ErrorCode, detail string, err error) *RunError {
	return &RunError{Code: code, Detail: detail, Err: err}
}

// Error implements the error interface.
func (e *RunError) Error() string {
	switch {
	case e.Detail != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Detail, e.Err)
	case e.Detail != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

// Unwrap exposes the cause.
func (e *RunError) Unwrap() error { return e.Err }

// Retryable reports whether the error may be retried locally.
func (e *RunError) Retryable() bool { return e.Code.Retryable() }

// CodeOf extracts the error code from err. Errors that are not RunErrors are
// reported as driver errors, which is how untyped failures surface from chromedp.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var re *RunError
	if errors.As(err, &re) {
		return re.Code
	}
	if errors.Is(err, ErrRunAborted) {
		return ErrCodeCanceled
	}
	return ErrCodeDriverError
}

// IsRetryable reports whether err should be retried within a state.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrRunAborted) || errors.Is(err, ErrDriverClosed) {
		return false
	}
	return CodeOf(err).Retryable()
}
