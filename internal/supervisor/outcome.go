package supervisor

import "github.com/xkilldash9x/subsentry/api/schemas"

// outcomeFor maps an error code to the outcome reported when the failing
// state did not set one itself.
func outcomeFor(code schemas.ErrorCode) schemas.Outcome {
	switch code {
	case schemas.ErrCodeWorkflowTimedOut:
		return schemas.OutcomeTimedOut
	case schemas.ErrCodeStagnationSkipped:
		return schemas.OutcomeSkipped
	case schemas.ErrCodeSubscriptionExpired:
		return schemas.OutcomeExpired
	case schemas.ErrCodeClassificationUncertain, schemas.ErrCodeConfirmationUnresolved:
		return schemas.OutcomeNeedsReview
	case schemas.ErrCodeConnectionExhausted,
		schemas.ErrCodeConnectionFailed,
		schemas.ErrCodeLoginFailed,
		schemas.ErrCodeRecaptchaDetected,
		schemas.ErrCodeImageCaptchaDetected,
		schemas.ErrCodeAccountLocked,
		schemas.ErrCodeNotActionable,
		schemas.ErrCodeConfirmationTimeout,
		schemas.ErrCodeVerificationMismatch,
		schemas.ErrCodeCanceled,
		schemas.ErrCodeDriverError:
		return schemas.OutcomeFailed
	}
	return schemas.OutcomeFailed
}

// statusFor is the terminal status of a run that no timer ended.
func statusFor(v verdict, err error) schemas.RunStatus {
	if err == nil && v.success {
		return schemas.RunSucceeded
	}
	switch schemas.CodeOf(err) {
	case schemas.ErrCodeWorkflowTimedOut:
		return schemas.RunTimedOut
	case schemas.ErrCodeStagnationSkipped:
		return schemas.RunSkipped
	}
	return schemas.RunFailed
}
