package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/subsentry/api/schemas"
	"github.com/xkilldash9x/subsentry/internal/mocks"
)

func TestLiveRun_ProgressIsMonotonic(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	r := newLiveRun("run-1", Request{Account: testAccount(), Action: schemas.ActionPause}, clock, nil)
	assert.Equal(t, epoch, r.lastProgressAt().UTC())

	clock.Advance(time.Minute)
	r.markProgress(schemas.StepConnecting)
	assert.Equal(t, epoch.Add(time.Minute), r.lastProgressAt().UTC())
	assert.Equal(t, schemas.StepConnecting, r.currentStep())

	// A stale timestamp never moves the mark backwards.
	future := epoch.Add(time.Hour).UnixNano()
	r.lastProgress.Store(future)
	r.markProgress(schemas.StepNavigating)
	assert.Equal(t, future, r.lastProgress.Load())
	assert.Equal(t, schemas.StepNavigating, r.currentStep())
}

func TestLiveRun_FinishOnce(t *testing.T) {
	r := newLiveRun("run-1", Request{Account: testAccount()}, clockwork.NewFakeClock(), nil)
	assert.False(t, r.aborted())

	require.True(t, r.finish(schemas.RunSkipped))
	assert.False(t, r.finish(schemas.RunTimedOut))
	assert.False(t, r.finish(schemas.RunSucceeded))
	assert.Equal(t, schemas.RunSkipped, r.currentStatus())
	assert.True(t, r.aborted())

	view := r.view()
	assert.Equal(t, "run-1", view.RunID)
	assert.Equal(t, "acct-1", view.AccountID)
	assert.Equal(t, schemas.RunSkipped, view.Status)
}

func TestGuardedDriver(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	t.Run("NoDriverYet", func(t *testing.T) {
		g := newGuardedDriver(newLiveRun("r", Request{}, clockwork.NewFakeClock(), nil), logger)
		assert.False(t, g.attached())
		assert.ErrorIs(t, g.Reload(ctx), schemas.ErrDriverClosed)
		assert.NoError(t, g.release(ctx))
	})

	t.Run("AbortStopsCallsBeforeTheDriver", func(t *testing.T) {
		r := newLiveRun("r", Request{}, clockwork.NewFakeClock(), nil)
		g := newGuardedDriver(r, logger)
		drv := mocks.NewFakeDriver(activePage())
		require.NoError(t, g.attach(ctx, drv))
		require.NoError(t, g.Navigate(ctx, managementURL, schemas.NavigateOptions{}))

		r.finish(schemas.RunTimedOut)
		assert.ErrorIs(t, g.Navigate(ctx, managementURL, schemas.NavigateOptions{}), schemas.ErrRunAborted)
		_, err := g.Snapshot(ctx)
		assert.ErrorIs(t, err, schemas.ErrRunAborted)
		assert.ErrorIs(t, g.Click(ctx, "pause"), schemas.ErrRunAborted)
		assert.Equal(t, 1, drv.CallCount("Navigate"))
		assert.Zero(t, drv.CallCount("Snapshot"))
	})

	t.Run("ReleaseClosesOnce", func(t *testing.T) {
		g := newGuardedDriver(newLiveRun("r", Request{}, clockwork.NewFakeClock(), nil), logger)
		drv := mocks.NewFakeDriver(activePage())
		require.NoError(t, g.attach(ctx, drv))
		assert.True(t, g.attached())

		require.NoError(t, g.release(ctx))
		require.NoError(t, g.release(ctx))
		require.NoError(t, g.Close(ctx))
		assert.Equal(t, 1, drv.CloseCount())
		assert.False(t, g.attached())
		assert.ErrorIs(t, g.Reload(ctx), schemas.ErrDriverClosed)
		assert.Empty(t, drv.CallsAfterClose())
	})

	t.Run("AttachAfterAbortClosesDriver", func(t *testing.T) {
		r := newLiveRun("r", Request{}, clockwork.NewFakeClock(), nil)
		g := newGuardedDriver(r, logger)
		r.finish(schemas.RunSkipped)

		drv := mocks.NewFakeDriver(nil)
		assert.ErrorIs(t, g.attach(ctx, drv), schemas.ErrRunAborted)
		assert.Equal(t, 1, drv.CloseCount())
	})

	t.Run("PublicIP", func(t *testing.T) {
		g := newGuardedDriver(newLiveRun("r", Request{}, clockwork.NewFakeClock(), nil), logger)
		drv := mocks.NewFakeDriver(nil)
		drv.IP = "198.51.100.1"
		require.NoError(t, g.attach(ctx, drv))

		ip, err := g.PublicIP(ctx)
		require.NoError(t, err)
		assert.Equal(t, "198.51.100.1", ip)
	})
}

func TestOutcomeFor(t *testing.T) {
	codes := map[schemas.ErrorCode]schemas.Outcome{
		schemas.ErrCodeConnectionExhausted:     schemas.OutcomeFailed,
		schemas.ErrCodeConnectionFailed:        schemas.OutcomeFailed,
		schemas.ErrCodeLoginFailed:             schemas.OutcomeFailed,
		schemas.ErrCodeRecaptchaDetected:       schemas.OutcomeFailed,
		schemas.ErrCodeImageCaptchaDetected:    schemas.OutcomeFailed,
		schemas.ErrCodeAccountLocked:           schemas.OutcomeFailed,
		schemas.ErrCodeSubscriptionExpired:     schemas.OutcomeExpired,
		schemas.ErrCodeClassificationUncertain: schemas.OutcomeNeedsReview,
		schemas.ErrCodeNotActionable:           schemas.OutcomeFailed,
		schemas.ErrCodeConfirmationTimeout:     schemas.OutcomeFailed,
		schemas.ErrCodeConfirmationUnresolved:  schemas.OutcomeNeedsReview,
		schemas.ErrCodeVerificationMismatch:    schemas.OutcomeFailed,
		schemas.ErrCodeWorkflowTimedOut:        schemas.OutcomeTimedOut,
		schemas.ErrCodeStagnationSkipped:       schemas.OutcomeSkipped,
		schemas.ErrCodeCanceled:                schemas.OutcomeFailed,
		schemas.ErrCodeDriverError:             schemas.OutcomeFailed,
	}
	for code, want := range codes {
		assert.Equal(t, want, outcomeFor(code), code)
	}
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, schemas.RunSucceeded, statusFor(verdict{success: true}, nil))
	assert.Equal(t, schemas.RunFailed, statusFor(verdict{}, nil))
	assert.Equal(t, schemas.RunFailed, statusFor(verdict{success: true},
		schemas.NewRunError(schemas.ErrCodeVerificationMismatch, "", nil)))
	assert.Equal(t, schemas.RunSkipped, statusFor(verdict{},
		schemas.NewRunError(schemas.ErrCodeStagnationSkipped, "", nil)))
}

func TestLoginError(t *testing.T) {
	err := loginError(schemas.LoginResult{Reason: schemas.LoginReasonImageCaptcha})
	assert.Equal(t, schemas.ErrCodeImageCaptchaDetected, err.Code)
	assert.True(t, err.Retryable())
	assert.Equal(t, "image_captcha", err.Detail)

	err = loginError(schemas.LoginResult{Reason: schemas.LoginReasonRecaptcha, Detail: "recaptcha challenge shown"})
	assert.False(t, err.Retryable())
	assert.Equal(t, "recaptcha challenge shown", err.Detail)
}

func TestMergeAttempts(t *testing.T) {
	at := func(id string, o schemas.AttemptOutcome) schemas.ConnectionAttempt {
		return schemas.ConnectionAttempt{Identifier: id, Outcome: o}
	}
	first := mergeAttempts(nil, []schemas.ConnectionAttempt{at("p1", schemas.AttemptError)})
	got := mergeAttempts(first, []schemas.ConnectionAttempt{
		at("p1", schemas.AttemptNotFound),
		at("p2", schemas.AttemptSuccess),
	})

	assert.Equal(t, []schemas.ConnectionAttempt{
		at("p1", schemas.AttemptNotFound),
		at("p2", schemas.AttemptSuccess),
	}, got)
}
