// Package supervisor drives one account through the membership management
// page: connect, read the state, act, confirm and verify. Every run is bounded
// by a hard timeout and watched for stagnation.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/xkilldash9x/subsentry/api/schemas"
	"github.com/xkilldash9x/subsentry/internal/classifier"
	"github.com/xkilldash9x/subsentry/internal/config"
	"github.com/xkilldash9x/subsentry/internal/confirmation"
	"github.com/xkilldash9x/subsentry/internal/connection"
	"github.com/xkilldash9x/subsentry/internal/dates"
	"github.com/xkilldash9x/subsentry/internal/locale"
	"github.com/xkilldash9x/subsentry/internal/observability"
)

const (
	releaseTimeout    = 10 * time.Second
	screenshotTimeout = 10 * time.Second
	ipLookupTimeout   = 10 * time.Second
)

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// Observer receives run lifecycle events. Implementations must not block.
type Observer interface {
	StepEntered(run schemas.WorkflowRun)
	RunFinished(res *schemas.RunResult)
}

// Request is one run of one account.
type Request struct {
	Account schemas.Account
	Action  schemas.Action
	// Lookup supplies fallback profile identifiers. When nil the account's
	// AltProfile list is used.
	Lookup schemas.IdentifierLookup
	// Timeout overrides the configured hard timeout when positive.
	Timeout time.Duration
	// Debug captures a screenshot on entry to every step once a page is open.
	Debug bool
}

// Supervisor runs workflows. It holds no per-run state and is safe for
// concurrent use; every Run gets its own record, driver and timers.
type Supervisor struct {
	cfg         config.WorkflowConfig
	years       config.DatesConfig
	shotDir     string
	connRetries int

	resolver   *connection.Resolver
	classifier *classifier.Classifier
	confirm    *confirmation.Handler
	locales    *locale.Registry
	auth       schemas.AuthProvider
	clock      clockwork.Clock
	logger     *zap.Logger
	observer   Observer
}

// Option customises a Supervisor.
type Option func(*Supervisor)

// WithClock replaces the real clock, mainly for tests.
func WithClock(c clockwork.Clock) Option {
	return func(s *Supervisor) { s.clock = c }
}

// WithObserver registers an Observer.
func WithObserver(o Observer) Option {
	return func(s *Supervisor) { s.observer = o }
}

// New builds a Supervisor. auth may be nil when every profile is expected to
// be signed in already; a login wall then fails the run.
func New(cfg *config.Config, connector schemas.Connector, auth schemas.AuthProvider, locales *locale.Registry, logger *zap.Logger, opts ...Option) *Supervisor {
	if logger == nil {
		logger = observability.GetLogger()
	}
	if locales == nil {
		locales = locale.Default()
	}
	s := &Supervisor{
		cfg:         cfg.Workflow,
		years:       cfg.Dates,
		shotDir:     cfg.Browser.ScreenshotDir,
		connRetries: cfg.Connection.Retries,
		locales:     locales,
		auth:        auth,
		clock:       clockwork.NewRealClock(),
		logger:      logger.Named("supervisor"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.applyDefaults()

	dr := dates.NewResolver(dates.WithYearWindow(s.years.MinYear, s.years.MaxYear), dates.WithClock(s.clock))
	s.classifier = classifier.New(dr)
	s.resolver = connection.NewResolver(connector, logger, s.clock)
	s.confirm = confirmation.NewHandler(s.classifier, dr, s.clock, logger, confirmation.Options{
		PollInterval: s.cfg.ConfirmationPoll,
		MaxStages:    s.cfg.ConfirmationStages,
	})
	return s
}

// applyDefaults fills zero values so a partially populated config still
// yields bounded runs.
func (s *Supervisor) applyDefaults() {
	d := config.NewDefaultConfig().Workflow
	if s.cfg.ManagementURL == "" {
		s.cfg.ManagementURL = d.ManagementURL
	}
	if s.cfg.HardTimeout <= 0 {
		s.cfg.HardTimeout = d.HardTimeout
	}
	if s.cfg.StagnationPoll <= 0 {
		s.cfg.StagnationPoll = d.StagnationPoll
	}
	if s.cfg.StagnationRefresh <= 0 {
		s.cfg.StagnationRefresh = d.StagnationRefresh
	}
	if s.cfg.StagnationSkip <= 0 {
		s.cfg.StagnationSkip = d.StagnationSkip
	}
	if s.cfg.StepRetries <= 0 {
		s.cfg.StepRetries = d.StepRetries
	}
	if s.cfg.VerifyTimeout <= 0 {
		s.cfg.VerifyTimeout = d.VerifyTimeout
	}
	if s.cfg.ConfirmationTimeout <= 0 {
		s.cfg.ConfirmationTimeout = d.ConfirmationTimeout
	}
	if s.cfg.ConfirmationPoll <= 0 {
		s.cfg.ConfirmationPoll = d.ConfirmationPoll
	}
	if s.connRetries < 0 {
		s.connRetries = 0
	}
	if s.years.MinYear <= 0 || s.years.MaxYear < s.years.MinYear {
		s.years = config.NewDefaultConfig().Dates
	}
}

// runState is everything one run carries between steps.
type runState struct {
	req    Request
	run    *liveRun
	drv    *guardedDriver
	log    *zap.Logger
	result *schemas.RunResult
	table  *locale.Table
}

// verdict is how the step sequence ended, independent of any error.
type verdict struct {
	outcome     schemas.Outcome
	success     bool
	state       schemas.SubscriptionState
	provisional bool
}

// Run executes one workflow and always returns a result. The browser is
// released before Run returns, whatever the terminal state.
func (s *Supervisor) Run(ctx context.Context, req Request) *schemas.RunResult {
	runID := uuid.NewString()
	run := newLiveRun(runID, req, s.clock, s.observer)
	log := observability.ForRun(s.logger, runID, req.Account.ID, string(req.Action))
	rs := &runState{
		req: req,
		run: run,
		drv: newGuardedDriver(run, log),
		log: log,
		result: &schemas.RunResult{
			RunID:     runID,
			AccountID: req.Account.ID,
			Action:    req.Action,
			ProfileID: req.Account.ProfileID,
			StartedAt: run.startedAt,
		},
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	timeout := s.cfg.HardTimeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	stopTimers := s.startTimers(runCtx, cancel, rs, timeout)

	v, err := s.execute(runCtx, rs)
	if err != nil && !run.aborted() {
		s.capture(rs, "failure")
	}
	err = s.normalize(ctx, err)
	if !run.finish(statusFor(v, err)) {
		log.Debug("Run already ended by a timer.", zap.String("status", string(run.currentStatus())))
	}
	stopTimers()

	relCtx, relCancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	_ = rs.drv.release(relCtx)
	relCancel()

	res := s.finalize(rs, v, err)
	if s.observer != nil {
		s.observer.RunFinished(res)
	}
	return res
}

// normalize tags errors caused by the caller's context.
func (s *Supervisor) normalize(parent context.Context, err error) error {
	if err == nil || parent.Err() == nil {
		return err
	}
	var re *schemas.RunError
	if errors.As(err, &re) && re.Code == schemas.ErrCodeCanceled {
		return err
	}
	return schemas.NewRunError(schemas.ErrCodeCanceled, "run canceled by caller", err)
}

// finalize turns the run record, verdict and error into the result record.
func (s *Supervisor) finalize(rs *runState, v verdict, err error) *schemas.RunResult {
	res := rs.result
	status := rs.run.currentStatus()
	res.Status = status
	res.LastStep = rs.run.currentStep()
	res.Refreshes = int(rs.run.refreshes.Load())
	res.DurationMs = s.clock.Since(rs.run.startedAt).Milliseconds()
	if v.state != "" {
		res.State = v.state
		res.Provisional = v.provisional
	}
	if res.State == "" {
		res.State = schemas.StateUncertain
	}

	switch status {
	case schemas.RunTimedOut:
		res.Outcome = schemas.OutcomeTimedOut
		res.Error = &schemas.ResultError{Code: schemas.ErrCodeWorkflowTimedOut,
			Detail: fmt.Sprintf("run exceeded its time limit during %s", res.LastStep)}
	case schemas.RunSkipped:
		res.Outcome = schemas.OutcomeSkipped
		res.Error = &schemas.ResultError{Code: schemas.ErrCodeStagnationSkipped,
			Detail: fmt.Sprintf("no progress during %s", res.LastStep)}
	default:
		res.Success = err == nil && v.success
		res.Outcome = v.outcome
		if err != nil {
			code := schemas.CodeOf(err)
			if res.Outcome == "" {
				res.Outcome = outcomeFor(code)
			}
			res.Error = &schemas.ResultError{Code: code, Detail: err.Error()}
		}
		if res.Outcome == "" {
			res.Outcome = schemas.OutcomeFailed
		}
	}

	fields := []zap.Field{
		zap.String("outcome", string(res.Outcome)),
		zap.String("status", string(res.Status)),
		zap.String("state", string(res.State)),
		zap.Int64("duration_ms", res.DurationMs),
	}
	if res.Error != nil {
		rs.log.Warn("Run finished without success.", append(fields, zap.String("code", string(res.Error.Code)), zap.String("detail", res.Error.Detail))...)
	} else {
		rs.log.Info("Run finished.", fields...)
	}
	return res
}

// enter marks progress into step. Debug runs also capture the page.
func (s *Supervisor) enter(rs *runState, step schemas.Step) {
	rs.run.markProgress(step)
	rs.log.Debug("Entering step.", zap.String("step", string(step)))
	if rs.req.Debug || s.cfg.Debug {
		s.capture(rs, string(step))
	}
}

// capture saves a screenshot into the configured directory. Failures are only
// logged.
func (s *Supervisor) capture(rs *runState, label string) {
	if s.shotDir == "" || !rs.drv.attached() || rs.run.aborted() {
		return
	}
	if err := os.MkdirAll(s.shotDir, 0o755); err != nil {
		rs.log.Warn("Cannot create screenshot directory.", zap.Error(err))
		return
	}
	name := fmt.Sprintf("%s_%s_%s.png",
		unsafeFileChars.ReplaceAllString(rs.req.Account.ID, "_"),
		rs.run.id[:8],
		unsafeFileChars.ReplaceAllString(label, "_"))
	path := filepath.Join(s.shotDir, name)

	ctx, cancel := context.WithTimeout(context.Background(), screenshotTimeout)
	defer cancel()
	if err := rs.drv.Screenshot(ctx, path); err != nil {
		rs.log.Warn("Screenshot failed.", zap.String("path", path), zap.Error(err))
		return
	}
	rs.result.Screenshots = append(rs.result.Screenshots, path)
}

// sleep waits d on the supervisor clock.
func (s *Supervisor) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.clock.After(d):
		return nil
	}
}

// retry runs op up to attempts times. Only retryable failures are repeated,
// and the run context keeps counting down across attempts.
func (s *Supervisor) retry(ctx context.Context, rs *runState, step schemas.Step, attempts int, op func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	for i := 1; ; i++ {
		err := op()
		if err == nil {
			return nil
		}
		if i >= attempts || ctx.Err() != nil || !schemas.IsRetryable(err) {
			return err
		}
		rs.log.Warn("Step operation failed, retrying.",
			zap.String("step", string(step)), zap.Int("attempt", i), zap.Error(err))
		if werr := s.sleep(ctx, s.cfg.RetryBackoff); werr != nil {
			return werr
		}
	}
}

// driverFailure wraps untyped driver errors. Typed errors, cancellation and
// aborts pass through unchanged.
func driverFailure(err error, detail string) error {
	var re *schemas.RunError
	if errors.As(err, &re) ||
		errors.Is(err, schemas.ErrRunAborted) ||
		errors.Is(err, context.Canceled) {
		return err
	}
	return schemas.NewRunError(schemas.ErrCodeDriverError, detail, err)
}
