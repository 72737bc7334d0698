package supervisor

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/subsentry/api/schemas"
	"github.com/xkilldash9x/subsentry/internal/classifier"
	"github.com/xkilldash9x/subsentry/internal/locale"
)

// execute walks the state sequence. It returns as soon as a state decides the
// outcome; Done is only marked when no error ended the run.
func (s *Supervisor) execute(ctx context.Context, rs *runState) (verdict, error) {
	s.enter(rs, schemas.StepStarting)
	if _, err := schemas.ParseAction(string(rs.req.Action)); err != nil {
		return verdict{}, schemas.NewRunError(schemas.ErrCodeNotActionable, err.Error(), nil)
	}

	if err := s.connect(ctx, rs); err != nil {
		return verdict{}, err
	}
	snap, err := s.navigate(ctx, rs)
	if err != nil {
		return verdict{}, err
	}
	if s.needsLogin(snap) {
		if snap, err = s.authenticate(ctx, rs); err != nil {
			return verdict{}, err
		}
	}
	s.detectLanguage(rs, snap)

	v, proceed, err := s.checkStatus(ctx, rs, snap)
	if err != nil || !proceed {
		if err == nil {
			s.enter(rs, schemas.StepDone)
		}
		return v, err
	}

	if err := s.act(ctx, rs); err != nil {
		return v, err
	}
	if err := s.confirmAction(ctx, rs); err != nil {
		return v, err
	}
	if v, err = s.verify(ctx, rs); err != nil {
		return v, err
	}
	s.enter(rs, schemas.StepDone)
	return v, nil
}

// -- Connecting --

func (s *Supervisor) connect(ctx context.Context, rs *runState) error {
	s.enter(rs, schemas.StepConnecting)
	acct := rs.req.Account

	lookup := rs.req.Lookup
	if lookup == nil && len(acct.AltProfile) > 0 {
		alts := append([]string(nil), acct.AltProfile...)
		lookup = schemas.IdentifierLookupFunc(func(context.Context, string) ([]string, error) {
			return alts, nil
		})
	}

	var drv schemas.Driver
	err := s.retry(ctx, rs, schemas.StepConnecting, s.connRetries+1, func() error {
		res, err := s.resolver.Resolve(ctx, acct.ProfileID, acct.Email, lookup, acct.Password, acct.TOTPSecret)
		if err != nil {
			var re *schemas.RunError
			if errors.As(err, &re) {
				rs.result.Attempts = mergeAttempts(rs.result.Attempts, re.Attempts)
			}
			return err
		}
		rs.result.Attempts = mergeAttempts(rs.result.Attempts, res.Attempts)
		rs.result.ProfileID = res.UsedID
		drv = res.Driver
		return nil
	})
	if err != nil {
		return err
	}
	if err := rs.drv.attach(ctx, drv); err != nil {
		return err
	}
	rs.drv.OnDialog(schemas.DefaultDialogPolicy())
	rs.log.Info("Browser session acquired.", zap.String("profile_id", rs.result.ProfileID))
	return nil
}

// mergeAttempts folds a resolution pass into the run's attempt list. An
// identifier tried again keeps its first position and takes the latest outcome.
func mergeAttempts(into, pass []schemas.ConnectionAttempt) []schemas.ConnectionAttempt {
	for _, a := range pass {
		replaced := false
		for i := range into {
			if into[i].Identifier == a.Identifier {
				into[i] = a
				replaced = true
				break
			}
		}
		if !replaced {
			into = append(into, a)
		}
	}
	return into
}

// -- Navigating --

func (s *Supervisor) navigate(ctx context.Context, rs *runState) (*schemas.PageSnapshot, error) {
	s.enter(rs, schemas.StepNavigating)
	if err := s.open(ctx, rs, schemas.StepNavigating); err != nil {
		return nil, err
	}
	s.lookupIP(ctx, rs)
	return s.snapshot(ctx, rs, schemas.StepNavigating)
}

// open loads the management page and lets it settle.
func (s *Supervisor) open(ctx context.Context, rs *runState, step schemas.Step) error {
	opts := schemas.NavigateOptions{WaitUntil: schemas.WaitDOMContentLoaded, Timeout: s.cfg.NavigationTimeout}
	err := s.retry(ctx, rs, step, s.cfg.StepRetries, func() error {
		return rs.drv.Navigate(ctx, s.cfg.ManagementURL, opts)
	})
	if err != nil {
		return driverFailure(err, "failed to open the management page")
	}
	return s.sleep(ctx, s.cfg.SettleDelay)
}

func (s *Supervisor) lookupIP(ctx context.Context, rs *runState) {
	ipCtx, cancel := context.WithTimeout(ctx, ipLookupTimeout)
	defer cancel()
	ip, err := rs.drv.PublicIP(ipCtx)
	if err != nil {
		rs.log.Debug("Browser IP unavailable.", zap.Error(err))
		return
	}
	rs.result.BrowserIP = ip
}

func (s *Supervisor) snapshot(ctx context.Context, rs *runState, step schemas.Step) (*schemas.PageSnapshot, error) {
	var snap *schemas.PageSnapshot
	err := s.retry(ctx, rs, step, s.cfg.StepRetries, func() error {
		var err error
		snap, err = rs.drv.Snapshot(ctx)
		return err
	})
	if err != nil {
		return nil, driverFailure(err, "failed to read the page")
	}
	return snap, nil
}

// refresh reloads the page and reads it again.
func (s *Supervisor) refresh(ctx context.Context, rs *runState, step schemas.Step) (*schemas.PageSnapshot, error) {
	err := s.retry(ctx, rs, step, s.cfg.StepRetries, func() error {
		return rs.drv.Reload(ctx)
	})
	if err != nil {
		return nil, driverFailure(err, "failed to reload the page")
	}
	if err := s.sleep(ctx, s.cfg.SettleDelay); err != nil {
		return nil, err
	}
	return s.snapshot(ctx, rs, step)
}

// -- Authenticating --

func (s *Supervisor) needsLogin(snap *schemas.PageSnapshot) bool {
	return s.auth != nil && s.auth.NeedsLogin(snap)
}

func (s *Supervisor) authenticate(ctx context.Context, rs *runState) (*schemas.PageSnapshot, error) {
	s.enter(rs, schemas.StepAuthenticating)
	creds := rs.req.Account.Credentials()

	for attempt := 0; ; attempt++ {
		res, err := s.auth.Login(ctx, rs.drv, creds)
		if err != nil {
			return nil, driverFailure(err, "login flow failed")
		}
		if res.Success {
			break
		}
		lerr := loginError(res)
		if lerr.Retryable() && attempt < s.cfg.CaptchaRetries {
			rs.log.Warn("Login challenge shown, reloading for another attempt.",
				zap.String("reason", string(res.Reason)), zap.Int("attempt", attempt+1))
			if err := rs.drv.Reload(ctx); err != nil {
				return nil, driverFailure(err, "failed to reload the login page")
			}
			if err := s.sleep(ctx, s.cfg.RetryBackoff); err != nil {
				return nil, err
			}
			continue
		}
		return nil, lerr
	}
	rs.log.Info("Login succeeded.", zap.String("provider", s.auth.Name()))

	if err := s.open(ctx, rs, schemas.StepAuthenticating); err != nil {
		return nil, err
	}
	snap, err := s.snapshot(ctx, rs, schemas.StepAuthenticating)
	if err != nil {
		return nil, err
	}
	if s.auth.NeedsLogin(snap) {
		return nil, schemas.NewRunError(schemas.ErrCodeLoginFailed, "login wall still shown after signing in", nil)
	}
	return snap, nil
}

// loginError maps a failed login to its error code.
func loginError(res schemas.LoginResult) *schemas.RunError {
	detail := res.Detail
	if detail == "" {
		detail = string(res.Reason)
	}
	switch res.Reason {
	case schemas.LoginReasonRecaptcha:
		return schemas.NewRunError(schemas.ErrCodeRecaptchaDetected, detail, nil)
	case schemas.LoginReasonImageCaptcha:
		return schemas.NewRunError(schemas.ErrCodeImageCaptchaDetected, detail, nil)
	case schemas.LoginReasonAccountLocked, schemas.LoginReasonAccountDisabled:
		return schemas.NewRunError(schemas.ErrCodeAccountLocked, detail, nil)
	default:
		return schemas.NewRunError(schemas.ErrCodeLoginFailed, detail, nil)
	}
}

// -- DetectingLanguage --

func (s *Supervisor) detectLanguage(rs *runState, snap *schemas.PageSnapshot) {
	s.enter(rs, schemas.StepDetectingLanguage)
	if code := rs.req.Account.Locale; code != "" {
		if t, ok := s.locales.Get(code); ok {
			rs.table = t
			rs.result.Locale = t.Code
			rs.log.Debug("Using the account's locale.", zap.String("locale", t.Code))
			return
		}
		rs.log.Warn("Account locale has no table, detecting instead.", zap.String("locale", code))
	}
	d := s.locales.Detect(snap.Lang, snap.Text)
	rs.table = d.Table
	rs.result.Locale = d.Table.Code
	rs.log.Info("Page language detected.",
		zap.String("locale", d.Table.Code), zap.String("source", string(d.Source)), zap.Int("hits", d.Hits))
}

// -- CheckingStatus --

// checkStatus classifies the page and decides whether the action is needed.
// An uncertain page, or a provisional Active page on a pause run, gets one
// refresh before it is reported for review.
func (s *Supervisor) checkStatus(ctx context.Context, rs *runState, snap *schemas.PageSnapshot) (verdict, bool, error) {
	s.enter(rs, schemas.StepCheckingStatus)
	action := rs.req.Action
	refreshed := false

	for {
		cls := s.classify(rs, snap)
		v := verdict{state: cls.State, provisional: cls.Provisional}

		switch cls.State {
		case schemas.StateActive:
			if action == schemas.ActionResume {
				v.outcome, v.success = schemas.OutcomeAlreadyActive, true
				return v, false, nil
			}
			if !cls.Provisional {
				return v, true, nil
			}
		case schemas.StatePaused:
			if action == schemas.ActionPause {
				v.outcome, v.success = schemas.OutcomeAlreadyPaused, true
				return v, false, nil
			}
			return v, true, nil
		case schemas.StatePauseScheduled:
			v.outcome = schemas.OutcomePauseScheduled
			if action == schemas.ActionPause {
				v.success = true
				return v, false, nil
			}
			return v, false, schemas.NewRunError(schemas.ErrCodeNotActionable,
				"a pause is scheduled and cannot be resumed before it starts", nil)
		case schemas.StateExpired:
			v.outcome = schemas.OutcomeExpired
			return v, false, schemas.NewRunError(schemas.ErrCodeSubscriptionExpired,
				fmt.Sprintf("membership has ended (%s)", cls.Evidence), nil)
		}

		if refreshed {
			v.outcome = schemas.OutcomeNeedsReview
			desc := string(cls.State)
			if cls.Provisional {
				desc = "provisionally " + desc
			}
			return v, false, schemas.NewRunError(schemas.ErrCodeClassificationUncertain,
				fmt.Sprintf("page still reads as %s after a refresh", desc), nil)
		}
		rs.log.Info("Page state is not conclusive, refreshing once.",
			zap.String("state", string(cls.State)), zap.Bool("provisional", cls.Provisional))
		refreshed = true

		var err error
		if snap, err = s.refresh(ctx, rs, schemas.StepCheckingStatus); err != nil {
			return v, false, err
		}
	}
}

// classify records a classification on the run and its result.
func (s *Supervisor) classify(rs *runState, snap *schemas.PageSnapshot) classifier.Classification {
	cls := s.classifier.ClassifySnapshot(snap, rs.table)
	rs.run.setResultState(cls.State)
	rs.result.State = cls.State
	rs.result.Provisional = cls.Provisional
	rs.result.SetDates(cls.Dates)
	rs.log.Info("Page classified.",
		zap.String("state", string(cls.State)),
		zap.Bool("provisional", cls.Provisional),
		zap.Stringer("rule", cls.Rule),
		zap.String("evidence", cls.Evidence),
		zap.Int("dates", len(cls.Dates)))
	return cls
}

// -- Acting --

func (s *Supervisor) act(ctx context.Context, rs *runState) error {
	s.enter(rs, schemas.StepActing)
	labels := rs.table.PauseLabels
	if rs.req.Action == schemas.ActionResume {
		labels = rs.table.ResumeLabels
	}

	var clicked schemas.Control
	err := s.retry(ctx, rs, schemas.StepActing, s.cfg.StepRetries, func() error {
		snap, err := rs.drv.Snapshot(ctx)
		if err != nil {
			return err
		}
		ctl, ok := findControl(snap, labels)
		if !ok {
			return schemas.NewRunError(schemas.ErrCodeDriverError,
				fmt.Sprintf("no visible %s control on the page", rs.req.Action), nil)
		}
		clicked = ctl
		return rs.drv.Click(ctx, ctl.Ref)
	})
	if err != nil {
		return driverFailure(err, "failed to activate the action control")
	}
	rs.log.Info("Action control clicked.", zap.String("label", clicked.Text))
	return s.sleep(ctx, s.cfg.SettleDelay)
}

// findControl prefers a control whose text equals a label over one that only
// starts with it.
func findControl(snap *schemas.PageSnapshot, labels []string) (schemas.Control, bool) {
	visible := snap.VisibleControls()
	for _, c := range visible {
		if locale.EqualsAnyLabel(c.Text, labels) {
			return c, true
		}
	}
	for _, c := range visible {
		if locale.MatchesAnyLabel(c.Text, labels) {
			return c, true
		}
	}
	return schemas.Control{}, false
}

// -- Confirming --

func (s *Supervisor) confirmAction(ctx context.Context, rs *runState) error {
	s.enter(rs, schemas.StepConfirming)
	res, err := s.confirm.Confirm(ctx, rs.drv, rs.table, rs.req.Action, s.cfg.ConfirmationTimeout)
	if err != nil {
		return driverFailure(err, "confirmation failed")
	}
	rs.result.SetDates(res.Dates)

	switch {
	case res.Confirmed:
		rs.log.Info("Action confirmed.", zap.String("label", res.Label), zap.Int("stages", res.Stages))
		return nil
	case res.Transitioned:
		rs.log.Info("Page changed state without a confirmation step.")
		return nil
	case res.Unresolved:
		return schemas.NewRunError(schemas.ErrCodeConfirmationUnresolved,
			"confirmation surface has no unambiguous control", nil)
	}
	return schemas.NewRunError(schemas.ErrCodeConfirmationTimeout,
		fmt.Sprintf("no confirmation within %s, page reads as %s", s.cfg.ConfirmationTimeout, res.State), nil)
}

// -- Verifying --

// verify polls the page until the action's post-condition holds. The page is
// reloaded once halfway through for sites that do not update in place.
func (s *Supervisor) verify(ctx context.Context, rs *runState) (verdict, error) {
	s.enter(rs, schemas.StepVerifying)
	action := rs.req.Action
	start := s.clock.Now()
	deadline := start.Add(s.cfg.VerifyTimeout)
	reloadAt := start.Add(s.cfg.VerifyTimeout / 2)
	reloaded := false

	for {
		snap, err := s.snapshot(ctx, rs, schemas.StepVerifying)
		if err != nil {
			return verdict{}, err
		}
		cls := s.classify(rs, snap)
		v := verdict{state: cls.State, provisional: cls.Provisional}
		if action.Satisfies(cls.State) {
			v.success = true
			v.outcome = schemas.OutcomePaused
			if action == schemas.ActionResume {
				v.outcome = schemas.OutcomeResumed
			}
			return v, nil
		}

		now := s.clock.Now()
		if !now.Before(deadline) {
			return v, schemas.NewRunError(schemas.ErrCodeVerificationMismatch,
				fmt.Sprintf("expected %v after %s, page reads as %s", action.ExpectedStates(), action, cls.State), nil)
		}
		if !reloaded && !now.Before(reloadAt) {
			reloaded = true
			if err := rs.drv.Reload(ctx); err != nil {
				return v, driverFailure(err, "failed to reload while verifying")
			}
		}
		if err := s.sleep(ctx, s.cfg.ConfirmationPoll); err != nil {
			return v, err
		}
	}
}
