package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/subsentry/api/schemas"
	"github.com/xkilldash9x/subsentry/internal/locale"
)

const (
	emailSelector    = `input[type="email"]`
	passwordSelector = `input[type="password"]`
	totpSelector     = `input[autocomplete="one-time-code"], input[name="totpPin"]`

	defaultPollInterval = time.Second
)

// probeScript reports which login fields and challenges are on screen.
const probeScript = `(() => {
  const shown = (sel) => Array.from(document.querySelectorAll(sel)).some((el) => {
    const r = el.getBoundingClientRect();
    const s = window.getComputedStyle(el);
    return r.width > 0 && r.height > 0 && s.visibility !== 'hidden' && s.display !== 'none';
  });
  return {
    email: shown('` + emailSelector + `'),
    password: shown('` + passwordSelector + `'),
    totp: shown('` + totpSelector + `'),
    recaptcha: !!document.querySelector('iframe[src*="recaptcha"], .g-recaptcha, #recaptcha'),
    imageCaptcha: !!document.querySelector('img#captchaimg, img[src*="Captcha"]'),
  };
})()`

type probe struct {
	Email        bool `json:"email"`
	Password     bool `json:"password"`
	TOTP         bool `json:"totp"`
	Recaptcha    bool `json:"recaptcha"`
	ImageCaptcha bool `json:"imageCaptcha"`
}

// Challenge phrases in the supported page languages.
var (
	lockedPhrases = []string{
		"account has been locked", "your account is locked", "konto wurde gesperrt",
		"compte a été verrouillé", "cuenta está bloqueada", "conta foi bloqueada", "account è stato bloccato",
	}
	disabledPhrases = []string{
		"account has been disabled", "account disabled", "konto wurde deaktiviert",
		"compte a été désactivé", "cuenta se ha inhabilitado", "conta foi desativada", "account è stato disattivato",
	}
	invalidPhrases = []string{
		"wrong password", "couldn't find your", "falsches passwort", "mot de passe incorrect",
		"contraseña incorrecta", "senha incorreta", "password errata",
	}
	imageCaptchaPhrases = []string{
		"type the text you hear or see", "enter the characters you see", "gib den text ein, den du hörst oder siehst",
	}
	submitLabels = []string{
		"next", "sign in", "log in", "continue", "verify", "weiter", "anmelden", "suivant", "se connecter",
		"siguiente", "iniciar sesión", "avançar", "próxima", "fazer login", "avanti", "accedi",
	}
)

// PasswordProvider signs in through the form: email, password and, when the
// account carries a TOTP secret, a one-time code.
type PasswordProvider struct {
	detector *detector
	clock    clockwork.Clock
	logger   *zap.Logger
	timeout  time.Duration
	poll     time.Duration
}

// NewPasswordProvider creates a PasswordProvider. A zero timeout uses
// DefaultLoginTimeout.
func NewPasswordProvider(registry *locale.Registry, clock clockwork.Clock, logger *zap.Logger, timeout time.Duration) *PasswordProvider {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if timeout <= 0 {
		timeout = DefaultLoginTimeout
	}
	return &PasswordProvider{
		detector: newDetector(registry),
		clock:    clock,
		logger:   logger.Named("auth_password"),
		timeout:  timeout,
		poll:     defaultPollInterval,
	}
}

func (p *PasswordProvider) Name() string { return ProviderPassword }

func (p *PasswordProvider) NeedsLogin(snap *schemas.PageSnapshot) bool {
	return p.detector.needsLogin(snap)
}

// Login walks the sign-in form until the login wall is gone, a challenge
// appears, or the login timeout passes. Driver failures are returned as
// errors; everything the page says is reported in the result.
func (p *PasswordProvider) Login(ctx context.Context, drv schemas.Driver, creds schemas.Credentials) (schemas.LoginResult, error) {
	if creds.Email == "" || creds.Password == "" {
		return fail(schemas.LoginReasonInvalidCredentials, "account has no email or password"), nil
	}
	deadline := p.clock.Now().Add(p.timeout)
	var emailDone, passwordDone, totpDone bool

	for {
		var pr probe
		if err := drv.Evaluate(ctx, probeScript, &pr); err != nil {
			return schemas.LoginResult{}, fmt.Errorf("failed to probe login form: %w", err)
		}
		snap, err := drv.Snapshot(ctx)
		if err != nil {
			return schemas.LoginResult{}, err
		}

		if res, stop := challenge(pr, snap); stop {
			p.logger.Warn("Login stopped by a challenge.", zap.String("reason", string(res.Reason)))
			return res, nil
		}
		if !pr.Email && !pr.Password && !pr.TOTP && !p.NeedsLogin(snap) {
			p.logger.Info("Login completed.")
			return schemas.LoginResult{Success: true}, nil
		}

		switch {
		case pr.TOTP && !totpDone:
			if creds.TOTPSecret == "" {
				return fail(schemas.LoginReasonUnknown, "second factor required but no TOTP secret is configured"), nil
			}
			code, err := totp.GenerateCode(creds.TOTPSecret, p.clock.Now())
			if err != nil {
				return fail(schemas.LoginReasonInvalidCredentials, "invalid TOTP secret"), nil
			}
			if err := p.submitField(ctx, drv, totpSelector, code); err != nil {
				return schemas.LoginResult{}, err
			}
			totpDone = true
		case pr.Password && !passwordDone:
			if err := p.submitField(ctx, drv, passwordSelector, creds.Password); err != nil {
				return schemas.LoginResult{}, err
			}
			passwordDone = true
		case pr.Email && !emailDone:
			if err := p.submitField(ctx, drv, emailSelector, creds.Email); err != nil {
				return schemas.LoginResult{}, err
			}
			emailDone = true
		}

		if !p.clock.Now().Before(deadline) {
			return fail(schemas.LoginReasonUnknown, "login did not complete in time"), nil
		}
		select {
		case <-ctx.Done():
			return schemas.LoginResult{}, ctx.Err()
		case <-p.clock.After(p.poll):
		}
	}
}

func fail(reason schemas.LoginReason, detail string) schemas.LoginResult {
	return schemas.LoginResult{Reason: reason, Detail: detail}
}

// challenge maps what the page shows to a terminal login failure.
func challenge(pr probe, snap *schemas.PageSnapshot) (schemas.LoginResult, bool) {
	switch {
	case pr.Recaptcha:
		return fail(schemas.LoginReasonRecaptcha, "recaptcha challenge shown"), true
	case pr.ImageCaptcha || locale.ContainsAnyPhrase(snap.Text, imageCaptchaPhrases):
		return fail(schemas.LoginReasonImageCaptcha, "image captcha shown"), true
	case locale.ContainsAnyPhrase(snap.Text, lockedPhrases):
		return fail(schemas.LoginReasonAccountLocked, "account locked"), true
	case locale.ContainsAnyPhrase(snap.Text, disabledPhrases):
		return fail(schemas.LoginReasonAccountDisabled, "account disabled"), true
	case locale.ContainsAnyPhrase(snap.Text, invalidPhrases):
		return fail(schemas.LoginReasonInvalidCredentials, "credentials rejected"), true
	}
	return schemas.LoginResult{}, false
}

// submitField types value into selector and presses the form's submit
// control, falling back to submitting the enclosing form.
func (p *PasswordProvider) submitField(ctx context.Context, drv schemas.Driver, selector, value string) error {
	if err := drv.Fill(ctx, selector, value); err != nil {
		return fmt.Errorf("failed to fill login field: %w", err)
	}
	snap, err := drv.Snapshot(ctx)
	if err != nil {
		return err
	}
	for _, c := range snap.VisibleControls() {
		if locale.EqualsAnyLabel(c.Text, submitLabels) {
			err := drv.Click(ctx, c.Ref)
			if err == nil || !errors.Is(err, schemas.ErrControlNotFound) {
				return err
			}
			break
		}
	}
	script := fmt.Sprintf(`(() => { const el = document.querySelector(%q); const f = el && el.form; if (f) { f.requestSubmit ? f.requestSubmit() : f.submit(); return true; } return false; })()`, selector)
	return drv.Evaluate(ctx, script, nil)
}
