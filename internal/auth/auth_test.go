package auth

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/subsentry/api/schemas"
	"github.com/xkilldash9x/subsentry/internal/config"
	"github.com/xkilldash9x/subsentry/internal/locale"
	"github.com/xkilldash9x/subsentry/internal/mocks"
)

const testSecret = "JBSWY3DPEHPK3PXP"

func TestNew(t *testing.T) {
	logger := zaptest.NewLogger(t)

	p, err := New(config.AuthConfig{Provider: ProviderSession}, nil, nil, logger)
	require.NoError(t, err)
	assert.Equal(t, ProviderSession, p.Name())

	p, err = New(config.AuthConfig{Provider: ProviderPassword, LoginTimeout: time.Second}, locale.Default(), nil, logger)
	require.NoError(t, err)
	assert.Equal(t, ProviderPassword, p.Name())
	assert.Equal(t, time.Second, p.(*PasswordProvider).timeout)

	_, err = New(config.AuthConfig{Provider: "oauth"}, nil, nil, logger)
	assert.Error(t, err)
}

func TestNeedsLogin(t *testing.T) {
	p := NewSessionProvider(nil, zaptest.NewLogger(t))

	tests := []struct {
		name string
		snap *schemas.PageSnapshot
		want bool
	}{
		{"Nil", nil, false},
		{"SignInHost", &schemas.PageSnapshot{URL: "https://accounts.google.com/v3/signin/identifier"}, true},
		{"SignInPath", &schemas.PageSnapshot{URL: "https://www.example.com/login?next=/"}, true},
		{"EnglishPhrase", &schemas.PageSnapshot{URL: "https://www.youtube.com/paid_memberships", Text: "Sign in to continue to YouTube"}, true},
		{"GermanPhrase", &schemas.PageSnapshot{Text: "Passwort eingeben"}, true},
		{"ManagementPage", &schemas.PageSnapshot{URL: "https://www.youtube.com/paid_memberships", Text: "Memberships. Premium. Pause membership"}, false},
		{"SignOutIsNotSignIn", &schemas.PageSnapshot{Text: "Abmelden"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.NeedsLogin(tt.snap))
		})
	}
}

func TestSessionProvider_LoginFails(t *testing.T) {
	p := NewSessionProvider(nil, zaptest.NewLogger(t))
	drv := mocks.NewFakeDriver(nil)

	res, err := p.Login(context.Background(), drv, schemas.Credentials{Email: "a@example.com", Password: "pw"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, schemas.LoginReasonUnknown, res.Reason)
	assert.Empty(t, drv.Calls(), "the session provider never touches the page")
}

// loginFlow scripts a three-step sign-in form on a FakeDriver.
type loginFlow struct {
	stage  int
	probes []probe
	pages  []*schemas.PageSnapshot
}

func newLoginFlow(withTOTP bool) *loginFlow {
	signIn := "https://accounts.google.com/v3/signin/identifier"
	f := &loginFlow{
		probes: []probe{{Email: true}, {Password: true}},
		pages: []*schemas.PageSnapshot{
			{URL: signIn, Text: "Sign in. Email or phone", Controls: []schemas.Control{{Ref: "next0", Text: "Next", Visible: true}}},
			{URL: signIn, Text: "Welcome. Enter your password", Controls: []schemas.Control{{Ref: "next1", Text: "Next", Visible: true}}},
		},
	}
	if withTOTP {
		f.probes = append(f.probes, probe{TOTP: true})
		f.pages = append(f.pages, &schemas.PageSnapshot{URL: signIn, Text: "2-Step Verification",
			Controls: []schemas.Control{{Ref: "next2", Text: "Next", Visible: true}}})
	}
	f.probes = append(f.probes, probe{})
	f.pages = append(f.pages, &schemas.PageSnapshot{URL: "https://www.youtube.com/paid_memberships", Text: "Memberships"})
	return f
}

func (f *loginFlow) driver() *mocks.FakeDriver {
	drv := mocks.NewFakeDriver(f.pages[0])
	drv.EvalFunc = func(script string) (interface{}, error) {
		if script == probeScript {
			return f.probes[f.stage], nil
		}
		return true, nil
	}
	for i := 0; i < len(f.pages)-1; i++ {
		i := i
		drv.OnClick(f.pages[i].Controls[0].Ref, func(d *mocks.FakeDriver) {
			f.stage = i + 1
			d.SetPage(f.pages[i+1])
		})
	}
	return drv
}

func newTestPasswordProvider(t *testing.T, clock clockwork.Clock, timeout time.Duration) *PasswordProvider {
	t.Helper()
	p := NewPasswordProvider(nil, clock, zaptest.NewLogger(t), timeout)
	p.poll = time.Millisecond
	return p
}

func TestPasswordProvider_FullFlowWithTOTP(t *testing.T) {
	p := newTestPasswordProvider(t, clockwork.NewRealClock(), time.Second)
	flow := newLoginFlow(true)
	drv := flow.driver()

	res, err := p.Login(context.Background(), drv, schemas.Credentials{Email: "a@example.com", Password: "hunter2", TOTPSecret: testSecret})
	require.NoError(t, err)
	assert.True(t, res.Success, res.Detail)

	assert.Equal(t, "a@example.com", drv.Filled[emailSelector])
	assert.Equal(t, "hunter2", drv.Filled[passwordSelector])
	assert.Len(t, drv.Filled[totpSelector], 6)
	assert.Equal(t, 1, drv.CallCount("Click:next0"))
	assert.Equal(t, 1, drv.CallCount("Click:next1"))
	assert.Equal(t, 1, drv.CallCount("Click:next2"))
}

func TestPasswordProvider_SecondFactorWithoutSecret(t *testing.T) {
	p := newTestPasswordProvider(t, nil, time.Second)
	flow := newLoginFlow(true)
	flow.stage = 2
	drv := flow.driver()
	drv.SetPage(flow.pages[2])

	res, err := p.Login(context.Background(), drv, schemas.Credentials{Email: "a@example.com", Password: "pw"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, schemas.LoginReasonUnknown, res.Reason)
	assert.Zero(t, drv.CallCount("Fill"))
}

func TestPasswordProvider_Challenges(t *testing.T) {
	tests := []struct {
		name  string
		probe probe
		text  string
		want  schemas.LoginReason
	}{
		{"Recaptcha", probe{Email: true, Recaptcha: true}, "Sign in", schemas.LoginReasonRecaptcha},
		{"ImageCaptchaElement", probe{Password: true, ImageCaptcha: true}, "Sign in", schemas.LoginReasonImageCaptcha},
		{"ImageCaptchaText", probe{Password: true}, "Type the text you hear or see", schemas.LoginReasonImageCaptcha},
		{"Locked", probe{}, "Your account is locked. Try again later.", schemas.LoginReasonAccountLocked},
		{"Disabled", probe{}, "Account disabled", schemas.LoginReasonAccountDisabled},
		{"WrongPassword", probe{Password: true}, "Wrong password. Try again", schemas.LoginReasonInvalidCredentials},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPasswordProvider(t, nil, time.Second)
			drv := mocks.NewFakeDriver(&schemas.PageSnapshot{URL: "https://accounts.google.com/", Text: tt.text})
			drv.EvalFunc = func(string) (interface{}, error) { return tt.probe, nil }

			res, err := p.Login(context.Background(), drv, schemas.Credentials{Email: "a@example.com", Password: "pw"})
			require.NoError(t, err)
			assert.False(t, res.Success)
			assert.Equal(t, tt.want, res.Reason)
			assert.Zero(t, drv.CallCount("Fill"), "challenges stop before typing anything")
		})
	}
}

func TestPasswordProvider_TimesOut(t *testing.T) {
	p := newTestPasswordProvider(t, nil, 20*time.Millisecond)
	drv := mocks.NewFakeDriver(&schemas.PageSnapshot{URL: "https://accounts.google.com/", Text: "Sign in"})
	drv.EvalFunc = func(string) (interface{}, error) { return probe{Email: true}, nil }

	res, err := p.Login(context.Background(), drv, schemas.Credentials{Email: "a@example.com", Password: "pw"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, schemas.LoginReasonUnknown, res.Reason)
	assert.Equal(t, 1, drv.CallCount("Fill"), "the email is typed once")
}

func TestPasswordProvider_MissingCredentials(t *testing.T) {
	p := newTestPasswordProvider(t, nil, time.Second)
	res, err := p.Login(context.Background(), mocks.NewFakeDriver(nil), schemas.Credentials{Email: "a@example.com"})
	require.NoError(t, err)
	assert.Equal(t, schemas.LoginReasonInvalidCredentials, res.Reason)
}

func TestPasswordProvider_DriverClosed(t *testing.T) {
	p := newTestPasswordProvider(t, nil, time.Second)
	drv := mocks.NewFakeDriver(nil)
	require.NoError(t, drv.Close(context.Background()))

	_, err := p.Login(context.Background(), drv, schemas.Credentials{Email: "a@example.com", Password: "pw"})
	assert.ErrorIs(t, err, schemas.ErrDriverClosed)
}
