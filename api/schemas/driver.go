package schemas

import (
	"context"
	"time"
)

// -- Automation Driver --

// WaitUntil selects the navigation milestone Navigate waits for.
type WaitUntil string

const (
	WaitDOMContentLoaded WaitUntil = "domcontentloaded"
	WaitLoad             WaitUntil = "load"
	WaitNetworkIdle      WaitUntil = "networkidle"
)

// NavigateOptions tunes a single navigation.
type NavigateOptions struct {
	WaitUntil WaitUntil
	Timeout   time.Duration
}

// Control is an actionable element (button or link) from the accessibility tree.
// Visible is computed by the driver from real layout and opacity, never from
// DOM presence alone.
type Control struct {
	Ref     string `json:"ref"`
	Text    string `json:"text"`
	Visible bool   `json:"visible"`
	Role    string `json:"role,omitempty"`
}

// Surface is a container that may present a confirmation step (dialogs,
// aria-modal containers, inline confirmation panels).
type Surface struct {
	Ref      string    `json:"ref"`
	Text     string    `json:"text"`
	Visible  bool      `json:"visible"`
	Controls []Control `json:"controls"`
}

// PageSnapshot is everything the classifier and confirmation handler need,
// captured in one evaluation so the pieces are consistent with each other.
type PageSnapshot struct {
	URL      string    `json:"url"`
	Lang     string    `json:"lang"`
	Title    string    `json:"title"`
	Text     string    `json:"text"`
	Controls []Control `json:"controls"`
	Surfaces []Surface `json:"surfaces"`
}

// VisibleControls returns only the visible controls.
func (p *PageSnapshot) VisibleControls() []Control {
	out := make([]Control, 0, len(p.Controls))
	for _, c := range p.Controls {
		if c.Visible {
			out = append(out, c)
		}
	}
	return out
}

// DialogType is the kind of native browser dialog.
type DialogType string

const (
	DialogAlert        DialogType = "alert"
	DialogConfirm      DialogType = "confirm"
	DialogPrompt       DialogType = "prompt"
	DialogBeforeUnload DialogType = "beforeunload"
)

// DialogPolicy decides, per dialog type, whether a native dialog is accepted.
// Types missing from Accept are dismissed.
type DialogPolicy struct {
	Accept     map[DialogType]bool
	PromptText string
}

// DefaultDialogPolicy accepts everything that would otherwise hang navigation.
func DefaultDialogPolicy() DialogPolicy {
	return DialogPolicy{Accept: map[DialogType]bool{
		DialogAlert:        true,
		DialogConfirm:      true,
		DialogBeforeUnload: true,
		DialogPrompt:       false,
	}}
}

// ShouldAccept reports the decision for t.
func (p DialogPolicy) ShouldAccept(t DialogType) bool {
	return p.Accept[t]
}

// Driver is the browser automation contract consumed by the engine.
type Driver interface {
	// Navigate loads url and waits according to opts.
	Navigate(ctx context.Context, url string, opts NavigateOptions) error
	// Reload reloads the current document.
	Reload(ctx context.Context) error
	// Evaluate runs script in the page and decodes the result into res (may be nil).
	Evaluate(ctx context.Context, script string, res interface{}) error
	// Snapshot captures page text, controls and confirmation surfaces.
	Snapshot(ctx context.Context) (*PageSnapshot, error)
	// Click activates the control identified by ref.
	Click(ctx context.Context, ref string) error
	// Fill types value into the input identified by a CSS selector.
	Fill(ctx context.Context, selector, value string) error
	// CurrentURL returns the document URL.
	CurrentURL(ctx context.Context) (string, error)
	// Screenshot writes a PNG of the viewport to path.
	Screenshot(ctx context.Context, path string) error
	// OnDialog installs the native dialog policy. It is registered once per session.
	OnDialog(policy DialogPolicy)
	// Close releases the browser resource.
	Close(ctx context.Context) error
}

// IPReporter is implemented by drivers that can report the browser's egress IP.
type IPReporter interface {
	PublicIP(ctx context.Context) (string, error)
}

// -- Connection --

// Connector turns a connection identifier into a live driver. Implementations
// must wrap ErrIdentifierUnknown when the identifier does not exist.
type Connector interface {
	Connect(ctx context.Context, identifier string) (Driver, error)
}

// IdentifierLookup supplies alternate identifiers for an account.
type IdentifierLookup interface {
	AlternateIdentifiers(ctx context.Context, email string) ([]string, error)
}

// IdentifierLookupFunc adapts a function to IdentifierLookup.
type IdentifierLookupFunc func(ctx context.Context, email string) ([]string, error)

// AlternateIdentifiers implements IdentifierLookup.
func (f IdentifierLookupFunc) AlternateIdentifiers(ctx context.Context, email string) ([]string, error) {
	return f(ctx, email)
}

// -- Authentication --

// Credentials are the login secrets of an account.
type Credentials struct {
	Email      string
	Password   string
	TOTPSecret string
}

// LoginReason explains a failed login.
type LoginReason string

const (
	LoginReasonNone               LoginReason = ""
	LoginReasonRecaptcha          LoginReason = "recaptcha"
	LoginReasonImageCaptcha       LoginReason = "image_captcha"
	LoginReasonAccountLocked      LoginReason = "account_locked"
	LoginReasonAccountDisabled    LoginReason = "account_disabled"
	LoginReasonInvalidCredentials LoginReason = "invalid_credentials"
	LoginReasonUnknown            LoginReason = "unknown"
)

// LoginResult is what an AuthProvider reports.
type LoginResult struct {
	Success bool
	Reason  LoginReason
	Detail  string
}

// AuthProvider is the login capability chosen by configuration.
type AuthProvider interface {
	// Name identifies the provider in logs.
	Name() string
	// NeedsLogin reports whether the snapshot shows a login wall.
	NeedsLogin(snap *PageSnapshot) bool
	// Login authenticates the session.
	Login(ctx context.Context, drv Driver, creds Credentials) (LoginResult, error)
}

// -- Accounts --

// Account is a row of the account directory.
type Account struct {
	ID         string   `json:"id" yaml:"id"`
	Email      string   `json:"email" yaml:"email"`
	Password   string   `json:"-" yaml:"password"`
	TOTPSecret string   `json:"-" yaml:"totp_secret"`
	ProfileID  string   `json:"profile_id" yaml:"profile_id"`
	AltProfile []string `json:"alt_profiles,omitempty" yaml:"alt_profiles"`
	Locale     string   `json:"locale,omitempty" yaml:"locale"`
}

// Credentials extracts the login secrets.
func (a Account) Credentials() Credentials {
	return Credentials{Email: a.Email, Password: a.Password, TOTPSecret: a.TOTPSecret}
}
