// Package auth provides the login capability the supervisor uses when the
// management page sits behind a sign-in wall.
package auth

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/xkilldash9x/subsentry/api/schemas"
	"github.com/xkilldash9x/subsentry/internal/config"
	"github.com/xkilldash9x/subsentry/internal/locale"
)

const (
	ProviderSession  = "session"
	ProviderPassword = "password"

	DefaultLoginTimeout = 90 * time.Second
)

// New builds the provider named by cfg.Provider.
func New(cfg config.AuthConfig, registry *locale.Registry, clock clockwork.Clock, logger *zap.Logger) (schemas.AuthProvider, error) {
	switch cfg.Provider {
	case ProviderSession, "":
		return NewSessionProvider(registry, logger), nil
	case ProviderPassword:
		return NewPasswordProvider(registry, clock, logger, cfg.LoginTimeout), nil
	}
	return nil, fmt.Errorf("unknown auth provider %q", cfg.Provider)
}

// signInHosts serve only authentication pages.
var signInHosts = []string{"accounts.google.com", "login.", "signin.", "auth."}

var signInPaths = []string{"/signin", "/login", "/servicelogin", "/v3/signin"}

// detector recognises login walls from the union of every locale's login
// phrases, since the page language is not known before authenticating.
type detector struct {
	phrases []string
}

func newDetector(registry *locale.Registry) *detector {
	if registry == nil {
		registry = locale.Default()
	}
	d := &detector{}
	for _, code := range registry.Codes() {
		t, _ := registry.Get(code)
		d.phrases = append(d.phrases, t.LoginPhrases...)
	}
	return d
}

func (d *detector) needsLogin(snap *schemas.PageSnapshot) bool {
	if snap == nil {
		return false
	}
	if signInURL(snap.URL) {
		return true
	}
	return locale.ContainsAnyPhrase(snap.Text, d.phrases)
}

func signInURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, h := range signInHosts {
		if host == h || strings.HasPrefix(host, h) {
			return true
		}
	}
	path := strings.ToLower(u.Path)
	for _, p := range signInPaths {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
