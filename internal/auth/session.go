package auth

import (
	"context"

	"go.uber.org/zap"

	"github.com/xkilldash9x/subsentry/api/schemas"
	"github.com/xkilldash9x/subsentry/internal/locale"
)

// SessionProvider relies on the cookies of a persistent browser profile. It
// never types credentials; a login wall means the profile lost its session.
type SessionProvider struct {
	detector *detector
	logger   *zap.Logger
}

// NewSessionProvider creates a SessionProvider.
func NewSessionProvider(registry *locale.Registry, logger *zap.Logger) *SessionProvider {
	return &SessionProvider{detector: newDetector(registry), logger: logger.Named("auth_session")}
}

func (p *SessionProvider) Name() string { return ProviderSession }

func (p *SessionProvider) NeedsLogin(snap *schemas.PageSnapshot) bool {
	return p.detector.needsLogin(snap)
}

func (p *SessionProvider) Login(ctx context.Context, drv schemas.Driver, creds schemas.Credentials) (schemas.LoginResult, error) {
	p.logger.Warn("Profile is signed out; session provider cannot log in.")
	return schemas.LoginResult{
		Reason: schemas.LoginReasonUnknown,
		Detail: "profile session expired",
	}, nil
}
