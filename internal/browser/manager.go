package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/subsentry/api/schemas"
	"github.com/xkilldash9x/subsentry/internal/config"
)

const (
	ModeProfile = "profile"
	ModeRemote  = "remote"

	defaultStartTimeout = 60 * time.Second
	cleanupTimeout      = 10 * time.Second
)

// ErrIdentifierBusy is returned when another live session already holds the
// identifier. Chrome cannot open one profile twice.
var ErrIdentifierBusy = errors.New("browser: identifier already in use")

// ErrShutdown is returned by Connect after Shutdown.
var ErrShutdown = errors.New("browser: manager is shut down")

// Manager turns connection identifiers into browser sessions and tracks them
// so Shutdown can close whatever is still open. It implements
// schemas.Connector.
type Manager struct {
	launcher launcher
	cfg      *config.Config
	logger   *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	busy     map[string]struct{}
	closed   bool
	wg       sync.WaitGroup
}

var _ schemas.Connector = (*Manager)(nil)

// NewManager picks the launcher for cfg.Connection.Mode.
func NewManager(cfg *config.Config, logger *zap.Logger) (*Manager, error) {
	var l launcher
	switch cfg.Connection.Mode {
	case ModeProfile, "":
		l = &profileLauncher{dir: cfg.Connection.ProfilesDir, cfg: cfg.Browser, logger: logger.Named("profile_launcher")}
	case ModeRemote:
		if cfg.Connection.RemoteAPI == "" {
			return nil, fmt.Errorf("connection.remote_api is required in %q mode", ModeRemote)
		}
		l = newRemoteLauncher(cfg.Connection.RemoteAPI, nil, logger.Named("remote_launcher"))
	default:
		return nil, fmt.Errorf("unknown connection mode %q", cfg.Connection.Mode)
	}
	return newManager(l, cfg, logger), nil
}

func newManager(l launcher, cfg *config.Config, logger *zap.Logger) *Manager {
	return &Manager{
		launcher: l,
		cfg:      cfg,
		logger:   logger.Named("browser_manager"),
		sessions: make(map[string]*Session),
		busy:     make(map[string]struct{}),
	}
}

// Connect launches the browser for identifier and opens an initialized tab.
// Unknown identifiers wrap schemas.ErrIdentifierUnknown.
func (m *Manager) Connect(ctx context.Context, identifier string) (schemas.Driver, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShutdown
	}
	if _, ok := m.busy[identifier]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrIdentifierBusy, identifier)
	}
	m.busy[identifier] = struct{}{}
	m.wg.Add(1)
	m.mu.Unlock()

	free := func() {
		m.mu.Lock()
		delete(m.busy, identifier)
		m.mu.Unlock()
		m.wg.Done()
	}

	timeout := m.cfg.Connection.StartTimeout
	if timeout <= 0 {
		timeout = defaultStartTimeout
	}
	startCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	alloc, err := m.launcher.launch(startCtx, identifier)
	if err != nil {
		free()
		return nil, err
	}

	s := NewSession(alloc.ctx, m.cfg.Browser, m.logger, alloc.release)
	s.persona = alloc.persona
	s.onClose = func() {
		m.mu.Lock()
		delete(m.sessions, s.ID())
		m.mu.Unlock()
		free()
		m.logger.Debug("Session removed from manager.", zap.String("session_id", s.ID()))
	}

	if err := s.Initialize(startCtx); err != nil {
		cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cleanupCancel()
		_ = s.Close(cleanupCtx)
		return nil, err
	}

	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()

	m.logger.Info("Browser session opened.", zap.String("identifier", identifier), zap.String("session_id", s.ID()))
	return s, nil
}

// Active reports the number of open sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown refuses new connections, closes every open session and waits for
// them, bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.Unlock()

	m.logger.Info("Shutting down browser manager.", zap.Int("open_sessions", len(open)))
	for _, s := range open {
		go func(s *Session) {
			if err := s.Close(ctx); err != nil {
				m.logger.Warn("Error closing session during shutdown.", zap.String("session_id", s.ID()), zap.Error(err))
			}
		}(s)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("All browser sessions closed.")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for browser sessions to close: %w", ctx.Err())
	}
}
