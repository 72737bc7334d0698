package browser

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/subsentry/api/schemas"
	"github.com/xkilldash9x/subsentry/internal/config"
)

func TestProfileLauncher_UnknownIdentifier(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "afile"), []byte("x"), 0o644))
	l := &profileLauncher{dir: dir, logger: zaptest.NewLogger(t)}

	_, err := l.launch(context.Background(), "k404")
	assert.ErrorIs(t, err, schemas.ErrIdentifierUnknown)

	_, err = l.launch(context.Background(), "afile")
	assert.ErrorIs(t, err, schemas.ErrIdentifierUnknown, "a plain file is not a profile")
}

func newTestRemote(t *testing.T, handler http.HandlerFunc) (*remoteLauncher, *[]string) {
	t.Helper()
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path+"?"+r.URL.RawQuery)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	l := newRemoteLauncher(srv.URL+"/", srv.Client(), zaptest.NewLogger(t))
	l.limiter = rate.NewLimiter(rate.Inf, 1)
	return l, &paths
}

func TestRemoteLauncher(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantUnknown bool
	}{
		{name: "ProfileMissing", status: 200, body: `{"code":-1,"msg":"Profile does not exist"}`, wantUnknown: true},
		{name: "UserNotFound", status: 200, body: `{"code":-1,"msg":"user_id is not found"}`, wantUnknown: true},
		{name: "Refused", status: 200, body: `{"code":-1,"msg":"Too many requests per second"}`},
		{name: "NoEndpoint", status: 200, body: `{"code":0,"msg":"success","data":{"ws":{}}}`},
		{name: "ServerError", status: 500, body: `oops`},
		{name: "Garbage", status: 200, body: `<html>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, paths := newTestRemote(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := l.launch(context.Background(), "k1 2")
			require.Error(t, err)
			assert.Equal(t, tt.wantUnknown, errors.Is(err, schemas.ErrIdentifierUnknown), err.Error())
			assert.Equal(t, []string{"/api/v1/browser/start?user_id=k1+2"}, *paths)
		})
	}
}

func TestRemoteLauncher_RespectsRateLimitContext(t *testing.T) {
	l, paths := newTestRemote(t, func(w http.ResponseWriter, r *http.Request) {})
	l.limiter = rate.NewLimiter(rate.Every(time.Hour), 1)
	require.True(t, l.limiter.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := l.launch(ctx, "k1")
	assert.Error(t, err)
	assert.Empty(t, *paths)
}

func TestUnknownProfileMessage(t *testing.T) {
	assert.True(t, unknownProfileMessage("Profile NOT EXIST"))
	assert.True(t, unknownProfileMessage("no such user"))
	assert.False(t, unknownProfileMessage("browser already open"))
}

func TestNewManager_Modes(t *testing.T) {
	logger := zaptest.NewLogger(t)

	cfg := config.NewDefaultConfig()
	cfg.Connection.Mode = ModeProfile
	m, err := NewManager(cfg, logger)
	require.NoError(t, err)
	assert.IsType(t, &profileLauncher{}, m.launcher)

	cfg.Connection.Mode = ModeRemote
	cfg.Connection.RemoteAPI = ""
	_, err = NewManager(cfg, logger)
	assert.Error(t, err)

	cfg.Connection.RemoteAPI = "http://127.0.0.1:50325"
	m, err = NewManager(cfg, logger)
	require.NoError(t, err)
	assert.IsType(t, &remoteLauncher{}, m.launcher)

	cfg.Connection.Mode = "carrier-pigeon"
	_, err = NewManager(cfg, logger)
	assert.Error(t, err)
}

type blockingLauncher struct {
	started chan string
	release chan struct{}
	err     error
}

func (b *blockingLauncher) launch(ctx context.Context, id string) (*allocation, error) {
	if b.started != nil {
		b.started <- id
	}
	if b.release != nil {
		select {
		case <-b.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, b.err
}

func TestManager_Connect(t *testing.T) {
	cfg := config.NewDefaultConfig()

	t.Run("UnknownIdentifierFreesSlot", func(t *testing.T) {
		unknown := errors.New("gone")
		m := newManager(&blockingLauncher{err: errors.Join(unknown, schemas.ErrIdentifierUnknown)}, cfg, zaptest.NewLogger(t))

		for i := 0; i < 2; i++ {
			_, err := m.Connect(context.Background(), "k1")
			assert.ErrorIs(t, err, schemas.ErrIdentifierUnknown)
		}
		assert.Zero(t, m.Active())
	})

	t.Run("SameIdentifierIsBusy", func(t *testing.T) {
		l := &blockingLauncher{started: make(chan string, 1), release: make(chan struct{}), err: errors.New("boom")}
		m := newManager(l, cfg, zaptest.NewLogger(t))

		done := make(chan error, 1)
		go func() {
			_, err := m.Connect(context.Background(), "k1")
			done <- err
		}()
		<-l.started

		_, err := m.Connect(context.Background(), "k1")
		assert.ErrorIs(t, err, ErrIdentifierBusy)

		close(l.release)
		assert.EqualError(t, <-done, "boom")
	})

	t.Run("ShutdownRefusesNewSessions", func(t *testing.T) {
		m := newManager(&blockingLauncher{}, cfg, zaptest.NewLogger(t))
		require.NoError(t, m.Shutdown(context.Background()))

		_, err := m.Connect(context.Background(), "k1")
		assert.ErrorIs(t, err, ErrShutdown)
	})
}
