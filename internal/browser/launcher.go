package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/subsentry/api/schemas"
	"github.com/xkilldash9x/subsentry/internal/config"
)

// allocation is a launched browser waiting for a tab.
type allocation struct {
	ctx     context.Context
	release func()
	// persona is false when the browser already carries its own fingerprint.
	persona bool
}

type launcher interface {
	launch(ctx context.Context, identifier string) (*allocation, error)
}

// profileLauncher starts a local Chrome on a persistent user-data directory
// named after the identifier.
type profileLauncher struct {
	dir    string
	cfg    config.BrowserConfig
	logger *zap.Logger
}

func (l *profileLauncher) launch(ctx context.Context, identifier string) (*allocation, error) {
	dir := filepath.Join(l.dir, identifier)
	info, err := os.Stat(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("profile directory %s: %w", dir, schemas.ErrIdentifierUnknown)
	case err != nil:
		return nil, fmt.Errorf("failed to stat profile directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("profile path %s is not a directory: %w", dir, schemas.ErrIdentifierUnknown)
	}

	// The allocator outlives the connect call; the session releases it.
	allocCtx, cancel := chromedp.NewExecAllocator(context.Background(), DefaultAllocatorOptions(l.cfg, dir)...)
	l.logger.Debug("Launching local profile.", zap.String("identifier", identifier))
	return &allocation{ctx: allocCtx, release: cancel, persona: true}, nil
}

// remoteLauncher asks an anti-detect browser's local API to start a profile
// and attaches to the DevTools endpoint it returns.
type remoteLauncher struct {
	base    string
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// The local API allows about one call per second.
const remoteAPIRate = rate.Limit(1)

func newRemoteLauncher(base string, client *http.Client, logger *zap.Logger) *remoteLauncher {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &remoteLauncher{
		base:    strings.TrimRight(base, "/"),
		client:  client,
		limiter: rate.NewLimiter(remoteAPIRate, 1),
		logger:  logger,
	}
}

type remoteResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		WS struct {
			Puppeteer string `json:"puppeteer"`
		} `json:"ws"`
		DebugPort string `json:"debug_port"`
	} `json:"data"`
}

func (l *remoteLauncher) call(ctx context.Context, path, identifier string) (*remoteResponse, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	u := fmt.Sprintf("%s%s?user_id=%s", l.base, path, url.QueryEscape(identifier))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("profile api unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read profile api response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("profile api returned status %d", resp.StatusCode)
	}
	var out remoteResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode profile api response: %w", err)
	}
	return &out, nil
}

func (l *remoteLauncher) launch(ctx context.Context, identifier string) (*allocation, error) {
	out, err := l.call(ctx, "/api/v1/browser/start", identifier)
	if err != nil {
		return nil, err
	}
	if out.Code != 0 {
		if unknownProfileMessage(out.Msg) {
			return nil, fmt.Errorf("profile %s: %s: %w", identifier, out.Msg, schemas.ErrIdentifierUnknown)
		}
		return nil, fmt.Errorf("profile api refused to start %s: %s", identifier, out.Msg)
	}
	ws := out.Data.WS.Puppeteer
	if ws == "" {
		return nil, fmt.Errorf("profile api returned no devtools endpoint for %s", identifier)
	}

	allocCtx, cancel := chromedp.NewRemoteAllocator(context.Background(), ws)
	release := func() {
		cancel()
		stopCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
		defer stop()
		if _, err := l.call(stopCtx, "/api/v1/browser/stop", identifier); err != nil {
			l.logger.Warn("Failed to stop remote profile.", zap.String("identifier", identifier), zap.Error(err))
		}
	}
	l.logger.Debug("Attached to remote profile.", zap.String("identifier", identifier))
	return &allocation{ctx: allocCtx, release: release}, nil
}

func unknownProfileMessage(msg string) bool {
	msg = strings.ToLower(msg)
	for _, p := range []string{"not exist", "not found", "does not exist", "no such"} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
