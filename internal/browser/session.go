package browser

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/subsentry/api/schemas"
	"github.com/xkilldash9x/subsentry/internal/browser/stealth"
	"github.com/xkilldash9x/subsentry/internal/config"
)

//go:embed snapshot.js
var snapshotScript string

const (
	refAttr           = "data-subsentry-ref"
	defaultNavTimeout = 30 * time.Second
	clickTimeout      = 10 * time.Second
	networkIdleQuiet  = 500 * time.Millisecond
	closeGracePeriod  = 5 * time.Second
	defaultIPCheckURL = "https://api.ipify.org"
	networkIdleScript = `(() => {
  const n = performance.getEntriesByType('resource').length;
  const w = window.__subsentryIdle;
  const now = Date.now();
  if (!w || w.n !== n) { window.__subsentryIdle = { n: n, t: now }; return false; }
  return document.readyState === 'complete' && now - w.t >= %d;
})()`
)

// Session is one browser tab driven over CDP. It implements schemas.Driver
// and schemas.IPReporter.
type Session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
	cfg    config.BrowserConfig

	// release tears down whatever launched the browser (allocator, remote profile).
	release func()
	onClose func()
	// persona is skipped for browsers that bring their own fingerprint.
	persona bool

	mu       sync.Mutex
	policy   schemas.DialogPolicy
	closed   bool
	closeErr error
	once     sync.Once
}

var (
	_ schemas.Driver     = (*Session)(nil)
	_ schemas.IPReporter = (*Session)(nil)
)

// NewSession opens a tab on the browser behind allocCtx. release is called
// once when the session closes.
func NewSession(allocCtx context.Context, cfg config.BrowserConfig, logger *zap.Logger, release func()) *Session {
	id := uuid.New().String()
	tabCtx, cancel := chromedp.NewContext(allocCtx)
	return &Session{
		id:      id,
		ctx:     tabCtx,
		cancel:  cancel,
		logger:  logger.Named("session").With(zap.String("session_id", id)),
		cfg:     cfg,
		release: release,
		persona: true,
		policy:  schemas.DefaultDialogPolicy(),
	}
}

// ID identifies the session in logs.
func (s *Session) ID() string { return s.id }

// Initialize starts the tab, installs the dialog listener and applies the
// persona. It must be called before any other method.
func (s *Session) Initialize(ctx context.Context) error {
	// The first Run allocates the browser and binds it to the context it is
	// given, so it gets the long-lived tab context and ctx is enforced here.
	started := make(chan error, 1)
	go func() { started <- chromedp.Run(s.ctx) }()
	select {
	case err := <-started:
		if err != nil {
			return fmt.Errorf("failed to start browser: %w", err)
		}
	case <-ctx.Done():
		s.cancel()
		return fmt.Errorf("failed to start browser: %w", ctx.Err())
	}

	chromedp.ListenTarget(s.ctx, s.handleEvent)

	runCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()
	actions := []chromedp.Action{page.Enable()}
	if s.persona {
		actions = append(actions, stealth.Apply(stealth.FromConfig(s.cfg), s.logger))
	}
	if err := chromedp.Run(runCtx, actions...); err != nil {
		return fmt.Errorf("failed to initialize browser tab: %w", err)
	}
	s.logger.Debug("Browser session initialized.")
	return nil
}

func (s *Session) handleEvent(ev interface{}) {
	e, ok := ev.(*page.EventJavascriptDialogOpening)
	if !ok {
		return
	}
	s.mu.Lock()
	policy := s.policy
	s.mu.Unlock()

	accept := policy.ShouldAccept(schemas.DialogType(e.Type))
	s.logger.Info("Native dialog opened.",
		zap.String("type", string(e.Type)),
		zap.String("message", e.Message),
		zap.Bool("accept", accept),
	)
	// Handling must not block the event loop that delivered the event.
	go func() {
		action := page.HandleJavaScriptDialog(accept)
		if e.Type == page.DialogTypePrompt && policy.PromptText != "" {
			action = action.WithPromptText(policy.PromptText)
		}
		if err := chromedp.Run(s.ctx, action); err != nil && s.ctx.Err() == nil {
			s.logger.Warn("Failed to handle native dialog.", zap.Error(err))
		}
	}()
}

// run executes actions on the tab bounded by ctx.
func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	if s.isClosed() {
		return schemas.ErrDriverClosed
	}
	runCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()
	err := chromedp.Run(runCtx, actions...)
	if err != nil && s.ctx.Err() != nil {
		return fmt.Errorf("%w: %v", schemas.ErrDriverClosed, err)
	}
	return err
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) Navigate(ctx context.Context, url string, opts schemas.NavigateOptions) error {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultNavTimeout
	}
	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var err error
	switch opts.WaitUntil {
	case schemas.WaitNetworkIdle:
		var idle bool
		err = s.run(navCtx,
			chromedp.Navigate(url),
			chromedp.Poll(fmt.Sprintf(networkIdleScript, networkIdleQuiet.Milliseconds()), &idle,
				chromedp.WithPollingInterval(100*time.Millisecond)),
		)
	default:
		err = s.run(navCtx, chromedp.Navigate(url))
		// A slow subresource can hold the load event forever; a parsed
		// document is enough when only DOMContentLoaded was asked for.
		if opts.WaitUntil == schemas.WaitDOMContentLoaded && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			if s.documentParsed(ctx) {
				err = nil
			}
		}
	}
	if err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	return nil
}

func (s *Session) documentParsed(ctx context.Context) bool {
	checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var state string
	if err := s.Evaluate(checkCtx, "document.readyState", &state); err != nil {
		return false
	}
	return state == "interactive" || state == "complete"
}

func (s *Session) Reload(ctx context.Context) error {
	if err := s.run(ctx, chromedp.Reload()); err != nil {
		return fmt.Errorf("failed to reload: %w", err)
	}
	return nil
}

func (s *Session) Evaluate(ctx context.Context, script string, res interface{}) error {
	return s.run(ctx, chromedp.Evaluate(script, res, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}))
}

func (s *Session) Snapshot(ctx context.Context) (*schemas.PageSnapshot, error) {
	var snap schemas.PageSnapshot
	if err := s.Evaluate(ctx, snapshotScript, &snap); err != nil {
		return nil, fmt.Errorf("failed to capture page snapshot: %w", err)
	}
	return &snap, nil
}

// Click activates the control a previous Snapshot tagged with ref.
func (s *Session) Click(ctx context.Context, ref string) error {
	sel := refSelector(ref)
	var present bool
	if err := s.Evaluate(ctx, fmt.Sprintf("document.querySelector(%q) !== null", sel), &present); err != nil {
		return fmt.Errorf("failed to locate control %s: %w", ref, err)
	}
	if !present {
		return fmt.Errorf("control %s: %w", ref, schemas.ErrControlNotFound)
	}

	clickCtx, cancel := context.WithTimeout(ctx, clickTimeout)
	defer cancel()
	err := s.run(clickCtx,
		chromedp.ScrollIntoView(sel, chromedp.ByQuery),
		chromedp.Click(sel, chromedp.ByQuery, chromedp.NodeVisible),
	)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return fmt.Errorf("control %s never became clickable: %w", ref, schemas.ErrControlNotFound)
	default:
		return fmt.Errorf("failed to click %s: %w", ref, err)
	}
}

func (s *Session) Fill(ctx context.Context, selector, value string) error {
	err := s.run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("failed to fill %s: %w", selector, err)
	}
	return nil
}

func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	var url string
	if err := s.run(ctx, chromedp.Location(&url)); err != nil {
		return "", err
	}
	return url, nil
}

func (s *Session) Screenshot(ctx context.Context, path string) error {
	var buf []byte
	if err := s.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return fmt.Errorf("failed to capture screenshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create screenshot directory: %w", err)
	}
	return os.WriteFile(path, buf, 0o644)
}

func (s *Session) OnDialog(policy schemas.DialogPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy = policy
}

// PublicIP asks the configured echo service from inside the page, so the
// answer reflects the browser's proxy rather than this process.
func (s *Session) PublicIP(ctx context.Context) (string, error) {
	url := s.cfg.IPCheckURL
	if url == "" {
		url = defaultIPCheckURL
	}
	var ip string
	script := fmt.Sprintf("fetch(%q, {cache: 'no-store'}).then(r => r.text())", url)
	if err := s.Evaluate(ctx, script, &ip); err != nil {
		return "", fmt.Errorf("failed to fetch public ip: %w", err)
	}
	return strings.TrimSpace(ip), nil
}

// Close cancels the tab and releases the browser. Only the first call does
// any work; later calls return its result.
func (s *Session) Close(ctx context.Context) error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		done := make(chan error, 1)
		go func() {
			// Graceful close lets Chrome flush the profile before the process goes.
			done <- chromedp.Cancel(s.ctx)
		}()
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				s.closeErr = err
			}
		case <-ctx.Done():
			s.closeErr = ctx.Err()
		case <-time.After(closeGracePeriod):
			s.logger.Warn("Browser did not close gracefully in time.")
		}
		s.cancel()
		if s.release != nil {
			s.release()
		}
		if s.onClose != nil {
			s.onClose()
		}
		s.logger.Debug("Browser session closed.")
	})
	return s.closeErr
}

func refSelector(ref string) string {
	return fmt.Sprintf("[%s=%q]", refAttr, ref)
}
