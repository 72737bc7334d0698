package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/subsentry/api/schemas"
)

// releaseGrace bounds how long release waits for an in-flight driver call
// that ignores cancellation before closing underneath it.
const releaseGrace = 5 * time.Second

// guardedDriver fences the run's driver. Every call first checks that the run
// has not been aborted, and calls hold a read lock so release can wait for
// them to drain before closing. The underlying driver is closed exactly once.
type guardedDriver struct {
	run    *liveRun
	logger *zap.Logger

	mu      sync.RWMutex
	drv     schemas.Driver
	present atomic.Bool
	closed  atomic.Bool

	once     sync.Once
	closeErr error
}

var (
	_ schemas.Driver     = (*guardedDriver)(nil)
	_ schemas.IPReporter = (*guardedDriver)(nil)
)

func newGuardedDriver(run *liveRun, logger *zap.Logger) *guardedDriver {
	return &guardedDriver{run: run, logger: logger}
}

// attach installs the driver obtained by the connection step. A driver
// attached after release is closed immediately.
func (g *guardedDriver) attach(ctx context.Context, drv schemas.Driver) error {
	g.mu.Lock()
	if g.closed.Load() || g.run.aborted() {
		g.mu.Unlock()
		_ = drv.Close(ctx)
		return schemas.ErrRunAborted
	}
	g.drv = drv
	g.present.Store(true)
	g.mu.Unlock()
	return nil
}

// attached reports whether a live driver is installed. It never blocks.
func (g *guardedDriver) attached() bool {
	return g.present.Load() && !g.closed.Load()
}

// enter takes the read lock and returns the driver, or the reason no call may
// be made. The caller must call g.mu.RUnlock when err is nil.
func (g *guardedDriver) enter() (schemas.Driver, error) {
	if g.run.aborted() {
		return nil, schemas.ErrRunAborted
	}
	g.mu.RLock()
	switch {
	case g.run.aborted():
		g.mu.RUnlock()
		return nil, schemas.ErrRunAborted
	case g.closed.Load() || g.drv == nil:
		g.mu.RUnlock()
		return nil, schemas.ErrDriverClosed
	}
	return g.drv, nil
}

func (g *guardedDriver) Navigate(ctx context.Context, url string, opts schemas.NavigateOptions) error {
	drv, err := g.enter()
	if err != nil {
		return err
	}
	defer g.mu.RUnlock()
	return drv.Navigate(ctx, url, opts)
}

func (g *guardedDriver) Reload(ctx context.Context) error {
	drv, err := g.enter()
	if err != nil {
		return err
	}
	defer g.mu.RUnlock()
	return drv.Reload(ctx)
}

func (g *guardedDriver) Evaluate(ctx context.Context, script string, res interface{}) error {
	drv, err := g.enter()
	if err != nil {
		return err
	}
	defer g.mu.RUnlock()
	return drv.Evaluate(ctx, script, res)
}

func (g *guardedDriver) Snapshot(ctx context.Context) (*schemas.PageSnapshot, error) {
	drv, err := g.enter()
	if err != nil {
		return nil, err
	}
	defer g.mu.RUnlock()
	return drv.Snapshot(ctx)
}

func (g *guardedDriver) Click(ctx context.Context, ref string) error {
	drv, err := g.enter()
	if err != nil {
		return err
	}
	defer g.mu.RUnlock()
	return drv.Click(ctx, ref)
}

func (g *guardedDriver) Fill(ctx context.Context, selector, value string) error {
	drv, err := g.enter()
	if err != nil {
		return err
	}
	defer g.mu.RUnlock()
	return drv.Fill(ctx, selector, value)
}

func (g *guardedDriver) CurrentURL(ctx context.Context) (string, error) {
	drv, err := g.enter()
	if err != nil {
		return "", err
	}
	defer g.mu.RUnlock()
	return drv.CurrentURL(ctx)
}

func (g *guardedDriver) Screenshot(ctx context.Context, path string) error {
	drv, err := g.enter()
	if err != nil {
		return err
	}
	defer g.mu.RUnlock()
	return drv.Screenshot(ctx, path)
}

func (g *guardedDriver) OnDialog(policy schemas.DialogPolicy) {
	drv, err := g.enter()
	if err != nil {
		return
	}
	defer g.mu.RUnlock()
	drv.OnDialog(policy)
}

// PublicIP delegates to the underlying driver when it can report one.
func (g *guardedDriver) PublicIP(ctx context.Context) (string, error) {
	drv, err := g.enter()
	if err != nil {
		return "", err
	}
	defer g.mu.RUnlock()
	rep, ok := drv.(schemas.IPReporter)
	if !ok {
		return "", fmt.Errorf("driver %T cannot report its public ip", drv)
	}
	return rep.PublicIP(ctx)
}

// Close releases the driver. It exists so the guard satisfies schemas.Driver;
// the supervisor calls release directly.
func (g *guardedDriver) Close(ctx context.Context) error {
	return g.release(ctx)
}

// release closes the underlying driver once. It waits up to releaseGrace for
// in-flight calls to return; a call still blocked after that is abandoned.
func (g *guardedDriver) release(ctx context.Context) error {
	g.once.Do(func() {
		acquired := make(chan struct{})
		go func() {
			g.mu.Lock()
			close(acquired)
		}()

		grace := time.NewTimer(releaseGrace)
		defer grace.Stop()
		select {
		case <-acquired:
			defer g.mu.Unlock()
		case <-grace.C:
			g.logger.Warn("Abandoning a driver call that ignored cancellation.")
			go func() {
				<-acquired
				g.mu.Unlock()
			}()
		}

		g.closed.Store(true)
		drv := g.drv
		if drv == nil {
			return
		}
		if err := drv.Close(ctx); err != nil {
			g.closeErr = err
			g.logger.Warn("Failed to close browser session.", zap.Error(err))
			return
		}
		g.logger.Debug("Browser session released.")
	})
	return g.closeErr
}
