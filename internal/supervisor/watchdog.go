package supervisor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/subsentry/api/schemas"
)

// startTimers arms the hard timeout and the stagnation watchdog. Both are
// created before this returns, so a simulated clock sees them immediately.
// The returned function stops them and waits for their goroutines.
func (s *Supervisor) startTimers(ctx context.Context, cancel context.CancelFunc, rs *runState, timeout time.Duration) func() {
	hard := s.clock.NewTimer(timeout)
	ticker := s.clock.NewTicker(s.cfg.StagnationPoll)
	done := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer hard.Stop()
		select {
		case <-hard.Chan():
			rs.log.Warn("Hard timeout reached.", zap.Duration("timeout", timeout),
				zap.String("step", string(rs.run.currentStep())))
			s.abort(rs, schemas.RunTimedOut, cancel)
		case <-done:
		case <-ctx.Done():
		}
	}()
	go func() {
		defer wg.Done()
		defer ticker.Stop()
		s.watch(ctx, done, ticker.Chan(), rs, cancel)
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		wg.Wait()
	}
}

// watch compares the time since the last progress mark against the refresh
// and skip thresholds on every tick. A refresh is attempted at most once per
// progress mark and at most MaxRefreshes times per run.
func (s *Supervisor) watch(ctx context.Context, done <-chan struct{}, tick <-chan time.Time, rs *runState, cancel context.CancelFunc) {
	var refreshedAt int64
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-tick:
		}

		last := rs.run.lastProgress.Load()
		idle := s.clock.Since(time.Unix(0, last))
		switch {
		case idle >= s.cfg.StagnationSkip:
			rs.log.Warn("No progress, skipping the run.", zap.Duration("idle", idle),
				zap.String("step", string(rs.run.currentStep())))
			s.abort(rs, schemas.RunSkipped, cancel)
			return
		case idle >= s.cfg.StagnationRefresh && last != refreshedAt &&
			int(rs.run.refreshes.Load()) < s.cfg.MaxRefreshes && rs.drv.attached():
			refreshedAt = last
			rs.run.refreshes.Add(1)
			rs.log.Warn("No progress, refreshing the page.", zap.Duration("idle", idle),
				zap.String("step", string(rs.run.currentStep())))
			s.stagnationRefresh(ctx, rs)
		}
	}
}

// stagnationRefresh reloads the page without waiting longer than one poll.
func (s *Supervisor) stagnationRefresh(ctx context.Context, rs *runState) {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.StagnationPoll)
	defer cancel()
	if err := rs.drv.Reload(rctx); err != nil {
		rs.log.Debug("Stagnation refresh failed.", zap.Error(err))
	}
}

// abort ends the run with status if nothing else ended it first, cancels the
// step sequence and releases the browser.
func (s *Supervisor) abort(rs *runState, status schemas.RunStatus, cancel context.CancelFunc) {
	if !rs.run.finish(status) {
		return
	}
	cancel()
	ctx, done := context.WithTimeout(context.Background(), releaseTimeout)
	defer done()
	_ = rs.drv.release(ctx)
}
