// Package engine runs the workflow for many accounts with bounded concurrency
// and paced starts, and hands every result to a sink.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/subsentry/api/schemas"
	"github.com/xkilldash9x/subsentry/internal/config"
	"github.com/xkilldash9x/subsentry/internal/supervisor"
)

const persistTimeout = 30 * time.Second

// -- Interfaces for Dependency Inversion --

// Runner executes one workflow run. *supervisor.Supervisor satisfies it.
type Runner interface {
	Run(ctx context.Context, req supervisor.Request) *schemas.RunResult
}

// ResultSink persists run results.
type ResultSink interface {
	WriteStatus(ctx context.Context, result *schemas.RunResult) error
}

// Options apply to every run of a batch.
type Options struct {
	Action  schemas.Action
	Lookup  schemas.IdentifierLookup
	Timeout time.Duration
	Debug   bool
}

// Summary aggregates a finished batch. Results keep the order of the input
// accounts; a nil entry means the account was never started.
type Summary struct {
	Results       []*schemas.RunResult
	Outcomes      map[schemas.Outcome]int
	Succeeded     int
	NotStarted    int
	PersistErrors int
}

// BatchEngine fans runs out over a bounded pool.
type BatchEngine struct {
	cfg     config.EngineConfig
	runner  Runner
	sink    ResultSink
	limiter *rate.Limiter
	logger  *zap.Logger
}

// New creates a BatchEngine.
func New(cfg config.EngineConfig, runner Runner, sink ResultSink, logger *zap.Logger) (*BatchEngine, error) {
	if runner == nil {
		return nil, errors.New("runner cannot be nil")
	}
	if sink == nil {
		return nil, errors.New("result sink cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	limit := rate.Inf
	if cfg.StartRate > 0 {
		limit = rate.Limit(cfg.StartRate)
	}
	burst := cfg.StartBurst
	if burst <= 0 {
		burst = 1
	}

	return &BatchEngine{
		cfg:     cfg,
		runner:  runner,
		sink:    sink,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.With(zap.String("component", "batch_engine")),
	}, nil
}

// Run executes opts.Action for every account and blocks until all started
// runs have finished and been persisted. Canceling ctx stops new starts and
// aborts the runs in flight; the error is then the context's.
func (e *BatchEngine) Run(ctx context.Context, accounts []schemas.Account, opts Options) (*Summary, error) {
	if _, err := schemas.ParseAction(string(opts.Action)); err != nil {
		return nil, err
	}

	summary := &Summary{
		Results:  make([]*schemas.RunResult, len(accounts)),
		Outcomes: make(map[schemas.Outcome]int),
	}
	var mu sync.Mutex

	e.logger.Info("Starting batch",
		zap.Int("accounts", len(accounts)),
		zap.String("action", string(opts.Action)),
		zap.Int("concurrency", e.cfg.Concurrency))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)

	for i := range accounts {
		// Pace starts.
		if err := e.limiter.Wait(gctx); err != nil {
			break
		}

		account := accounts[i]
		g.Go(func() error {
			// The slot may free up only because the batch was canceled.
			if gctx.Err() != nil {
				return nil
			}
			res := e.runner.Run(gctx, supervisor.Request{
				Account: account,
				Action:  opts.Action,
				Lookup:  opts.Lookup,
				Timeout: opts.Timeout,
				Debug:   opts.Debug,
			})
			persistErr := e.persist(ctx, res)

			mu.Lock()
			defer mu.Unlock()
			summary.Results[i] = res
			summary.Outcomes[res.Outcome]++
			if res.Success {
				summary.Succeeded++
			}
			if persistErr != nil {
				summary.PersistErrors++
			}
			return nil
		})
	}

	_ = g.Wait()

	for _, r := range summary.Results {
		if r == nil {
			summary.NotStarted++
		}
	}

	e.logger.Info("Batch finished",
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("not_started", summary.NotStarted),
		zap.Int("persist_errors", summary.PersistErrors))

	if err := ctx.Err(); err != nil {
		return summary, fmt.Errorf("batch interrupted: %w", err)
	}
	return summary, nil
}

// persist writes the result even when the batch is being canceled.
func (e *BatchEngine) persist(ctx context.Context, res *schemas.RunResult) error {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if err := e.sink.WriteStatus(persistCtx, res); err != nil {
		e.logger.Error("Failed to persist run result",
			zap.String("run_id", res.RunID),
			zap.String("account_id", res.AccountID),
			zap.Error(err))
		return err
	}
	return nil
}
