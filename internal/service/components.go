// Package service assembles the runtime components for one CLI invocation.
package service

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/subsentry/api/schemas"
	"github.com/xkilldash9x/subsentry/internal/config"
	"github.com/xkilldash9x/subsentry/internal/locale"
	"github.com/xkilldash9x/subsentry/internal/metrics"
	"github.com/xkilldash9x/subsentry/internal/store"
	"github.com/xkilldash9x/subsentry/internal/supervisor"
)

const shutdownTimeout = 30 * time.Second

// AccountDirectory looks up accounts and their alternate browser profiles.
type AccountDirectory interface {
	schemas.IdentifierLookup
	FindAccount(ctx context.Context, id string) (*schemas.Account, error)
	ListAccounts(ctx context.Context) ([]schemas.Account, error)
}

// ConnectorCloser is a Connector that owns browser processes.
type ConnectorCloser interface {
	schemas.Connector
	Shutdown(ctx context.Context) error
}

// Components holds everything one CLI invocation needs and owns their
// lifecycle.
type Components struct {
	Config     *config.Config
	Locales    *locale.Registry
	Connector  ConnectorCloser
	Directory  AccountDirectory
	Supervisor *supervisor.Supervisor
	// Store is nil when no database is configured.
	Store   *store.Store
	Metrics *metrics.Collector
	DBPool  *pgxpool.Pool

	logger        *zap.Logger
	metricsCancel context.CancelFunc
	metricsWG     sync.WaitGroup
}

// Shutdown releases the browsers, stops the metrics endpoint and closes the
// database pool, in that order.
func (c *Components) Shutdown() {
	logger := c.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("Beginning components shutdown sequence.")

	if c.Connector != nil {
		// The caller's context may already be canceled.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := c.Connector.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error during browser shutdown.", zap.Error(err))
		} else {
			logger.Debug("Browsers shut down.")
		}
		cancel()
	}

	if c.metricsCancel != nil {
		c.metricsCancel()
		c.metricsWG.Wait()
		logger.Debug("Metrics endpoint stopped.")
	}

	if c.DBPool != nil {
		c.DBPool.Close()
		logger.Debug("Database connection pool closed.")
	}
}
