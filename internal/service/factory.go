package service

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/xkilldash9x/subsentry/internal/auth"
	"github.com/xkilldash9x/subsentry/internal/browser"
	"github.com/xkilldash9x/subsentry/internal/config"
	"github.com/xkilldash9x/subsentry/internal/locale"
	"github.com/xkilldash9x/subsentry/internal/metrics"
	"github.com/xkilldash9x/subsentry/internal/store"
	"github.com/xkilldash9x/subsentry/internal/supervisor"
)

// ConnectorFactory builds the browser connector.
type ConnectorFactory func(cfg *config.Config, logger *zap.Logger) (ConnectorCloser, error)

// BrowserConnector is the production ConnectorFactory.
func BrowserConnector(cfg *config.Config, logger *zap.Logger) (ConnectorCloser, error) {
	m, err := browser.NewManager(cfg, logger)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Factory creates Components. The zero value is not usable; use NewFactory.
type Factory struct {
	Connector  ConnectorFactory
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	Clock      clockwork.Clock
}

// NewFactory returns the production factory.
func NewFactory() *Factory {
	return &Factory{
		Connector:  BrowserConnector,
		Registerer: prometheus.DefaultRegisterer,
		Gatherer:   prometheus.DefaultGatherer,
		Clock:      clockwork.NewRealClock(),
	}
}

// Create handles the dependency injection and initialization of the run components.
func (f *Factory) Create(ctx context.Context, cfg *config.Config, logger *zap.Logger) (c *Components, err error) {
	c = &Components{Config: cfg, logger: logger}

	// Cleanup whatever was started if a later step fails.
	defer func() {
		if err != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(err))
			c.Shutdown()
			c = nil
		}
	}()

	// 1. Locale tables
	c.Locales, err = locale.Load(cfg.Locale.TablesPath, cfg.Locale.Default)
	if err != nil {
		return c, fmt.Errorf("failed to load locale tables: %w", err)
	}

	// 2. Accounts and persistence
	if cfg.Database.URL != "" {
		c.DBPool, err = pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return c, fmt.Errorf("failed to create database connection pool: %w", err)
		}
		c.Store, err = store.New(ctx, c.DBPool, logger)
		if err != nil {
			return c, fmt.Errorf("failed to initialize database store: %w", err)
		}
		if err = c.Store.Migrate(ctx); err != nil {
			return c, err
		}
		c.Directory = c.Store
		logger.Debug("Database store initialized.")
	} else {
		c.Directory, err = store.LoadFileDirectory(cfg.Engine.AccountsFile)
		if err != nil {
			return c, fmt.Errorf("no database configured and the accounts file could not be used: %w", err)
		}
		logger.Debug("Account file loaded.", zap.String("path", cfg.Engine.AccountsFile))
	}

	// 3. Login collaborator
	authProvider, err := auth.New(cfg.Auth, c.Locales, f.Clock, logger)
	if err != nil {
		return c, fmt.Errorf("failed to initialize auth provider: %w", err)
	}

	// 4. Browser connector
	c.Connector, err = f.Connector(cfg, logger)
	if err != nil {
		return c, fmt.Errorf("failed to initialize browser connector: %w", err)
	}

	// 5. Metrics
	opts := []supervisor.Option{supervisor.WithClock(f.Clock)}
	if cfg.Metrics.Enabled {
		c.Metrics = metrics.NewCollector(f.Registerer)
		opts = append(opts, supervisor.WithObserver(c.Metrics))
		f.startMetrics(ctx, c, cfg.Metrics.Address, logger)
	}

	// 6. Supervisor
	c.Supervisor = supervisor.New(cfg, c.Connector, authProvider, c.Locales, logger, opts...)

	logger.Debug("All run components initialized.")
	return c, nil
}

func (f *Factory) startMetrics(ctx context.Context, c *Components, addr string, logger *zap.Logger) {
	metricsCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.metricsCancel = cancel
	c.metricsWG.Add(1)
	go func() {
		defer c.metricsWG.Done()
		if err := metrics.Serve(metricsCtx, addr, f.Gatherer, logger.Named("metrics")); err != nil {
			logger.Warn("Metrics server stopped unexpectedly", zap.Error(err))
		}
	}()
}
