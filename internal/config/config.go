// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	Browser    BrowserConfig    `mapstructure:"browser" yaml:"browser"`
	Connection ConnectionConfig `mapstructure:"connection" yaml:"connection"`
	Workflow   WorkflowConfig   `mapstructure:"workflow" yaml:"workflow"`
	Dates      DatesConfig      `mapstructure:"dates" yaml:"dates"`
	Locale     LocaleConfig     `mapstructure:"locale" yaml:"locale"`
	Auth       AuthConfig       `mapstructure:"auth" yaml:"auth"`
	Database   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	Engine     EngineConfig     `mapstructure:"engine" yaml:"engine"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig holds settings for the automated browser sessions.
type BrowserConfig struct {
	Headless  bool     `mapstructure:"headless" yaml:"headless"`
	ExecPath  string   `mapstructure:"exec_path" yaml:"exec_path"`
	Args      []string `mapstructure:"args" yaml:"args"`
	UserAgent string   `mapstructure:"user_agent" yaml:"user_agent"`
	Timezone  string   `mapstructure:"timezone" yaml:"timezone"`
	Locale    string   `mapstructure:"locale" yaml:"locale"`
	// Viewport is the emulated window size.
	ViewportWidth  int `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight int `mapstructure:"viewport_height" yaml:"viewport_height"`
	// ScreenshotDir receives failure screenshots. Empty disables capture.
	ScreenshotDir string `mapstructure:"screenshot_dir" yaml:"screenshot_dir"`
	// IPCheckURL returns the caller's public IP as plain text.
	IPCheckURL string `mapstructure:"ip_check_url" yaml:"ip_check_url"`
	// Proxy is handed to Chrome as --proxy-server. Selection happens upstream.
	Proxy string `mapstructure:"proxy" yaml:"proxy"`
}

// ConnectionConfig selects how an identifier becomes a browser handle.
type ConnectionConfig struct {
	// Mode is "profile" (local user-data directories) or "remote" (anti-detect browser API).
	Mode string `mapstructure:"mode" yaml:"mode"`
	// ProfilesDir is the parent of the per-identifier user-data directories.
	ProfilesDir string `mapstructure:"profiles_dir" yaml:"profiles_dir"`
	// RemoteAPI is the base URL of the local profile-launch API.
	RemoteAPI string `mapstructure:"remote_api" yaml:"remote_api"`
	// StartTimeout bounds launching one profile.
	StartTimeout time.Duration `mapstructure:"start_timeout" yaml:"start_timeout"`
	// Retries is how many times the supervisor repeats a transient resolve failure.
	Retries int `mapstructure:"retries" yaml:"retries"`
}

// WorkflowConfig tunes the supervisor.
type WorkflowConfig struct {
	ManagementURL       string        `mapstructure:"management_url" yaml:"management_url"`
	HardTimeout         time.Duration `mapstructure:"hard_timeout" yaml:"hard_timeout"`
	StagnationPoll      time.Duration `mapstructure:"stagnation_poll" yaml:"stagnation_poll"`
	StagnationRefresh   time.Duration `mapstructure:"stagnation_refresh" yaml:"stagnation_refresh"`
	StagnationSkip      time.Duration `mapstructure:"stagnation_skip" yaml:"stagnation_skip"`
	MaxRefreshes        int           `mapstructure:"max_refreshes" yaml:"max_refreshes"`
	StepRetries         int           `mapstructure:"step_retries" yaml:"step_retries"`
	RetryBackoff        time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
	NavigationTimeout   time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ConfirmationTimeout time.Duration `mapstructure:"confirmation_timeout" yaml:"confirmation_timeout"`
	ConfirmationPoll    time.Duration `mapstructure:"confirmation_poll" yaml:"confirmation_poll"`
	ConfirmationStages  int           `mapstructure:"confirmation_stages" yaml:"confirmation_stages"`
	VerifyTimeout       time.Duration `mapstructure:"verify_timeout" yaml:"verify_timeout"`
	SettleDelay         time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	CaptchaRetries      int           `mapstructure:"captcha_retries" yaml:"captcha_retries"`
	Debug               bool          `mapstructure:"debug" yaml:"debug"`
}

// DatesConfig bounds the years accepted by the date resolver.
type DatesConfig struct {
	MinYear int `mapstructure:"min_year" yaml:"min_year"`
	MaxYear int `mapstructure:"max_year" yaml:"max_year"`
}

// LocaleConfig points at locale tables.
type LocaleConfig struct {
	Default string `mapstructure:"default" yaml:"default"`
	// TablesPath optionally overrides the embedded tables with a YAML file.
	TablesPath string `mapstructure:"tables_path" yaml:"tables_path"`
}

// AuthConfig selects the AuthProvider implementation.
type AuthConfig struct {
	// Provider is "session" or "password".
	Provider     string        `mapstructure:"provider" yaml:"provider"`
	LoginTimeout time.Duration `mapstructure:"login_timeout" yaml:"login_timeout"`
}

// DatabaseConfig holds the database connection details.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// EngineConfig configures the batch runner.
type EngineConfig struct {
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency"`
	// StartRate is the maximum number of runs started per second.
	StartRate  float64 `mapstructure:"start_rate" yaml:"start_rate"`
	StartBurst int     `mapstructure:"start_burst" yaml:"start_burst"`
	// AccountsFile is used when no database is configured.
	AccountsFile string `mapstructure:"accounts_file" yaml:"accounts_file"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Address string `mapstructure:"address" yaml:"address"`
}

// NewDefaultConfig creates a configuration populated only with defaults.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Defaults are static; a failure here is a programming error.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "subsentry")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36")
	v.SetDefault("browser.timezone", "")
	v.SetDefault("browser.locale", "")
	v.SetDefault("browser.viewport_width", 1366)
	v.SetDefault("browser.viewport_height", 900)
	v.SetDefault("browser.screenshot_dir", "screenshots")
	v.SetDefault("browser.ip_check_url", "https://api.ipify.org")

	// -- Connection --
	v.SetDefault("connection.mode", "profile")
	v.SetDefault("connection.profiles_dir", "~/.subsentry/profiles")
	v.SetDefault("connection.remote_api", "http://local.adspower.net:50325")
	v.SetDefault("connection.start_timeout", "60s")
	v.SetDefault("connection.retries", 2)

	// -- Workflow --
	v.SetDefault("workflow.management_url", "https://www.youtube.com/paid_memberships")
	v.SetDefault("workflow.hard_timeout", "5m")
	v.SetDefault("workflow.stagnation_poll", "10s")
	v.SetDefault("workflow.stagnation_refresh", "60s")
	v.SetDefault("workflow.stagnation_skip", "120s")
	v.SetDefault("workflow.max_refreshes", 2)
	v.SetDefault("workflow.step_retries", 3)
	v.SetDefault("workflow.retry_backoff", "2s")
	v.SetDefault("workflow.navigation_timeout", "45s")
	v.SetDefault("workflow.confirmation_timeout", "12s")
	v.SetDefault("workflow.confirmation_poll", "500ms")
	v.SetDefault("workflow.confirmation_stages", 2)
	v.SetDefault("workflow.verify_timeout", "20s")
	v.SetDefault("workflow.settle_delay", "1500ms")
	v.SetDefault("workflow.captcha_retries", 2)
	v.SetDefault("workflow.debug", false)

	// -- Dates --
	v.SetDefault("dates.min_year", 2020)
	v.SetDefault("dates.max_year", 2035)

	// -- Locale --
	v.SetDefault("locale.default", "en")
	v.SetDefault("locale.tables_path", "")

	// -- Auth --
	v.SetDefault("auth.provider", "session")
	v.SetDefault("auth.login_timeout", "90s")

	// -- Engine --
	v.SetDefault("engine.concurrency", 3)
	v.SetDefault("engine.start_rate", 0.5)
	v.SetDefault("engine.start_burst", 1)
	v.SetDefault("engine.accounts_file", "accounts.yaml")

	// -- Metrics --
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.address", ":9464")
}

// NewConfigFromViper builds and validates a Config from a populated viper instance.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Secrets are only ever read from the environment.
	_ = v.BindEnv("database.url", "SUBSENTRY_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.Database.URL == "" {
		cfg.Database.URL = os.Getenv("DATABASE_URL")
	}

	if err := cfg.ExpandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// ExpandPaths resolves '~' in every path-valued setting.
func (c *Config) ExpandPaths() error {
	paths := []*string{
		&c.Connection.ProfilesDir,
		&c.Browser.ScreenshotDir,
		&c.Browser.ExecPath,
		&c.Locale.TablesPath,
		&c.Engine.AccountsFile,
		&c.Logger.LogFile,
	}
	for _, p := range paths {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("could not resolve path '%s': %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	switch c.Connection.Mode {
	case "profile", "remote":
	default:
		return fmt.Errorf("connection.mode must be 'profile' or 'remote', got '%s'", c.Connection.Mode)
	}
	switch c.Auth.Provider {
	case "session", "password":
	default:
		return fmt.Errorf("auth.provider must be 'session' or 'password', got '%s'", c.Auth.Provider)
	}
	if err := c.Workflow.Validate(); err != nil {
		return fmt.Errorf("workflow configuration invalid: %w", err)
	}
	if c.Dates.MinYear <= 0 || c.Dates.MaxYear < c.Dates.MinYear {
		return fmt.Errorf("dates.min_year and dates.max_year must form a positive, non-empty window")
	}
	if c.Engine.Concurrency <= 0 {
		return fmt.Errorf("engine.concurrency must be a positive integer")
	}
	if c.Engine.StartRate < 0 {
		return fmt.Errorf("engine.start_rate must not be negative")
	}
	return nil
}

// Validate checks the supervisor timings.
func (w *WorkflowConfig) Validate() error {
	if w.ManagementURL == "" {
		return fmt.Errorf("management_url is required")
	}
	if w.HardTimeout <= 0 {
		return fmt.Errorf("hard_timeout must be a positive duration")
	}
	if w.StagnationPoll <= 0 {
		return fmt.Errorf("stagnation_poll must be a positive duration")
	}
	if w.StagnationRefresh <= 0 || w.StagnationSkip <= w.StagnationRefresh {
		return fmt.Errorf("stagnation_skip must be greater than stagnation_refresh and both positive")
	}
	if w.MaxRefreshes < 0 {
		return fmt.Errorf("max_refreshes must not be negative")
	}
	if w.StepRetries <= 0 {
		return fmt.Errorf("step_retries must be a positive integer")
	}
	if w.ConfirmationTimeout <= 0 || w.ConfirmationPoll <= 0 {
		return fmt.Errorf("confirmation_timeout and confirmation_poll must be positive durations")
	}
	if w.VerifyTimeout <= 0 {
		return fmt.Errorf("verify_timeout must be a positive duration")
	}
	return nil
}
