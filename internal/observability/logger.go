// Package observability owns the process-wide zap logger.
package observability

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/xkilldash9x/subsentry/internal/config"
)

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

var (
	current  atomic.Pointer[zap.Logger]
	initOnce sync.Once
)

const ansiReset = "\x1b[0m"

// ansi maps the colour names accepted in logger.colors to escape sequences.
var ansi = map[string]string{
	"red":     "\x1b[31m",
	"green":   "\x1b[32m",
	"yellow":  "\x1b[33m",
	"blue":    "\x1b[34m",
	"magenta": "\x1b[35m",
	"cyan":    "\x1b[36m",
	"white":   "\x1b[37m",
}

// Initialize installs the global logger. Only the first call has any effect
// until ResetForTest. Console output goes to out; when cfg.LogFile is set,
// JSON lines are also written to a rotated file.
func Initialize(cfg config.LoggerConfig, out zapcore.WriteSyncer) {
	initOnce.Do(func() {
		lvl, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			lvl = zap.NewAtomicLevelAt(zap.InfoLevel)
		}

		cores := []zapcore.Core{zapcore.NewCore(newEncoder(cfg.Format, cfg.Colors), out, lvl)}
		if cfg.LogFile != "" {
			cores = append(cores, fileCore(cfg, lvl))
		}

		opts := []zap.Option{zap.AddStacktrace(zap.ErrorLevel)}
		if cfg.AddSource {
			opts = append(opts, zap.AddCaller())
		}

		logger := zap.New(zapcore.NewTee(cores...), opts...).Named(cfg.ServiceName)
		current.Store(logger)
		zap.ReplaceGlobals(logger)
		zap.RedirectStdLog(logger)
	})
}

// ResetForTest clears the global logger. Tests only.
func ResetForTest() {
	current.Store(nil)
	initOnce = sync.Once{}
}

func fileCore(cfg config.LoggerConfig, lvl zap.AtomicLevel) zapcore.Core {
	sink := zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	})
	return zapcore.NewCore(newEncoder("json", config.ColorConfig{}), sink, lvl)
}

// newEncoder builds a single-line console encoder for "console" and a JSON
// encoder for anything else.
func newEncoder(format string, colors config.ColorConfig) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.TimeEncoderOfLayout(timeLayout)
	if format != "console" {
		ec.EncodeLevel = zapcore.CapitalLevelEncoder
		return zapcore.NewJSONEncoder(ec)
	}
	ec.EncodeLevel = paletteEncoder(palette(colors))
	ec.EncodeName = func(name string, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(name + ".")
	}
	return zapcore.NewConsoleEncoder(ec)
}

// palette resolves the configured colour names once. Unknown names leave the
// level uncoloured.
func palette(c config.ColorConfig) map[zapcore.Level]string {
	byLevel := map[zapcore.Level]string{
		zapcore.DebugLevel:  c.Debug,
		zapcore.InfoLevel:   c.Info,
		zapcore.WarnLevel:   c.Warn,
		zapcore.ErrorLevel:  c.Error,
		zapcore.DPanicLevel: c.DPanic,
		zapcore.PanicLevel:  c.Panic,
		zapcore.FatalLevel:  c.Fatal,
	}
	p := make(map[zapcore.Level]string, len(byLevel))
	for lvl, name := range byLevel {
		if esc, ok := ansi[strings.ToLower(name)]; ok {
			p[lvl] = esc
		}
	}
	return p
}

func paletteEncoder(p map[zapcore.Level]string) zapcore.LevelEncoder {
	return func(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		name := l.CapitalString()
		if esc, ok := p[l]; ok {
			name = esc + name + ansiReset
		}
		enc.AppendString(name)
	}
}

// GetLogger returns the global logger, or a development fallback if
// Initialize was never called.
func GetLogger() *zap.Logger {
	if logger := current.Load(); logger != nil {
		return logger
	}
	dev, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	dev = dev.Named("fallback")
	dev.Warn("Logger used before Initialize.")
	return dev
}

// ForRun returns a child logger carrying the identifiers every run log line needs.
func ForRun(base *zap.Logger, runID, accountID, action string) *zap.Logger {
	if base == nil {
		base = GetLogger()
	}
	return base.With(
		zap.String("run_id", runID),
		zap.String("account_id", accountID),
		zap.String("action", action),
	)
}

// Sync flushes buffered entries. Call before exit.
func Sync() {
	logger := current.Load()
	if logger == nil {
		return
	}
	if err := logger.Sync(); err != nil && !ignorableSyncError(err) {
		fmt.Fprintln(os.Stderr, "Error: failed to sync logger:", err)
	}
}

// ignorableSyncError reports the errors fsync returns for terminals and pipes.
func ignorableSyncError(err error) bool {
	return errors.Is(err, syscall.EINVAL) ||
		errors.Is(err, syscall.ENOTTY) ||
		errors.Is(err, syscall.ENOTSUP) ||
		strings.Contains(err.Error(), "/dev/std")
}
