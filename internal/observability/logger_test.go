package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/subsentry/internal/config"
)

// bufferSyncer adapts a bytes.Buffer to zapcore.WriteSyncer.
type bufferSyncer struct {
	bytes.Buffer
}

func (b *bufferSyncer) Sync() error { return nil }

func TestInitialize(t *testing.T) {
	t.Run("console format colorizes levels and names the logger", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)

		var buf bufferSyncer
		Initialize(config.LoggerConfig{
			Level:       "debug",
			Format:      "console",
			ServiceName: "subsentry-test",
			Colors:      config.ColorConfig{Info: "green"},
		}, &buf)

		GetLogger().Info("classifier ready")

		out := buf.String()
		assert.Contains(t, out, "classifier ready")
		assert.Contains(t, out, ansi["green"]+"INFO"+ansiReset)
		assert.Contains(t, out, "subsentry-test.")
	})

	t.Run("json format emits parseable lines", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)

		var buf bufferSyncer
		Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "svc"}, &buf)
		GetLogger().Info("run finished", zap.String("outcome", "resumed"))

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
		assert.Equal(t, "INFO", entry["level"])
		assert.Equal(t, "run finished", entry["msg"])
		assert.Equal(t, "resumed", entry["outcome"])
	})

	t.Run("invalid level falls back to info", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)

		var buf bufferSyncer
		Initialize(config.LoggerConfig{Level: "loud", Format: "json"}, &buf)
		GetLogger().Debug("hidden")
		GetLogger().Info("shown")

		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "shown")
	})

	t.Run("initialization happens once", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)

		var first, second bufferSyncer
		Initialize(config.LoggerConfig{Level: "info", Format: "json"}, &first)
		Initialize(config.LoggerConfig{Level: "info", Format: "json"}, &second)
		GetLogger().Info("only once")

		assert.Contains(t, first.String(), "only once")
		assert.Empty(t, second.String())
	})

	t.Run("log file receives JSON entries", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)

		logFile := filepath.Join(t.TempDir(), "subsentry.log")
		Initialize(config.LoggerConfig{Level: "info", Format: "console", LogFile: logFile, MaxSize: 1}, zapcore.AddSync(&bytes.Buffer{}))
		GetLogger().Info("persisted line")
		Sync()

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"msg":"persisted line"`)
	})
}

func TestGetLoggerFallback(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	logger := GetLogger()
	require.NotNil(t, logger)
}

func TestForRun(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := ForRun(zap.New(core), "run-1", "acct-9", "resume")
	logger.Info("step")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "run-1", fields["run_id"])
	assert.Equal(t, "acct-9", fields["account_id"])
	assert.Equal(t, "resume", fields["action"])
}

func TestPalette(t *testing.T) {
	p := palette(config.ColorConfig{Warn: "Yellow", Error: "crimson"})
	assert.Equal(t, ansi["yellow"], p[zapcore.WarnLevel])
	assert.NotContains(t, p, zapcore.ErrorLevel)
	assert.NotContains(t, p, zapcore.InfoLevel)

	assert.True(t, ignorableSyncError(&os.PathError{Op: "sync", Path: "/dev/stderr", Err: syscall.EINVAL}))
	assert.False(t, ignorableSyncError(os.ErrPermission))
}
