package observability

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/playbaseball/gatekeeper/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	t.Cleanup(func() { SetLogLevel(config.LogLevelInfo) })

	t.Run("writes JSON by default", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewLoggerTo(&buf, config.LogLevelInfo, "xml")
		l.Info("hello", "key", "member:1")

		var rec map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
		assert.Equal(t, "hello", rec["msg"])
		assert.Equal(t, "member:1", rec["key"])
	})

	t.Run("writes text when asked", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewLoggerTo(&buf, config.LogLevelDebug, config.LogFormatText)
		l.Debug("dbg")
		assert.Contains(t, buf.String(), "msg=dbg")
	})

	t.Run("filters below level", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewLoggerTo(&buf, config.LogLevelWarn, config.LogFormatJSON)
		l.Info("dropped")
		assert.Empty(t, buf.String())
	})

	t.Run("SetLogLevel applies to existing loggers", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewLoggerTo(&buf, config.LogLevelError, config.LogFormatJSON)
		l.Info("before")
		SetLogLevel(config.LogLevelInfo)
		l.Info("after")
		assert.NotContains(t, buf.String(), "before")
		assert.Contains(t, buf.String(), "after")
	})

	t.Run("NewLogger is usable", func(t *testing.T) {
		assert.NotNil(t, NewLogger(config.LogLevelInfo, config.LogFormatJSON))
	})
}

func TestSlogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, slogLevel(config.LogLevelDebug))
	assert.Equal(t, slog.LevelInfo, slogLevel(""))
	assert.Equal(t, slog.LevelInfo, slogLevel("trace"))
	assert.Equal(t, slog.LevelWarn, slogLevel(config.LogLevelWarn))
	assert.Equal(t, slog.LevelError, slogLevel(config.LogLevelError))
}
