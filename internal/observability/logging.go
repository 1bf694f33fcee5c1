package observability

import (
	"io"
	"log/slog"
	"os"

	"github.com/playbaseball/gatekeeper/internal/config"
)

// logLevel is shared by every logger built here so a config reload can
// change verbosity without rebuilding handlers.
var logLevel = new(slog.LevelVar)

// NewLogger creates a structured logger writing to stdout.
func NewLogger(level config.LogLevel, format config.LogFormat) *slog.Logger {
	return NewLoggerTo(os.Stdout, level, format)
}

// NewLoggerTo creates a structured logger writing to w.
func NewLoggerTo(w io.Writer, level config.LogLevel, format config.LogFormat) *slog.Logger {
	SetLogLevel(level)

	opts := &slog.HandlerOptions{Level: logLevel}

	var handler slog.Handler
	if format == config.LogFormatText {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler)
}

// SetLogLevel changes the minimum level of all loggers from NewLogger.
func SetLogLevel(level config.LogLevel) {
	logLevel.Set(slogLevel(level))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogLevelDebug:
		return slog.LevelDebug
	case config.LogLevelWarn:
		return slog.LevelWarn
	case config.LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
