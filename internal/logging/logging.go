package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/Kiremode/chatai-proxy/internal/config"
)

// Logger defines the interface for structured logging.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// NewLogger creates a new Logger instance based on the provided configuration.
// It supports different logger types, currently only "slog" is implemented.
func NewLogger(cfg *config.Config) Logger {
	switch cfg.LogType {
	case "slog", "":
		return newSlogLogger(cfg)
	default:
		panic("unsupported logger type: " + cfg.LogType)
	}
}

// NewNop returns a Logger that discards everything.
func NewNop() Logger {
	return &SlogLogger{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// SlogLogger wraps an slog.Logger to implement the Logger interface.
type SlogLogger struct {
	logger *slog.Logger
}

// newSlogLogger creates a new SlogLogger with output to either console or file.
// File output is used when LogToFile is set, console otherwise.
func newSlogLogger(cfg *config.Config) Logger {
	var writer io.Writer

	if cfg.LogToFile {
		writer = setupFileWriter(cfg.LogFile)
	} else {
		writer = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}

	var handler slog.Handler
	if strings.EqualFold(cfg.LogFormat, "text") {
		handler = slog.NewTextHandler(writer, opts)
	} else {
		handler = slog.NewJSONHandler(writer, opts)
	}

	return &SlogLogger{
		logger: slog.New(handler),
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// setupFileWriter creates a file writer for logging.
// It ensures the log directory exists and opens the file in append mode.
// If the file cannot be opened, it logs an error and returns os.Stdout.
func setupFileWriter(logFile string) io.Writer {
	logDir := filepath.Dir(logFile)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		slog.Error("Failed to create log directory", "error", err, "path", logDir)
		return os.Stdout
	}

	file, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		slog.Error("Failed to open log file", "error", err, "path", logFile)
		return os.Stdout
	}

	return file
}

// Debug logs a message at Debug level with optional key-value pairs.
func (l *SlogLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

// Info logs a message at Info level with optional key-value pairs.
func (l *SlogLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Info(msg, keysAndValues...)
}

// Warn logs a message at Warn level with optional key-value pairs.
func (l *SlogLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn(msg, keysAndValues...)
}

// Error logs a message at Error level with optional key-value pairs.
func (l *SlogLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, keysAndValues...)
}
