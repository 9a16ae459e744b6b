package observability

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogFileConfig enables a rotating log file next to stdout.
type LogFileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

var (
	outputMu     sync.RWMutex
	output       io.Writer = os.Stdout
	defaultLevel           = zerolog.InfoLevel
)

// SetupLogOutput makes every logger created afterwards write to stdout and,
// when cfg.Path is set, to a lumberjack-rotated file. The returned closer
// releases the file.
func SetupLogOutput(cfg LogFileConfig) io.Closer {
	outputMu.Lock()
	defer outputMu.Unlock()
	if cfg.Path == "" {
		output = os.Stdout
		return nopCloser{}
	}
	rotate := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		LocalTime:  true,
		Compress:   cfg.Compress,
	}
	output = zerolog.MultiLevelWriter(os.Stdout, rotate)
	return rotate
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// SetLogLevel sets the level of loggers created afterwards when
// MASSACRE_LOG_LEVEL is not set.
func SetLogLevel(level string) {
	outputMu.Lock()
	defaultLevel = parseLogLevel(level)
	outputMu.Unlock()
}

// NewLogger creates a structured JSON logger for one component.
// Level comes from MASSACRE_LOG_LEVEL, then SetLogLevel (default info).
func NewLogger(component string) zerolog.Logger {
	if env := os.Getenv("MASSACRE_LOG_LEVEL"); env != "" {
		return NewLoggerWithLevel(component, parseLogLevel(env))
	}
	outputMu.RLock()
	level := defaultLevel
	outputMu.RUnlock()
	return NewLoggerWithLevel(component, level)
}

// NewLoggerWithLevel creates a logger with an explicit level.
func NewLoggerWithLevel(component string, level zerolog.Level) zerolog.Logger {
	outputMu.RLock()
	w := output
	outputMu.RUnlock()
	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

func parseLogLevel(s string) zerolog.Level {
	switch s {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
