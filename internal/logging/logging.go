package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Logger handles debug logging to file and stderr.
type Logger struct {
	mu      sync.Mutex
	file    *os.File
	zl      zerolog.Logger
	stderr  io.Writer
	enabled bool
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Get returns the default logger instance.
func Get() *Logger {
	once.Do(func() {
		defaultLogger = &Logger{zl: zerolog.Nop(), stderr: os.Stderr}
		defaultLogger.init()
	})
	return defaultLogger
}

// New returns an enabled logger writing to w at the given level.
// Errors are mirrored to w instead of stderr.
func New(w io.Writer, level zerolog.Level) *Logger {
	return &Logger{
		zl:      newZerolog(w).Level(level),
		stderr:  io.Discard,
		enabled: true,
	}
}

func newZerolog(w io.Writer) zerolog.Logger {
	console := zerolog.ConsoleWriter{
		Out:        w,
		NoColor:    true,
		TimeFormat: "15:04:05.000",
	}
	return zerolog.New(console).With().Timestamp().Str("component", "backend").Logger()
}

func (l *Logger) init() {
	debugEnv := os.Getenv("NEWSGPT_DEBUG")

	home, err := os.UserHomeDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "newsgpt log: failed to get home dir: %v\n", err)
		return
	}

	debugFile := filepath.Join(home, ".newsgpt", "debug")
	_, debugFileErr := os.Stat(debugFile)
	debugFileExists := debugFileErr == nil

	if debugEnv != "1" && !debugFileExists {
		l.enabled = false
		return
	}

	logsDir := filepath.Join(home, ".newsgpt", "logs")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "newsgpt log: failed to create logs dir %s: %v\n", logsDir, err)
		return
	}

	timestamp := time.Now().Format("2006-01-02_15-04-05")
	logPath := filepath.Join(logsDir, fmt.Sprintf("newsgpt-%s.log", timestamp))

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "newsgpt log: failed to open log file %s: %v\n", logPath, err)
		return
	}

	l.file = file
	l.zl = newZerolog(file).Level(zerolog.DebugLevel)
	l.enabled = true

	if debugEnv == "1" {
		l.Info("Logging started (NEWSGPT_DEBUG=1)")
	} else {
		l.Info("Logging started (~/.newsgpt/debug exists)")
	}
	l.Info("Log file: %s", logPath)
}

// Enabled returns whether debug logging is enabled.
func (l *Logger) Enabled() bool {
	return l.enabled
}

// Zerolog exposes the underlying logger for structured call sites.
func (l *Logger) Zerolog() *zerolog.Logger {
	return &l.zl
}

func (l *Logger) event(level zerolog.Level) *zerolog.Event {
	return l.zl.WithLevel(level)
}

// Debug logs a debug message (file only).
func (l *Logger) Debug(format string, args ...any) {
	if !l.enabled {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.event(zerolog.DebugLevel).Msgf(format, args...)
}

// Info logs an info message (file only).
func (l *Logger) Info(format string, args ...any) {
	if !l.enabled {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.event(zerolog.InfoLevel).Msgf(format, args...)
}

// Warn logs a recovered problem (file only).
func (l *Logger) Warn(format string, args ...any) {
	if !l.enabled {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.event(zerolog.WarnLevel).Msgf(format, args...)
}

// Error logs an error message (file and stderr).
func (l *Logger) Error(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.stderr, "newsgpt error: %s\n", msg)
	if l.enabled {
		l.event(zerolog.ErrorLevel).Msg(msg)
	}
}

// Request logs an incoming request.
func (l *Logger) Request(action string, raw string) {
	if !l.enabled {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.event(zerolog.DebugLevel).Str("kind", "req").Str("action", action).Msg(truncate(raw, 500))
}

// Response logs an outgoing response.
func (l *Logger) Response(msgType string, raw string) {
	if !l.enabled {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.event(zerolog.DebugLevel).Str("kind", "resp").Str("type", msgType).Msg(truncate(raw, 500))
}

// Stream logs a streaming event.
func (l *Logger) Stream(eventType string, content string) {
	if !l.enabled {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.event(zerolog.DebugLevel).Str("kind", "stream").Str("event", eventType).Msg(truncate(content, 200))
}

// Close closes the log file.
func (l *Logger) Close() {
	if l.file != nil {
		l.file.Close()
	}
}

// Writer returns an io.Writer for the log file (for external use).
func (l *Logger) Writer() io.Writer {
	if l.file != nil {
		return l.file
	}
	return io.Discard
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
