// Package logger provides leveled file logging shared by the whole
// process. Output goes to a log file rather than the terminal so that
// interactive hosts keep their screen to themselves.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelNone
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR", "NONE"}

func (l Level) String() string {
	if l < LevelDebug || l > LevelNone {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// ParseLevel maps a user-supplied string to a Level. Unrecognized
// input falls back to LevelInfo rather than failing.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "none":
		return LevelNone
	default:
		return LevelInfo
	}
}

// Logger writes timestamped, leveled log lines. Safe for concurrent use.
type Logger struct {
	mu       sync.RWMutex
	level    Level
	out      *log.Logger
	prefix   string
	file     *os.File
	disabled bool
}

var (
	globalLogger *Logger
	once         sync.Once
)

// Init sets up the process-wide logger. Only the first call has any effect.
func Init(level Level, logPath string) error {
	var err error
	once.Do(func() {
		globalLogger, err = New(level, logPath, "")
	})
	return err
}

// New opens (or creates) the file at logPath and returns a Logger
// appending to it. An empty path or LevelNone yields a disabled logger.
func New(level Level, logPath string, prefix string) (*Logger, error) {
	if level == LevelNone || logPath == "" {
		return &Logger{
			level:    level,
			prefix:   prefix,
			out:      log.New(io.Discard, "", 0),
			disabled: true,
		}, nil
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &Logger{
		level:  level,
		prefix: prefix,
		out:    log.New(file, "", 0),
		file:   file,
	}, nil
}

// NewWithWriter creates a Logger writing to an arbitrary writer.
// Used by tests and by hosts that manage their own log sinks.
func NewWithWriter(level Level, w io.Writer, prefix string) *Logger {
	if w == nil {
		w = io.Discard
	}
	return &Logger{
		level:  level,
		out:    log.New(w, "", 0),
		prefix: prefix,
	}
}

// Global returns the shared logger. Before Init it returns a disabled
// logger, so call sites never need a nil check.
func Global() *Logger {
	if globalLogger == nil {
		globalLogger = &Logger{
			level:    LevelNone,
			out:      log.New(io.Discard, "", 0),
			disabled: true,
		}
	}
	return globalLogger
}

// WithPrefix returns a logger whose lines carry prefix, nested under
// any prefix the receiver already has.
func (l *Logger) WithPrefix(prefix string) *Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.prefix != "" {
		prefix = l.prefix + ":" + prefix
	}
	return &Logger{
		level:    l.level,
		out:      l.out,
		prefix:   prefix,
		file:     l.file,
		disabled: l.disabled,
	}
}

func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

func (l *Logger) GetLevel() Level {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level
}

func (l *Logger) log(level Level, format string, args ...interface{}) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.disabled || level < l.level {
		return
	}

	prefix := ""
	if l.prefix != "" {
		prefix = "[" + l.prefix + "] "
	}
	l.out.Printf("%s [%s] %s%s",
		time.Now().Format("2006-01-02 15:04:05.000"),
		level, prefix, fmt.Sprintf(format, args...))
}

func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(LevelDebug, format, args...)
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.log(LevelInfo, format, args...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(LevelWarn, format, args...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	l.log(LevelError, format, args...)
}

// Close releases the underlying log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Package-level helpers that forward to the global logger.

func Debug(format string, args ...interface{}) { Global().Debug(format, args...) }
func Info(format string, args ...interface{})  { Global().Info(format, args...) }
func Warn(format string, args ...interface{})  { Global().Warn(format, args...) }
func Error(format string, args ...interface{}) { Global().Error(format, args...) }
