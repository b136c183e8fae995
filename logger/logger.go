package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// Level defines the log level
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

// String returns the tag printed in front of every message of this level.
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	case FatalLevel:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

var (
	currentLevel = InfoLevel
	mu           sync.RWMutex
	logger       = log.New(os.Stderr, "", log.LstdFlags)
)

// ParseLevel converts a config value into a Level. Unknown values map to
// InfoLevel and ok is false.
func ParseLevel(levelStr string) (level Level, ok bool) {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "debug":
		return DebugLevel, true
	case "info", "":
		return InfoLevel, true
	case "warn", "warning":
		return WarnLevel, true
	case "error":
		return ErrorLevel, true
	case "fatal":
		return FatalLevel, true
	default:
		return InfoLevel, false
	}
}

// SetLevel sets the global log level
func SetLevel(levelStr string) {
	level, ok := ParseLevel(levelStr)

	mu.Lock()
	currentLevel = level
	mu.Unlock()

	if !ok {
		Warnf("Unknown log level %q, falling back to info", levelStr)
	}
}

// GetLevel returns the active log level
func GetLevel() Level {
	mu.RLock()
	defer mu.RUnlock()
	return currentLevel
}

// IsDebug reports whether debug output is enabled. Hot paths use it to skip
// building expensive debug messages.
func IsDebug() bool {
	return shouldLog(DebugLevel)
}

// SetOutput sets the output destination for the logger
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	logger.SetOutput(w)
}

// Debug logs a message at DebugLevel
func Debug(v ...interface{}) {
	if shouldLog(DebugLevel) {
		output(DebugLevel, fmt.Sprint(v...))
	}
}

// Debugf logs a formatted message at DebugLevel
func Debugf(format string, v ...interface{}) {
	if shouldLog(DebugLevel) {
		output(DebugLevel, fmt.Sprintf(format, v...))
	}
}

// Info logs a message at InfoLevel
func Info(v ...interface{}) {
	if shouldLog(InfoLevel) {
		output(InfoLevel, fmt.Sprint(v...))
	}
}

// Infof logs a formatted message at InfoLevel
func Infof(format string, v ...interface{}) {
	if shouldLog(InfoLevel) {
		output(InfoLevel, fmt.Sprintf(format, v...))
	}
}

// Warn logs a message at WarnLevel
func Warn(v ...interface{}) {
	if shouldLog(WarnLevel) {
		output(WarnLevel, fmt.Sprint(v...))
	}
}

// Warnf logs a formatted message at WarnLevel
func Warnf(format string, v ...interface{}) {
	if shouldLog(WarnLevel) {
		output(WarnLevel, fmt.Sprintf(format, v...))
	}
}

// Error logs a message at ErrorLevel
func Error(v ...interface{}) {
	if shouldLog(ErrorLevel) {
		output(ErrorLevel, fmt.Sprint(v...))
	}
}

// Errorf logs a formatted message at ErrorLevel
func Errorf(format string, v ...interface{}) {
	if shouldLog(ErrorLevel) {
		output(ErrorLevel, fmt.Sprintf(format, v...))
	}
}

// Fatal logs a message at FatalLevel and exits
func Fatal(v ...interface{}) {
	output(FatalLevel, fmt.Sprint(v...))
	os.Exit(1)
}

// Fatalf logs a formatted message at FatalLevel and exits
func Fatalf(format string, v ...interface{}) {
	output(FatalLevel, fmt.Sprintf(format, v...))
	os.Exit(1)
}

func shouldLog(level Level) bool {
	mu.RLock()
	defer mu.RUnlock()
	return level >= currentLevel
}

func output(level Level, msg string) {
	// calldepth 3 points at the caller of Debugf/Infof/...
	logger.Output(3, fmt.Sprintf("[%s] %s", level, msg))
}
