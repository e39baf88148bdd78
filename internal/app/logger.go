package app

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// Logger interface shared by every layer
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
}

// LogLevel orders log severities
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

var levelPrefix = map[LogLevel]*color.Color{
	LogLevelDebug: color.New(color.Faint),
	LogLevelInfo:  color.New(color.FgCyan),
	LogLevelWarn:  color.New(color.FgYellow),
	LogLevelError: color.New(color.FgRed, color.Bold),
}

var levelName = map[LogLevel]string{
	LogLevelDebug: "DEBUG",
	LogLevelInfo:  "INFO",
	LogLevelWarn:  "WARN",
	LogLevelError: "ERROR",
}

// LevelLogger writes "LEVEL: message" lines at or above a minimum level
type LevelLogger struct {
	mu       sync.RWMutex
	minLevel LogLevel
	output   io.Writer
}

// NewLogger creates a logger with the specified minimum level
func NewLogger(minLevel LogLevel, output io.Writer) *LevelLogger {
	return &LevelLogger{minLevel: minLevel, output: output}
}

// SetLevel changes the minimum log level
func (l *LevelLogger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minLevel = level
}

// Level returns the current minimum log level
func (l *LevelLogger) Level() LogLevel {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.minLevel
}

// SetOutput changes the output writer
func (l *LevelLogger) SetOutput(output io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = output
}

func (l *LevelLogger) Debug(format string, args ...interface{}) {
	l.log(LogLevelDebug, format, args...)
}

func (l *LevelLogger) Info(format string, args ...interface{}) {
	l.log(LogLevelInfo, format, args...)
}

func (l *LevelLogger) Warn(format string, args ...interface{}) {
	l.log(LogLevelWarn, format, args...)
}

func (l *LevelLogger) Error(format string, args ...interface{}) {
	l.log(LogLevelError, format, args...)
}

func (l *LevelLogger) log(level LogLevel, format string, args ...interface{}) {
	l.mu.RLock()
	minLevel := l.minLevel
	output := l.output
	l.mu.RUnlock()

	if level < minLevel {
		return
	}
	prefix := levelPrefix[level].Sprint(levelName[level])
	fmt.Fprintf(output, "%s: %s\n", prefix, fmt.Sprintf(format, args...))
}

// LogLevelFromString parses a level name; unknown values fall back to warn
func LogLevelFromString(level string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelWarn
	}
}

// globalLogger is the logger instance used across layers
var globalLogger Logger = NewLogger(LogLevelWarn, os.Stderr)

// SetLogger sets the global logger
func SetLogger(logger Logger) {
	if logger != nil {
		globalLogger = logger
	}
}

// GetLogger returns the current logger
func GetLogger() Logger {
	return globalLogger
}

// InitLogger installs a stderr logger at the named level
func InitLogger(level string) *LevelLogger {
	l := NewLogger(LogLevelFromString(level), os.Stderr)
	SetLogger(l)
	return l
}

// Metric keys logged at operation milestones as key=value pairs
const (
	MetricOpIntent          = "op.intent"
	MetricOpCommitSuccess   = "op.commit.success"
	MetricOpCommitFailed    = "op.commit.failed"
	MetricOpPauseConflict   = "op.pause.conflict"
	MetricOpResume          = "op.resume"
	MetricOpCasFailed       = "op.cas.failed"
	MetricOpRollbackSuccess = "op.rollback.success"
	MetricOpRollbackFailed  = "op.rollback.failed"
	MetricOpVerifyFailed    = "op.verify.failed"
	MetricOpRemoteFailed    = "op.remote.failed"
	MetricLockAcquireWaitMs = "lock.acquire.wait_ms"
	MetricLockContention    = "lock.contention"
	MetricLedgerDivergence  = "ledger.divergence"
)
