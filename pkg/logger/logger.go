// Package logger provides component-scoped structured logging.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var (
	mu       sync.RWMutex
	levelVar = new(slog.LevelVar)
	base     = newLogger(os.Stderr)
)

func newLogger(w io.Writer) *slog.Logger {
	levelVar.Set(slog.LevelInfo)
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: levelVar}))
}

func toSlog(level LogLevel) slog.Level {
	switch level {
	case DEBUG:
		return slog.LevelDebug
	case WARN:
		return slog.LevelWarn
	case ERROR:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func SetLevel(level LogLevel) {
	levelVar.Set(toSlog(level))
}

func GetLevel() LogLevel {
	switch l := levelVar.Level(); {
	case l <= slog.LevelDebug:
		return DEBUG
	case l <= slog.LevelInfo:
		return INFO
	case l <= slog.LevelWarn:
		return WARN
	default:
		return ERROR
	}
}

// SetOutput redirects log output, keeping the current level.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	base = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: levelVar}))
}

func logf(level LogLevel, component, message string, fields map[string]interface{}) {
	mu.RLock()
	l := base
	mu.RUnlock()

	lvl := toSlog(level)
	ctx := context.Background()
	if !l.Enabled(ctx, lvl) {
		return
	}

	attrs := make([]slog.Attr, 0, len(fields)+1)
	if component != "" {
		attrs = append(attrs, slog.String("component", component))
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, fields[k]))
	}
	l.LogAttrs(ctx, lvl, message, attrs...)
}

func Debug(message string) { logf(DEBUG, "", message, nil) }
func Info(message string)  { logf(INFO, "", message, nil) }
func Warn(message string)  { logf(WARN, "", message, nil) }
func Error(message string) { logf(ERROR, "", message, nil) }

func DebugC(component, message string) { logf(DEBUG, component, message, nil) }
func InfoC(component, message string)  { logf(INFO, component, message, nil) }
func WarnC(component, message string)  { logf(WARN, component, message, nil) }
func ErrorC(component, message string) { logf(ERROR, component, message, nil) }

func DebugCF(component, message string, fields map[string]interface{}) {
	logf(DEBUG, component, message, fields)
}

func InfoCF(component, message string, fields map[string]interface{}) {
	logf(INFO, component, message, fields)
}

func WarnCF(component, message string, fields map[string]interface{}) {
	logf(WARN, component, message, fields)
}

func ErrorCF(component, message string, fields map[string]interface{}) {
	logf(ERROR, component, message, fields)
}
