package obs

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
)

var (
	mu     sync.RWMutex
	level  = new(slog.LevelVar)
	logger = newLogger(os.Stdout)
)

func newLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) {
	if v {
		level.Set(slog.LevelDebug)
		return
	}
	level.Set(slog.LevelInfo)
}

// SetLevel parses one of "debug", "info", "warn", "error"; anything else means info.
func SetLevel(name string) {
	switch strings.ToLower(name) {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn", "warning":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
}

// SetOutput redirects logs, mostly for tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	logger = newLogger(w)
	mu.Unlock()
}

// Logger exposes the underlying slog logger for libraries that want one.
func Logger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

type Fields map[string]any

func logWith(lvl slog.Level, msg string, f Fields) {
	l := Logger()
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]any, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, f[k]))
	}
	l.Log(context.Background(), lvl, msg, attrs...)
}

func Info(msg string, f Fields)  { logWith(slog.LevelInfo, msg, f) }
func Warn(msg string, f Fields)  { logWith(slog.LevelWarn, msg, f) }
func Error(msg string, f Fields) { logWith(slog.LevelError, msg, f) }
func Debug(msg string, f Fields) { logWith(slog.LevelDebug, msg, f) }
