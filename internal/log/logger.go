// Package log owns the engine's process-wide structured logger.
//
// Output is JSON on stderr. Stdout is reserved: the CLI prints command
// results there, and a plugin built on the SDK shares stdout with its
// frame stream.
package log

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var levelNames = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// ParseLevel resolves a level name from configuration. Matching is
// case-insensitive.
func ParseLevel(name string) (slog.Level, error) {
	if l, ok := levelNames[strings.ToLower(name)]; ok {
		return l, nil
	}
	return 0, fmt.Errorf("unknown log level %q (valid: debug, info, warn, error)", name)
}

var (
	once   sync.Once
	logger *slog.Logger
)

// Setup initializes the global logger. Later calls are no-ops, and level
// names that fail to parse fall back to info.
func Setup(level string) {
	once.Do(func() {
		l, err := ParseLevel(level)
		if err != nil {
			l = slog.LevelInfo
		}
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
		slog.SetDefault(logger)
	})
}

// Get returns the configured logger, initializing it at info if Setup has
// not run yet.
func Get() *slog.Logger {
	if logger == nil {
		Setup("info")
	}
	return logger
}

// WithComponent tags a logger for one engine subsystem.
func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}

// WithSession tags a logger with a session id and the plugin that owns the
// session. Every line a live session emits carries both fields.
func WithSession(id, plugin string) *slog.Logger {
	return Get().With(slog.String("session_id", id), slog.String("plugin", plugin))
}
