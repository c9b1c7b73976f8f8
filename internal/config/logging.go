package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// LevelTrace sits below debug and carries wire-level detail: rendered
// prompts, raw model replies and JSON-RPC frames. Trace output grows
// with the transcript on every iteration.
const LevelTrace = slog.Level(-8)

var levelNames = map[string]slog.Level{
	"trace":   LevelTrace,
	"debug":   slog.LevelDebug,
	"":        slog.LevelInfo,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// ParseLogLevel maps a log_level value (case-insensitive, "" is info)
// to its slog level.
func ParseLogLevel(s string) (slog.Level, error) {
	level, ok := levelNames[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
	}
	return level, nil
}

// ReplaceLogLevelNames is a slog ReplaceAttr hook that prints LevelTrace
// as TRACE instead of DEBUG-4.
func ReplaceLogLevelNames(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if level, ok := a.Value.Any().(slog.Level); ok && level == LevelTrace {
		a.Value = slog.StringValue("TRACE")
	}
	return a
}
