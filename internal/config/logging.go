package config

import (
	"fmt"
	"log/slog"
	"os"
)

// LevelCritical is a custom slog level above [slog.LevelError] used for
// unrecoverable gateway failures (startup aborts, unrecoverable broker
// rejections). The numeric value +12 follows the slog convention of
// spacing named levels four apart.
const LevelCritical = slog.Level(12)

// EnvLogLevel is the environment variable that overrides the config
// file's log_level field. The add-on supervisor sets it; NormalizeEnv
// re-exports the canonical uppercase token for child tooling.
const EnvLogLevel = "LOG_LEVEL"

// NormalizeLevelToken maps a log-level token to its canonical uppercase
// name. Exactly five tokens are recognized: debug, info, warning, error
// and critical (case-insensitive, whitespace-trimmed); anything else,
// including the empty string and abbreviations like "warn", normalizes
// to INFO.
func NormalizeLevelToken(s string) string {
	switch trimmedLower(s) {
	case "debug":
		return "DEBUG"
	case "warning":
		return "WARNING"
	case "error":
		return "ERROR"
	case "critical":
		return "CRITICAL"
	default:
		return "INFO"
	}
}

// EffectiveLevelToken resolves the level token to use: the LOG_LEVEL
// environment variable wins over the config file value.
func EffectiveLevelToken(configLevel string) string {
	if env := os.Getenv(EnvLogLevel); env != "" {
		return env
	}
	return configLevel
}

// ExportLevel re-exports the normalized token into the process
// environment so anything halink execs observes the same level.
func ExportLevel(token string) error {
	return os.Setenv(EnvLogLevel, NormalizeLevelToken(token))
}

// ParseLogLevel converts a case-insensitive string to an [slog.Level].
//
// Accepted values:
//   - "debug" → [slog.LevelDebug] (per-entity collection detail)
//   - "info" or "" → [slog.LevelInfo] (normal operation)
//   - "warn" or "warning" → [slog.LevelWarn]
//   - "error" → [slog.LevelError]
//   - "critical" → [LevelCritical] (fatal gateway failures only)
//
// Returns an error for unrecognized values. Leading and trailing
// whitespace is trimmed before matching.
func ParseLogLevel(s string) (slog.Level, error) {
	switch trimmedLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	case "critical":
		return LevelCritical, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: debug, info, warning, error, critical)", s)
	}
}

// ReplaceLogLevelNames is an [slog.HandlerOptions.ReplaceAttr] function
// that renders [LevelCritical] as "CRITICAL" in log output. Without
// this, slog would render it as "ERROR+4" since it doesn't know about
// custom levels.
//
// Pass it as the ReplaceAttr field when constructing a handler:
//
//	slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
//	    Level:       slog.LevelInfo,
//	    ReplaceAttr: config.ReplaceLogLevelNames,
//	})
func ReplaceLogLevelNames(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		level, ok := a.Value.Any().(slog.Level)
		if ok && level == LevelCritical {
			a.Value = slog.StringValue("CRITICAL")
		}
	}
	return a
}
