package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"mnemo/internal/config"
)

const logLevelEnvKey = "MNEMO_LOG_LEVEL"

// levelSource names where the effective log level came from, as a user
// would write it.
type levelSource string

const (
	fromFlag    levelSource = "--log-level"
	fromEnv     levelSource = logLevelEnvKey
	fromConfig  levelSource = "log_level"
	fromDefault levelSource = "default"
)

var slogLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// setupLogging installs the process logger on stderr. A bad --log-level
// fails the command; a bad env or config level falls back to info and
// returns a warning for the user.
func setupLogging(flagLevel, configLevel string, jsonLogs bool) (string, error) {
	raw, source := pickLogLevel(flagLevel, os.Getenv(logLevelEnvKey), configLevel)

	var warning string
	level, err := parseLogLevel(raw)
	if err != nil {
		if source == fromFlag {
			return "", fmt.Errorf("invalid --log-level %q", flagLevel)
		}
		level = slog.LevelInfo
		warning = fmt.Sprintf("warning: invalid %s=%q; defaulting to %s", source, raw, config.DefaultLogLevel)
	}

	slog.SetDefault(newLogger(os.Stderr, level, jsonLogs))
	return warning, nil
}

// pickLogLevel applies flag > env > config precedence, ignoring blank values.
func pickLogLevel(flagLevel, envLevel, configLevel string) (string, levelSource) {
	for _, c := range []struct {
		raw    string
		source levelSource
	}{
		{flagLevel, fromFlag},
		{envLevel, fromEnv},
		{configLevel, fromConfig},
	} {
		if strings.TrimSpace(c.raw) != "" {
			return c.raw, c.source
		}
	}
	return "", fromDefault
}

func parseLogLevel(raw string) (slog.Level, error) {
	if strings.TrimSpace(raw) == "" {
		return slog.LevelInfo, nil
	}
	name, ok := config.NormalizeLogLevel(raw)
	if !ok {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", raw)
	}
	return slogLevels[name], nil
}

// newLogger writes text records, or JSON records when command output is JSON
// so that both streams stay machine readable.
func newLogger(w io.Writer, level slog.Level, jsonLogs bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if jsonLogs {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
