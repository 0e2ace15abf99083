// Package logger builds the process-wide slog logger.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	charmLog "github.com/charmbracelet/log"
)

const (
	defaultFormat = "json"
	defaultLevel  = "info"
)

// New returns a logger writing to w. Format is "json" (structured, for Cloud Logging)
// or "text" (colored, for terminals). Empty values use json and info.
func New(format, level string, w io.Writer) (*slog.Logger, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = defaultFormat
	}

	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level: lvl,
		})), nil
	case "text":
		pretty := charmLog.NewWithOptions(w, charmLog.Options{
			Level:           charmLevel(lvl),
			ReportTimestamp: true,
			Formatter:       charmLog.TextFormatter,
		})
		return slog.New(pretty), nil
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
}

// ParseLevel maps a level name to a slog level. Empty means info.
func ParseLevel(input string) (slog.Level, error) {
	text := strings.ToLower(strings.TrimSpace(input))
	if text == "" {
		text = defaultLevel
	}

	switch text {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported log level %q", text)
	}
}

func charmLevel(level slog.Level) charmLog.Level {
	switch {
	case level <= slog.LevelDebug:
		return charmLog.DebugLevel
	case level <= slog.LevelInfo:
		return charmLog.InfoLevel
	case level <= slog.LevelWarn:
		return charmLog.WarnLevel
	default:
		return charmLog.ErrorLevel
	}
}
