package runtime

import (
	"log/slog"
	"os"
	"strings"
)

func NewLogger(service string, level string) *slog.Logger {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: ParseLevel(level),
	})
	return slog.New(h).With("service", service)
}

// ParseLevel maps debug|info|warn|error to a slog level; anything else is info.
func ParseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
