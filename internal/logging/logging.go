package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps "debug", "info", "warn" and "error" onto slog levels.
// Anything else is info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// NewHandler returns the text handler used on stderr, writing to w.
func NewHandler(w io.Writer, level string) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
}

// Setup initializes the default slog logger at the given level.
// Valid levels: "debug", "info", "warn", "error". Defaults to "info".
func Setup(level string) slog.Handler {
	h := NewHandler(os.Stderr, level)
	slog.SetDefault(slog.New(h))
	return h
}
