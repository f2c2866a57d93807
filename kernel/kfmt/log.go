package kfmt

import (
	"log/slog"
	"strings"
)

// logLevel is shared by every logger returned by Logger so the level can be
// changed after the loggers have been created.
var logLevel = new(slog.LevelVar)

func init() {
	logLevel.Set(slog.LevelWarn)
}

// Logger returns a structured logger for the named kernel module. Records are
// rendered by a slog text handler into the console and carry a module
// attribute.
func Logger(module string) *slog.Logger {
	handler := slog.NewTextHandler(consoleWriter{}, &slog.HandlerOptions{
		Level: logLevel,
	})

	return slog.New(handler).With("module", module)
}

// SetLogLevel sets the level of all module loggers. Unknown level names
// select info.
func SetLogLevel(level string) {
	switch strings.ToLower(level) {
	case "debug":
		logLevel.Set(slog.LevelDebug)
	case "warn":
		logLevel.Set(slog.LevelWarn)
	case "error":
		logLevel.Set(slog.LevelError)
	default:
		logLevel.Set(slog.LevelInfo)
	}
}
