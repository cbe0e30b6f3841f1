package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init installs the process-wide slog default, tagged with the binary's
// service name. Format "text" is for local runs; anything else means JSON.
func Init(service, format string) *slog.Logger {
	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, nil)
	default:
		handler = slog.NewJSONHandler(os.Stdout, nil)
	}

	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)
	return logger
}
