package main

import (
	"log/slog"
	"os"

	"github.com/tetherline/tether/pkg/config"
)

func newLogger(format config.LogFormat) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
