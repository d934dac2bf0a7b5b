package main

import (
	"io"
	"log/slog"

	"github.com/rendis/deriva/internal/logging"
)

// setupLogger builds the process logger. Records carry tick_id and output_id
// from the context; the returned LevelVar lets a reload change the level.
func setupLogger(level string, w io.Writer) (*slog.Logger, *slog.LevelVar) {
	lv := new(slog.LevelVar)
	lv.Set(logging.ParseLevel(level))
	inner := slog.NewTextHandler(w, &slog.HandlerOptions{Level: lv})
	return slog.New(logging.NewCorrelationHandler(inner)), lv
}
