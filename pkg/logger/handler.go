package logger

import (
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
)

func newTintHandler(level slog.Level) slog.Handler {
	return tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05",
	})
}
