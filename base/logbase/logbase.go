package logbase

import (
	"context"
	"log/slog"
	"os"
)

// Fatal logs msg at error level and terminates the process.
func Fatal(log *slog.Logger, msg string, attrs ...slog.Attr) {
	FatalContext(context.Background(), log, msg, attrs...)
}

func FatalContext(ctx context.Context, log *slog.Logger, msg string, attrs ...slog.Attr) {
	log.LogAttrs(ctx, slog.LevelError, msg, attrs...)
	os.Exit(1)
}
