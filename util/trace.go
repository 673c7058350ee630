package util

import (
	"context"
	"log/slog"
	"time"
)

// Trace logs how long a block took. Usage: defer util.Trace("encode")()
func Trace(name string, attrs ...any) func() {
	return TraceContext(context.Background(), slog.Default(), name, attrs...)
}

// TraceContext is Trace with an explicit logger and context.
func TraceContext(ctx context.Context, logger *slog.Logger, name string, attrs ...any) func() {
	start := time.Now()
	return func() {
		logger.DebugContext(ctx, "trace", append([]any{"name", name, "elapsed", time.Since(start)}, attrs...)...)
	}
}
