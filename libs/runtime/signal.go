package runtime

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// SignalContext is canceled on the first SIGINT or SIGTERM, which is logged. A second signal
// falls back to the default behaviour and kills the process.
func SignalContext(logger *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(ch)
		select {
		case sig := <-ch:
			if logger != nil {
				logger.Info("shutdown signal received", "signal", sig.String())
			}
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
