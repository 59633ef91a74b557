package drain

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// ListenForSignals triggers Drain on SIGTERM or SIGINT, the only two
// signals the process controls consume (spec.md §6.5). It returns
// immediately; the drain itself runs on its own goroutine so signal
// delivery is never blocked past registering the handler.
func (c *Controller) ListenForSignals(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		slog.Info("signal received, starting graceful drain", slog.String("signal", sig.String()))
		c.Drain(ctx)
	}()
}
