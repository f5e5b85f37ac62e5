// Package signals turns process termination signals into context cancellation
// for the long-running sslkeylog commands.
package signals

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/endorses/sslkeylog/internal/pkg/constants"
	"github.com/endorses/sslkeylog/internal/pkg/logger"
)

// WithShutdown returns a context that is cancelled on SIGINT, SIGTERM or SIGHUP,
// or when parent is done. The returned stop function releases the signal
// registration and waits for the watcher goroutine to exit.
func WithShutdown(parent context.Context) (ctx context.Context, stop func()) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, constants.SignalChannelBuffer)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case sig := <-sigCh:
			logger.Info("Received signal, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
		<-done
	}
}
