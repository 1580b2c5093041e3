// Package signals wires OS signals to graceful shutdown and live reload.
//
// Setup installs a handler for SIGINT and SIGTERM. When one of those signals
// is received it will:
//   - log the signal
//   - close the provided stopCh (if non-nil)
//   - cancel and return a context that will be Done()
//
// SIGHUP does not shut down: it invokes onReload (if non-nil) and keeps
// listening, so the daemon can pick up rotated CA material without a restart.
// Closing the provided stopCh is done inside a recover() wrapper to avoid
// panics in case the channel was closed elsewhere.
package signals

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
)

// Setup registers handlers for SIGINT, SIGTERM and SIGHUP.
// It returns a context.Context that will be canceled when a terminating
// signal is received. If stopCh is non-nil it will be closed at the same
// time. onReload runs on every SIGHUP, serially, on the handler goroutine.
func Setup(stopCh chan struct{}, onReload func()) context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGHUP {
				log.Info().Str("signal", sig.String()).Msg("reload requested")
				if onReload != nil {
					onReload()
				}
				continue
			}
			log.Info().Str("signal", sig.String()).Msg("shutting down")

			// Close stopCh if provided. Use recover to avoid panic if it's already closed.
			if stopCh != nil {
				func() {
					defer func() { _ = recover() }()
					close(stopCh)
				}()
			}

			// Cancel the context so callers can observe ctx.Done()
			cancel()
			return
		}
	}()

	return ctx
}
