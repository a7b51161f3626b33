// Command relaydemo bootstraps the full messaging substrate (config,
// store, broker supervisor, publisher, consumer) and runs it until a
// shutdown signal arrives. It exists to exercise internal/bootstrap end to
// end; the actual publish/consume wiring is the library's job, not this
// binary's. Grounded on email-service/api/cmd/main.go's generic
// runner/builder/Run lifecycle.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/baechuer/eventbridge/internal/bootstrap"
	"github.com/baechuer/eventbridge/internal/logger"
)

// runner abstracts the application lifecycle: Start launches the service
// (may block), Stop performs a graceful shutdown.
type runner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// builder constructs the application instance and returns a cleanup
// function responsible for releasing resources.
type builder func() (runner, func(), error)

// Run bootstraps the app, starts it asynchronously, waits for an OS
// shutdown signal or a runtime crash, then stops gracefully with a
// timeout. Returns a process exit code.
func Run(build builder, sigCh <-chan os.Signal, lg zerolog.Logger) int {
	app, cleanup, err := build()
	if err != nil {
		lg.Error().Err(err).Msg("bootstrap failed")
		return 1
	}
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		lg.Info().Msg("relaydemo starting")
		if err := app.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	select {
	case sig := <-sigCh:
		lg.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-errCh:
		lg.Error().Err(err).Msg("app crashed")
		return 1
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()

	if err := app.Stop(stopCtx); err != nil {
		lg.Error().Err(err).Msg("graceful stop failed")
		return 1
	}

	lg.Info().Msg("shutdown complete")
	return 0
}

func buildFromBootstrap() (runner, func(), error) {
	app, cleanup, err := bootstrap.NewApp()
	if err != nil {
		return nil, nil, err
	}
	return app, cleanup, nil
}

func main() {
	logger.Init()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	code := Run(buildFromBootstrap, sigCh, logger.Logger)
	os.Exit(code)
}
