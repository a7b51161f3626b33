// Package bootstrap wires config, logger, store, broker supervisor,
// publisher, and consumer into a runnable App, mirroring
// email-service/internal/bootstrap/wire.go's NewApp()/Start/Stop split.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/baechuer/eventbridge/internal/broker"
	"github.com/baechuer/eventbridge/internal/config"
	"github.com/baechuer/eventbridge/internal/consumer"
	"github.com/baechuer/eventbridge/internal/envelope"
	"github.com/baechuer/eventbridge/internal/logger"
	"github.com/baechuer/eventbridge/internal/metrics"
	"github.com/baechuer/eventbridge/internal/publisher"
	"github.com/baechuer/eventbridge/internal/store"
)

// App bundles the wired components for cmd/relaydemo.
type App struct {
	cfg        *config.Config
	store      *store.Store
	sup        *broker.Supervisor
	pub        *publisher.Publisher
	con        *consumer.Consumer
	rec        metrics.Recorder
	log        zerolog.Logger
	metricsSrv *http.Server
}

// NewApp loads config, wires every component, and returns a cleanup
// closure, the same three-tuple shape wire.go returns.
func NewApp() (*App, func(), error) {
	logger.Init()
	log := logger.Logger

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("bootstrap: %w", err)
	}

	st := store.New(cfg, log)
	sup := broker.New(cfg.AMQP.URL(), log)
	rec := metrics.NewPrometheusRecorder()

	sup.SetOutageCallbacks(
		func(sleepS int) {
			rec.OutageEnter()
			log.Warn().Int("sleep_s", sleepS).Msg("broker outage entered")
		},
		func() {
			rec.OutageExit()
			log.Info().Msg("broker outage cleared")
		},
	)

	pub := publisher.New(cfg, st, sup, log)

	events := splitCSV(os.Getenv("AMQP_BIND_EVENTS"))
	con := consumer.New(cfg, st, sup, log, rec).
		Events(events...).
		Tries(cfg.Tries).
		Backoff(cfg.Backoff.ScheduleSeconds...).
		OutageSleep(cfg.OutageSleepS)

	con.SetCallback(func(ctx context.Context, env *envelope.Envelope) error {
		log.Info().
			Str("message_id", env.ID()).
			Str("event_type", env.EventType()).
			Interface("payload", env.Payload()).
			Msg("dispatching event")
		return nil
	})
	con.Failed(func(err error) {
		log.Error().Err(err).Msg("event routed to dead-letter queue")
	})

	metricsAddr := getEnvDefault("METRICS_ADDR", ":9090")
	metricsSrv := &http.Server{Addr: metricsAddr, Handler: metrics.Handler()}

	app := &App{
		cfg:        cfg,
		store:      st,
		sup:        sup,
		pub:        pub,
		con:        con,
		rec:        rec,
		log:        log,
		metricsSrv: metricsSrv,
	}

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.Stop(ctx)
	}

	return app, cleanup, nil
}

// Publisher exposes the wired Publisher for demo producer code.
func (a *App) Publisher() *publisher.Publisher { return a.pub }

// Start opens the store, starts the metrics listener, and runs the
// consumer loop until ctx is cancelled or a fatal error occurs.
func (a *App) Start(ctx context.Context) error {
	if err := a.store.Open(ctx); err != nil {
		return fmt.Errorf("bootstrap: open store: %w", err)
	}

	go func() {
		if err := a.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	return a.con.Run(ctx)
}

// Stop tears down the metrics listener and resets the broker/store
// handles.
func (a *App) Stop(ctx context.Context) error {
	_ = a.metricsSrv.Shutdown(ctx)
	a.sup.Reset()
	a.store.Reset()
	return nil
}

func splitCSV(s string) []string {
	raw := strings.Split(s, ",")
	out := make([]string, 0, len(raw))
	for _, x := range raw {
		x = strings.TrimSpace(x)
		if x != "" {
			out = append(out, x)
		}
	}
	return out
}

func getEnvDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
