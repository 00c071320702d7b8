package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"CanvasPay/internal/app"
	"CanvasPay/internal/config"
	"CanvasPay/internal/db"
	"CanvasPay/internal/logging"
	"CanvasPay/internal/store"
	"CanvasPay/internal/telemetry"
	"CanvasPay/internal/worker"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.SetupTracer(ctx, cfg.Telemetry.ServiceName+"-worker", cfg.Telemetry.Endpoint)
		if err != nil {
			log.Fatal().Err(err).Msg("tracer setup failed")
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	pool, err := db.Connect(ctx, cfg.DB.DSN, cfg.DB.MaxConns)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect failed")
	}
	defer pool.Close()

	ledger, err := app.Ledger(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("ledger setup failed")
	}

	w := &worker.Worker{
		Records:        store.New(pool),
		Ledger:         ledger,
		Interval:       cfg.WorkerInterval(),
		StaleAfter:     cfg.StaleAfter(),
		PaymentTimeout: cfg.PaymentTimeout(),
		BatchSize:      cfg.Worker.BatchSize,
	}

	log.Info().
		Strs("rpc", cfg.Chain.RPCEndpoints).
		Dur("interval", w.Interval).
		Dur("staleAfter", w.StaleAfter).
		Msg("worker started")
	w.Run(ctx)
}
