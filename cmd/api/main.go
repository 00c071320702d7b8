package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"CanvasPay/internal/app"
	"CanvasPay/internal/config"
	"CanvasPay/internal/db"
	internalhttp "CanvasPay/internal/http"
	"CanvasPay/internal/logging"
	"CanvasPay/internal/payments"
	"CanvasPay/internal/persistence"
	"CanvasPay/internal/store"
	"CanvasPay/internal/telemetry"
	"CanvasPay/internal/wallet"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer := telemetry.ShutdownFunc(func(context.Context) error { return nil })
	if cfg.Telemetry.Enabled {
		shutdownTracer, err = telemetry.SetupTracer(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.Endpoint)
		if err != nil {
			log.Fatal().Err(err).Msg("tracer setup failed")
		}
	}

	pool, err := db.Connect(ctx, cfg.DB.DSN, cfg.DB.MaxConns)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect failed")
	}
	defer pool.Close()
	st := store.New(pool)

	mirror, err := persistence.Open(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("persistence open failed")
	}
	defer mirror.Close()

	ledger, err := app.Ledger(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("ledger setup failed")
	}
	w, err := app.Wallet(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("wallet setup failed")
	}
	if remote, ok := w.(*wallet.Remote); ok {
		if err := remote.Connect(ctx); err != nil {
			// The bridge may come up later; Initialize reports WALLET_NOT_CONNECTED meanwhile.
			log.Warn().Err(err).Msg("wallet bridge not connected")
		}
	}

	orch := payments.New(app.PaymentsConfig(cfg), payments.Deps{
		Wallet:    w,
		Ledger:    ledger,
		Records:   st,
		Resources: st,
		Mirror:    mirror,
		Pricing:   app.Pricing(cfg),
	})
	defer orch.Shutdown()

	restored, err := app.RestoreMirrored(ctx, orch, mirror)
	if err != nil {
		log.Warn().Err(err).Msg("restore mirrored sessions failed")
	}

	srv := internalhttp.NewServer(internalhttp.NewHandler(orch))
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().
			Str("addr", cfg.Server.Addr).
			Str("wallet", w.Address().String()).
			Str("persistence", cfg.Persistence.Driver).
			Int("restored", restored).
			Msg("api listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctxShutdown)
	_ = shutdownTracer(ctxShutdown)
}
