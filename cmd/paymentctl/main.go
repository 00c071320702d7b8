// Command paymentctl is the operator tool for inspecting payments, resetting
// a payment stuck on an unresolved duplicate submission and classifying raw
// failure messages.
package main

import (
	"context"
	"os"

	"github.com/rs/zerolog/log"

	"CanvasPay/internal/app"
	"CanvasPay/internal/config"
	"CanvasPay/internal/db"
	"CanvasPay/internal/logging"
	"CanvasPay/internal/payments"
	"CanvasPay/internal/persistence"
	"CanvasPay/internal/store"
)

func main() {
	root := newRootCmd(openOperator)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// openOperator wires an orchestrator over the configured durable store and
// mirror. No wallet or ledger is attached: the operator commands never
// submit transfers.
func openOperator(ctx context.Context, configPath string) (operator, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logging.Setup(cfg.Log.Level, "console")

	pool, err := db.Connect(ctx, cfg.DB.DSN, cfg.DB.MaxConns)
	if err != nil {
		return nil, nil, err
	}
	mirror, err := persistence.Open(ctx, cfg)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	st := store.New(pool)
	orch := payments.New(app.PaymentsConfig(cfg), payments.Deps{
		Records:   st,
		Resources: st,
		Mirror:    mirror,
		Pricing:   app.Pricing(cfg),
	})
	closeFn := func() {
		orch.Shutdown()
		if err := mirror.Close(); err != nil {
			log.Warn().Err(err).Msg("close persistence")
		}
		pool.Close()
	}
	return orch, closeFn, nil
}
