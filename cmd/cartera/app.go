package main

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/cartera/internal/analytics"
	"github.com/smallbiznis/cartera/internal/clock"
	"github.com/smallbiznis/cartera/internal/config"
	"github.com/smallbiznis/cartera/internal/consistency"
	"github.com/smallbiznis/cartera/internal/keylock"
	"github.com/smallbiznis/cartera/internal/observability"
	"github.com/smallbiznis/cartera/internal/reconciliation"
	"github.com/smallbiznis/cartera/internal/reference"
	"github.com/smallbiznis/cartera/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

const commandTimeout = 10 * time.Minute

// coreModules wires everything but the HTTP surface, so maintenance commands
// share the service graph with serve.
func coreModules() fx.Option {
	return fx.Options(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		keylock.Module,

		// Functional Domains
		reference.Module,
		reconciliation.Module,
		consistency.Module,
		analytics.Module,
	)
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}

func withZapLogger() fx.Option {
	return fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
		return &fxevent.ZapLogger{Logger: log.Named("fx")}
	})
}

// runOnce starts an app built from opts, runs fn and stops the app again.
func runOnce(fn func(ctx context.Context) error, opts ...fx.Option) error {
	app := fx.New(append([]fx.Option{coreModules(), fx.NopLogger}, opts...)...)
	if err := app.Err(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if err := app.Start(ctx); err != nil {
		return err
	}
	runErr := fn(ctx)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil && runErr == nil {
		return err
	}
	return runErr
}
