package migration

import (
	"context"

	"github.com/smallbiznis/cartera/internal/clock"
	"github.com/smallbiznis/cartera/internal/config"
	refdomain "github.com/smallbiznis/cartera/internal/reference/domain"
	"github.com/smallbiznis/cartera/internal/seed"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, reference refdomain.Service, clk clock.Clock, log *zap.Logger) error {
		if err := Apply(conn); err != nil {
			return err
		}

		created, err := seed.EnsurePeriods(context.Background(), reference, cfg.Seed, clk.Now())
		if err != nil {
			return err
		}
		if created > 0 {
			log.Info("periods seeded", zap.Int("created", created))
		}
		return nil
	}),
)
