package seed

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/cartera/internal/config"
	refdomain "github.com/smallbiznis/cartera/internal/reference/domain"
)

// EnsurePeriods creates the monthly periods of the configured year range
// that do not exist yet. An unset upper bound means the year of now.
func EnsurePeriods(ctx context.Context, reference refdomain.Service, cfg config.SeedConfig, now time.Time) (int, error) {
	if reference == nil {
		return 0, errors.New("seed reference service is required")
	}
	if cfg.PeriodsFromYear <= 0 {
		return 0, nil
	}

	to := cfg.PeriodsToYear
	if to <= 0 {
		to = now.Year()
	}
	if to < cfg.PeriodsFromYear {
		to = cfg.PeriodsFromYear
	}
	return reference.EnsurePeriods(ctx, cfg.PeriodsFromYear, to)
}
