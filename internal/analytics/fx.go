package analytics

import (
	"github.com/smallbiznis/cartera/internal/cache"
	"go.uber.org/fx"
)

var Module = fx.Module("analytics.service",
	fx.Provide(cache.NewReferenceNameCache),
	fx.Provide(New),
)
