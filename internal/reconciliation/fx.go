package reconciliation

import (
	"github.com/smallbiznis/cartera/internal/reconciliation/repository"
	"github.com/smallbiznis/cartera/internal/reconciliation/service"
	"go.uber.org/fx"
)

var Module = fx.Module("reconciliation.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewStore),
	fx.Provide(service.New),
)
