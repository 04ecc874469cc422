package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	FindInsurerByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Insurer, error)
	FindInsurerByRef(ctx context.Context, db *gorm.DB, ref string) (*Insurer, error)
	ListInsurers(ctx context.Context, db *gorm.DB, activeOnly bool) ([]Insurer, error)

	FindProviderByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Provider, error)
	FindProviderByName(ctx context.Context, db *gorm.DB, name string) (*Provider, error)
	InsertProviderIfAbsent(ctx context.Context, db *gorm.DB, provider *Provider) error
	ListProviders(ctx context.Context, db *gorm.DB, filter ProviderFilter) ([]Provider, error)
	LinkProvider(ctx context.Context, db *gorm.DB, link *InsurerProvider) error

	FindPeriodByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Period, error)
	ListPeriods(ctx context.Context, db *gorm.DB, filter PeriodFilter) ([]Period, error)
	InsertPeriodIfAbsent(ctx context.Context, db *gorm.DB, period *Period) (bool, error)
}
