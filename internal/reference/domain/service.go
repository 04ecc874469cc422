package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

type ProviderFilter struct {
	InsurerID snowflake.ID
}

type PeriodFilter struct {
	Year *int
}

// Service reads reference data and resolves names found in uploads. Insurers
// and periods are never created here; providers are created on first sight.
type Service interface {
	GetInsurer(ctx context.Context, id snowflake.ID) (Insurer, error)
	ResolveInsurer(ctx context.Context, ref string) (Insurer, error)
	ListInsurers(ctx context.Context) ([]Insurer, error)

	GetProvider(ctx context.Context, id snowflake.ID) (Provider, error)
	ResolveProvider(ctx context.Context, name, code string) (Provider, error)
	LinkProvider(ctx context.Context, insurerID, providerID snowflake.ID) error
	ListProviders(ctx context.Context, filter ProviderFilter) ([]Provider, error)

	GetPeriod(ctx context.Context, id snowflake.ID) (Period, error)
	ListPeriods(ctx context.Context, filter PeriodFilter) ([]Period, error)
	EnsurePeriods(ctx context.Context, fromYear, toYear int) (int, error)
}

var (
	ErrInvalidName      = errors.New("invalid_name")
	ErrInvalidReference = errors.New("invalid_reference")
	ErrInvalidYear      = errors.New("invalid_year")
	ErrInsurerNotFound  = errors.New("insurer_not_found")
	ErrProviderNotFound = errors.New("provider_not_found")
	ErrPeriodNotFound   = errors.New("period_not_found")
)
