package analytics

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/cartera/internal/cache"
	"github.com/smallbiznis/cartera/internal/config"
	"github.com/smallbiznis/cartera/internal/observability/tracing"
	"github.com/smallbiznis/cartera/internal/reconciliation/domain"
	refdomain "github.com/smallbiznis/cartera/internal/reference/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultTop     = 10
	defaultHorizon = 3
	maxHorizon     = 24
)

type SummaryRequest struct {
	Dataset domain.Dataset
	Filter  domain.Filter
	Top     int
	Horizon int
}

type Summary struct {
	Dataset    domain.Dataset  `json:"dataset"`
	Records    int             `json:"records"`
	Total      decimal.Decimal `json:"total"`
	ByInsurer  []Breakdown     `json:"by_insurer"`
	ByProvider []Breakdown     `json:"by_provider"`
	Trend      []TrendPoint    `json:"trend"`
	Projection []Projection    `json:"projection"`
	Alerts     []Alert         `json:"alerts"`
}

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Ingest    *config.IngestConfigHolder
	Repos     domain.Registry
	Reference refdomain.Service
	Names     cache.ReferenceNameCache `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	ingest    *config.IngestConfigHolder
	repos     domain.Registry
	reference refdomain.Service
	names     cache.ReferenceNameCache
}

func New(p Params) *Service {
	names := p.Names
	if names == nil {
		names = cache.NewReferenceNameCache()
	}
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("analytics.service"),
		ingest:    p.Ingest,
		repos:     p.Repos,
		reference: p.Reference,
		names:     names,
	}
}

// Summary computes every statistic over the active records of the dataset
// matching the filter.
func (s *Service) Summary(ctx context.Context, req SummaryRequest) (Summary, error) {
	repo, err := s.repos.For(req.Dataset)
	if err != nil {
		return Summary{}, err
	}
	top := req.Top
	if top <= 0 {
		top = defaultTop
	}
	horizon := req.Horizon
	if horizon <= 0 {
		horizon = defaultHorizon
	}
	if horizon > maxHorizon {
		horizon = maxHorizon
	}

	ctx, span := tracing.StartSpan(ctx, "analytics.summary", attribute.String("cartera.dataset", req.Dataset.String()))
	defer span.End()

	records, err := repo.ListActive(ctx, s.db, req.Filter)
	if err != nil {
		return Summary{}, err
	}
	facts, err := s.facts(ctx, records)
	if err != nil {
		return Summary{}, err
	}

	engine := NewEngine(s.ingest.Get().Analytics)
	trend := Trend(facts)
	return Summary{
		Dataset:    req.Dataset,
		Records:    len(facts),
		Total:      Total(facts),
		ByInsurer:  BreakdownByInsurer(facts, top),
		ByProvider: BreakdownByProvider(facts, top),
		Trend:      trend,
		Projection: engine.Project(trend, horizon),
		Alerts:     engine.Alerts(trend),
	}, nil
}

func (s *Service) facts(ctx context.Context, records []domain.Record) ([]Fact, error) {
	insurers, err := s.insurerNames(ctx)
	if err != nil {
		return nil, err
	}
	providers, err := s.providerNames(ctx)
	if err != nil {
		return nil, err
	}
	periods, err := s.periodLabels(ctx)
	if err != nil {
		return nil, err
	}

	// Periods outside the cached active list are looked up one by one so
	// every record counts toward totals and breakdowns.
	extra := map[snowflake.ID]cache.PeriodLabel{}
	facts := make([]Fact, 0, len(records))
	for _, r := range records {
		key := r.Key()
		label, ok := periods[key.PeriodID]
		if !ok {
			label, err = s.periodLabel(ctx, extra, key.PeriodID)
			if err != nil {
				return nil, err
			}
		}
		facts = append(facts, Fact{
			InsurerID:    key.InsurerID,
			InsurerName:  nameOr(insurers, key.InsurerID),
			ProviderID:   key.ProviderID,
			ProviderName: nameOr(providers, key.ProviderID),
			PeriodID:     key.PeriodID,
			Year:         label.Year,
			Month:        label.Month,
			Amount:       r.Measure(),
		})
	}
	return facts, nil
}

// periodLabel resolves a period that is inactive or newer than the cached
// list. A period that no longer exists yields the zero label.
func (s *Service) periodLabel(ctx context.Context, resolved map[snowflake.ID]cache.PeriodLabel, id snowflake.ID) (cache.PeriodLabel, error) {
	if label, ok := resolved[id]; ok {
		return label, nil
	}
	period, err := s.reference.GetPeriod(ctx, id)
	switch {
	case errors.Is(err, refdomain.ErrPeriodNotFound), errors.Is(err, refdomain.ErrInvalidReference):
		s.log.Debug("record period not found", zap.String("period_id", id.String()))
		resolved[id] = cache.PeriodLabel{}
		return cache.PeriodLabel{}, nil
	case err != nil:
		return cache.PeriodLabel{}, err
	}
	label := cache.PeriodLabel{Year: period.Year, Month: period.Month}
	resolved[id] = label
	return label, nil
}

func (s *Service) insurerNames(ctx context.Context) (map[snowflake.ID]string, error) {
	if names, ok := s.names.Insurers(); ok {
		return names, nil
	}
	insurers, err := s.reference.ListInsurers(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[snowflake.ID]string, len(insurers))
	for _, i := range insurers {
		names[i.ID] = i.Name
	}
	s.names.SetInsurers(names)
	return names, nil
}

func (s *Service) providerNames(ctx context.Context) (map[snowflake.ID]string, error) {
	if names, ok := s.names.Providers(); ok {
		return names, nil
	}
	providers, err := s.reference.ListProviders(ctx, refdomain.ProviderFilter{})
	if err != nil {
		return nil, err
	}
	names := make(map[snowflake.ID]string, len(providers))
	for _, p := range providers {
		names[p.ID] = p.Name
	}
	s.names.SetProviders(names)
	return names, nil
}

func (s *Service) periodLabels(ctx context.Context) (map[snowflake.ID]cache.PeriodLabel, error) {
	if labels, ok := s.names.Periods(); ok {
		return labels, nil
	}
	periods, err := s.reference.ListPeriods(ctx, refdomain.PeriodFilter{})
	if err != nil {
		return nil, err
	}
	labels := make(map[snowflake.ID]cache.PeriodLabel, len(periods))
	for _, p := range periods {
		labels[p.ID] = cache.PeriodLabel{Year: p.Year, Month: p.Month}
	}
	s.names.SetPeriods(labels)
	return labels, nil
}

func nameOr(names map[snowflake.ID]string, id snowflake.ID) string {
	if id == 0 {
		return ""
	}
	if name, ok := names[id]; ok {
		return name
	}
	return id.String()
}
