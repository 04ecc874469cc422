// Package consistency repairs and audits the one-active-record-per-key rule
// for data written before it was enforced.
package consistency

import (
	"context"
	"fmt"
	"sort"

	"github.com/bwmarrin/snowflake"
	obsmetrics "github.com/smallbiznis/cartera/internal/observability/metrics"
	"github.com/smallbiznis/cartera/internal/observability/tracing"
	"github.com/smallbiznis/cartera/internal/reconciliation/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type MigrationResult struct {
	Dataset         domain.Dataset `json:"dataset"`
	RecordsScanned  int64          `json:"records_scanned"`
	RecordsCleaned  int64          `json:"records_cleaned"`
	DuplicateGroups int            `json:"duplicate_groups"`
	Message         string         `json:"message"`
}

type Stats struct {
	TotalRecords    int64 `json:"total_records"`
	ActiveRecords   int64 `json:"active_records"`
	DuplicateGroups int   `json:"duplicate_groups"`
	ZeroValued      int   `json:"zero_valued"`
	Orphaned        int   `json:"orphaned"`
}

// ValidationReport separates what must be fixed (Errors) from what should be
// reviewed (Warnings).
type ValidationReport struct {
	Dataset  domain.Dataset `json:"dataset"`
	IsValid  bool           `json:"is_valid"`
	Errors   []string       `json:"errors"`
	Warnings []string       `json:"warnings"`
	Stats    Stats          `json:"stats"`
}

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Repos      domain.Registry
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	repos      domain.Registry
	obsMetrics *obsmetrics.Metrics
}

func New(p Params) *Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("consistency.service"),
		repos:      p.Repos,
		obsMetrics: p.ObsMetrics,
	}
}

// FindDuplicateGroups returns every key held by more than one record, active
// or not.
func (s *Service) FindDuplicateGroups(ctx context.Context, dataset domain.Dataset) ([]domain.DuplicateGroup, error) {
	repo, err := s.repos.For(dataset)
	if err != nil {
		return nil, err
	}
	return repo.DuplicateGroups(ctx, s.db)
}

// Migrate keeps one canonical record per duplicated key and removes the
// rest, in one transaction. Running it again removes nothing.
func (s *Service) Migrate(ctx context.Context, dataset domain.Dataset) (MigrationResult, error) {
	repo, err := s.repos.For(dataset)
	if err != nil {
		return MigrationResult{}, err
	}

	ctx, span := tracing.StartSpan(ctx, "consistency.migrate", attribute.String("cartera.dataset", dataset.String()))
	defer span.End()

	result := MigrationResult{Dataset: dataset}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		counts, err := repo.Count(ctx, tx)
		if err != nil {
			return err
		}
		result.RecordsScanned = counts.Total

		groups, err := repo.DuplicateGroups(ctx, tx)
		if err != nil {
			return err
		}
		result.DuplicateGroups = len(groups)

		for _, group := range groups {
			records, err := repo.ListByKey(ctx, tx, group.Key)
			if err != nil {
				return err
			}
			if len(records) < 2 {
				continue
			}
			canonical(records)

			ids := make([]snowflake.ID, 0, len(records)-1)
			for _, r := range records[1:] {
				ids = append(ids, r.Meta().ID)
			}
			removed, err := repo.RemoveByIDs(ctx, tx, ids)
			if err != nil {
				return err
			}
			result.RecordsCleaned += removed

			s.log.Info("duplicate key cleaned",
				zap.String("dataset", dataset.String()),
				zap.String("key", group.Key.String()),
				zap.String("kept", records[0].Meta().ID.String()),
				zap.Int64("removed", removed),
			)
		}
		return nil
	})
	if err != nil {
		span.RecordError(tracing.SafeError(err))
		return MigrationResult{}, err
	}

	s.obsMetrics.AddDuplicatesPurged(dataset.String(), result.RecordsCleaned)
	if result.RecordsCleaned == 0 {
		result.Message = "no duplicate records found"
	} else {
		result.Message = fmt.Sprintf("removed %d duplicate records across %d keys", result.RecordsCleaned, result.DuplicateGroups)
	}
	return result, nil
}

// canonical moves the record to keep to the front: active records first,
// then the most recently created, then the highest id.
func canonical(records []domain.Record) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i].Meta(), records[j].Meta()
		if a.Active != b.Active {
			return a.Active
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
}

func (s *Service) Validate(ctx context.Context, dataset domain.Dataset) (ValidationReport, error) {
	repo, err := s.repos.For(dataset)
	if err != nil {
		return ValidationReport{}, err
	}

	report := ValidationReport{Dataset: dataset, Errors: []string{}, Warnings: []string{}}

	counts, err := repo.Count(ctx, s.db)
	if err != nil {
		return ValidationReport{}, err
	}
	report.Stats.TotalRecords = counts.Total
	report.Stats.ActiveRecords = counts.Active

	groups, err := repo.DuplicateGroups(ctx, s.db)
	if err != nil {
		return ValidationReport{}, err
	}
	report.Stats.DuplicateGroups = len(groups)
	for _, g := range groups {
		report.Errors = append(report.Errors, fmt.Sprintf("duplicate key %s: %d records", g.Key, g.Count))
	}

	active, err := repo.ListActive(ctx, s.db, domain.Filter{})
	if err != nil {
		return ValidationReport{}, err
	}
	for _, r := range active {
		if r.IsZero() {
			report.Stats.ZeroValued++
			report.Warnings = append(report.Warnings, fmt.Sprintf("record %s (%s) has only zero values", r.Meta().ID, r.Key()))
		}
	}

	orphans, err := repo.ListOrphans(ctx, s.db)
	if err != nil {
		return ValidationReport{}, err
	}
	report.Stats.Orphaned = len(orphans)
	for _, o := range orphans {
		report.Warnings = append(report.Warnings, fmt.Sprintf("record %s references missing %s %s", o.RecordID, o.Reference, o.ReferenceID))
	}

	report.IsValid = len(report.Errors) == 0
	return report, nil
}

func (s *Service) MigrateAll(ctx context.Context) ([]MigrationResult, error) {
	results := make([]MigrationResult, 0, len(domain.Datasets()))
	for _, dataset := range domain.Datasets() {
		result, err := s.Migrate(ctx, dataset)
		if err != nil {
			return results, fmt.Errorf("migrate %s: %w", dataset, err)
		}
		results = append(results, result)
	}
	return results, nil
}

func (s *Service) ValidateAll(ctx context.Context) ([]ValidationReport, error) {
	reports := make([]ValidationReport, 0, len(domain.Datasets()))
	for _, dataset := range domain.Datasets() {
		report, err := s.Validate(ctx, dataset)
		if err != nil {
			return reports, fmt.Errorf("validate %s: %w", dataset, err)
		}
		reports = append(reports, report)
	}
	return reports, nil
}
