package service

import (
	"context"
	"fmt"

	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/cartera/internal/config"
	"github.com/smallbiznis/cartera/internal/ingest"
	obscontext "github.com/smallbiznis/cartera/internal/observability/context"
	"github.com/smallbiznis/cartera/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/cartera/internal/observability/metrics"
	"github.com/smallbiznis/cartera/internal/observability/tracing"
	"github.com/smallbiznis/cartera/internal/reconciliation/domain"
	refdomain "github.com/smallbiznis/cartera/internal/reference/domain"
	"github.com/smallbiznis/cartera/internal/spreadsheet"
	"github.com/smallbiznis/cartera/internal/statusgrid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Config     config.Config
	Ingest     *config.IngestConfigHolder
	Store      *Store
	Repos      domain.Registry
	Reference  refdomain.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	limits     spreadsheet.Options
	ingest     *config.IngestConfigHolder
	store      *Store
	repos      domain.Registry
	reference  refdomain.Service
	obsMetrics *obsmetrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("reconciliation.service"),
		limits: spreadsheet.Options{
			MaxBytes: p.Config.Upload.MaxBytes,
			MaxRows:  p.Config.Upload.MaxRows,
		},
		ingest:     p.Ingest,
		store:      p.Store,
		repos:      p.Repos,
		reference:  p.Reference,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Upload(ctx context.Context, req domain.UploadRequest) (domain.UploadOutcome, error) {
	scope := domain.Scope{
		Dataset:    req.Dataset,
		InsurerID:  req.InsurerID,
		PeriodID:   req.PeriodID,
		ProviderID: req.ProviderID,
	}
	if _, err := domain.ParseDataset(req.Dataset.String()); err != nil {
		return domain.UploadOutcome{}, err
	}
	if err := scope.Validate(); err != nil {
		return domain.UploadOutcome{}, err
	}
	if len(req.Data) == 0 {
		return domain.UploadOutcome{}, domain.ErrEmptyUpload
	}

	ctx = obscontext.WithDataset(ctx, req.Dataset.String())
	ctx, span := tracing.StartSpan(ctx, "reconciliation.upload",
		attribute.String("cartera.dataset", req.Dataset.String()),
		attribute.String("cartera.filename", req.Filename),
	)
	defer span.End()

	uploadID := ulid.Make().String()
	log := logger.WithContext(ctx, s.log).With(
		zap.String("upload_id", uploadID),
		zap.String("filename", req.Filename),
	)

	container, err := s.resolveScope(ctx, scope)
	if err != nil {
		s.obsMetrics.ObserveUpload(req.Dataset.String(), obsmetrics.UploadOutcomeRejected, 0, 0)
		return domain.UploadOutcome{}, err
	}

	batch, err := s.readSheet(req)
	if err != nil {
		s.obsMetrics.ObserveUpload(req.Dataset.String(), obsmetrics.UploadOutcomeRejected, 0, 0)
		log.Info("upload rejected", zap.Error(err))
		return domain.UploadOutcome{}, err
	}

	builder := newRecordBuilder(s.reference, scope, container)
	records, err := builder.build(ctx, &batch)
	if err != nil {
		s.obsMetrics.ObserveUpload(req.Dataset.String(), obsmetrics.UploadOutcomeFailed, 0, len(batch.Errors))
		return domain.UploadOutcome{}, err
	}

	outcome := domain.UploadOutcome{
		UploadID: uploadID,
		Errors:   batch.Messages(),
	}
	if len(records) == 0 {
		s.obsMetrics.ObserveUpload(req.Dataset.String(), obsmetrics.UploadOutcomeRejected, 0, len(outcome.Errors))
		log.Warn("upload has no valid rows, stored records left untouched", zap.Int("row_errors", len(outcome.Errors)))
		return outcome, nil
	}

	result, err := s.store.Replace(ctx, scope, records)
	if err != nil {
		s.obsMetrics.ObserveUpload(req.Dataset.String(), obsmetrics.UploadOutcomeFailed, 0, len(outcome.Errors))
		return domain.UploadOutcome{}, err
	}
	outcome.Processed = int(result.Inserted)
	outcome.Deleted = result.Deleted

	status := obsmetrics.UploadOutcomeSuccess
	if len(outcome.Errors) > 0 {
		status = obsmetrics.UploadOutcomePartial
	}
	s.obsMetrics.ObserveUpload(req.Dataset.String(), status, outcome.Processed, len(outcome.Errors))
	log.Info("upload processed",
		zap.String("outcome", status),
		zap.Int("processed", outcome.Processed),
		zap.Int64("deleted", outcome.Deleted),
		zap.Int("row_errors", len(outcome.Errors)),
	)
	return outcome, nil
}

// resolveScope checks that every reference named by the scope exists and
// returns the provider container, if any.
func (s *Service) resolveScope(ctx context.Context, scope domain.Scope) (*refdomain.Provider, error) {
	if _, err := s.reference.GetPeriod(ctx, scope.PeriodID); err != nil {
		return nil, err
	}
	if scope.InsurerID != 0 {
		if _, err := s.reference.GetInsurer(ctx, scope.InsurerID); err != nil {
			return nil, err
		}
	}
	if scope.ProviderID == 0 {
		return nil, nil
	}
	provider, err := s.reference.GetProvider(ctx, scope.ProviderID)
	if err != nil {
		return nil, err
	}
	return &provider, nil
}

func (s *Service) readSheet(req domain.UploadRequest) (ingest.Batch, error) {
	sheet, err := spreadsheet.Parse(req.Data, s.limits)
	if err != nil {
		return ingest.Batch{}, err
	}
	schema, err := ingest.SchemaFor(s.ingest.Get(), req.Dataset.String())
	if err != nil {
		return ingest.Batch{}, err
	}
	columns, err := ingest.MapColumns(sheet.Header, schema)
	if err != nil {
		return ingest.Batch{}, err
	}
	return ingest.ValidateRows(sheet, columns, schema), nil
}

func (s *Service) Delete(ctx context.Context, req domain.DeleteRequest) (int64, error) {
	scope := domain.Scope{
		Dataset:    req.Dataset,
		InsurerID:  req.InsurerID,
		PeriodID:   req.PeriodID,
		ProviderID: req.ProviderID,
	}
	deleted, err := s.store.DeleteByScope(ctx, scope)
	if err != nil {
		return 0, err
	}
	logger.WithContext(ctx, s.log).Info("scope deleted",
		zap.String("dataset", req.Dataset.String()),
		zap.String("scope", scope.LockKey()),
		zap.Int64("deleted", deleted),
	)
	return deleted, nil
}

// Upsert writes one record at an exact key. Only measure fields are read
// from Values; the key comes from the request.
func (s *Service) Upsert(ctx context.Context, req domain.UpsertRequest) (domain.Record, error) {
	repo, err := s.repos.For(req.Dataset)
	if err != nil {
		return nil, err
	}
	switch {
	case req.InsurerID == 0:
		return nil, domain.ErrInvalidInsurer
	case req.PeriodID == 0:
		return nil, domain.ErrInvalidPeriod
	case req.Dataset.HasProvider() && req.ProviderID == 0:
		return nil, domain.ErrInvalidProvider
	case !req.Dataset.HasProvider() && req.ProviderID != 0:
		return nil, domain.ErrInvalidProvider
	}

	if _, err := s.reference.GetInsurer(ctx, req.InsurerID); err != nil {
		return nil, err
	}
	if _, err := s.reference.GetPeriod(ctx, req.PeriodID); err != nil {
		return nil, err
	}
	if req.ProviderID != 0 {
		if _, err := s.reference.GetProvider(ctx, req.ProviderID); err != nil {
			return nil, err
		}
	}

	schema, err := ingest.SchemaFor(s.ingest.Get(), req.Dataset.String())
	if err != nil {
		return nil, err
	}
	values, err := ingest.ParseFields(measureFields(schema), func(field string) string {
		return trimmed(req.Values[field])
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidRecord, err)
	}

	record := repo.NewRecord()
	fill(record, domain.Key{InsurerID: req.InsurerID, ProviderID: req.ProviderID, PeriodID: req.PeriodID}, values)

	saved, err := s.store.UpsertSingle(ctx, req.Dataset, record)
	if err != nil {
		return nil, err
	}
	if req.ProviderID != 0 {
		if err := s.reference.LinkProvider(ctx, req.InsurerID, req.ProviderID); err != nil {
			s.log.Warn("failed to link provider", zap.Error(err))
		}
	}
	return saved, nil
}

func (s *Service) ListRecords(ctx context.Context, req domain.ListRecordsRequest) ([]domain.Record, error) {
	repo, err := s.repos.For(req.Dataset)
	if err != nil {
		return nil, err
	}
	return repo.ListActive(ctx, s.db, req.Filter)
}

// Status reports, for every insurer and period, whether active records of
// the dataset exist and their count and total.
func (s *Service) Status(ctx context.Context, req domain.StatusRequest) ([]statusgrid.Cell, error) {
	repo, err := s.repos.For(req.Dataset)
	if err != nil {
		return nil, err
	}
	if req.Year != nil && (*req.Year < 1900 || *req.Year > 9999) {
		return nil, domain.ErrInvalidYear
	}

	insurers, err := s.reference.ListInsurers(ctx)
	if err != nil {
		return nil, err
	}
	periods, err := s.reference.ListPeriods(ctx, refdomain.PeriodFilter{Year: req.Year})
	if err != nil {
		return nil, err
	}
	if len(insurers) == 0 || len(periods) == 0 {
		return []statusgrid.Cell{}, nil
	}

	filter := domain.Filter{}
	gridPeriods := make([]statusgrid.Period, 0, len(periods))
	for _, p := range periods {
		gridPeriods = append(gridPeriods, statusgrid.Period{ID: p.ID, Name: p.Name, Year: p.Year, Month: p.Month})
		if req.Year != nil {
			filter.PeriodIDs = append(filter.PeriodIDs, p.ID)
		}
	}
	gridInsurers := make([]statusgrid.Insurer, 0, len(insurers))
	for _, i := range insurers {
		gridInsurers = append(gridInsurers, statusgrid.Insurer{ID: i.ID, Name: i.Name})
	}

	aggregates, err := repo.Aggregate(ctx, s.db, filter)
	if err != nil {
		return nil, err
	}
	sparse := make([]statusgrid.Aggregate, 0, len(aggregates))
	for _, a := range aggregates {
		sparse = append(sparse, statusgrid.Aggregate{InsurerID: a.InsurerID, PeriodID: a.PeriodID, Count: a.Count, Sum: a.Sum})
	}
	return statusgrid.Build(gridInsurers, gridPeriods, sparse), nil
}
