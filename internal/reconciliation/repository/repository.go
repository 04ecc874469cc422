package repository

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/cartera/internal/reconciliation/domain"
	"gorm.io/gorm"
)

const insertBatchSize = 200

// Provide returns the storage of every dataset.
func Provide() domain.Registry {
	return domain.Registry{
		domain.DatasetAging:      newStore[domain.AgingRecord](domain.DatasetAging),
		domain.DatasetCashFlow:   newStore[domain.CashFlowRecord](domain.DatasetCashFlow),
		domain.DatasetCapitation: newStore[domain.CapitationRecord](domain.DatasetCapitation),
	}
}

// store is the gorm storage of one record model. PT is the pointer to the
// model, which is what implements domain.Record.
type store[T any, PT interface {
	*T
	domain.Record
}] struct {
	dataset     domain.Dataset
	hasProvider bool
}

func newStore[T any, PT interface {
	*T
	domain.Record
}](dataset domain.Dataset) *store[T, PT] {
	return &store[T, PT]{
		dataset:     dataset,
		hasProvider: dataset.HasProvider(),
	}
}

func (s *store[T, PT]) Dataset() domain.Dataset { return s.dataset }

func (s *store[T, PT]) NewRecord() domain.Record { return PT(new(T)) }

func (s *store[T, PT]) model() PT { return PT(new(T)) }

func (s *store[T, PT]) keyColumns() string {
	if s.hasProvider {
		return "insurer_id, provider_id, period_id"
	}
	return "insurer_id, period_id"
}

func (s *store[T, PT]) Insert(ctx context.Context, db *gorm.DB, records []domain.Record) error {
	rows := make([]PT, 0, len(records))
	for _, record := range records {
		typed, ok := record.(PT)
		if !ok {
			return fmt.Errorf("%w: %T is not a %s record", domain.ErrInvalidRecord, record, s.dataset)
		}
		rows = append(rows, typed)
	}
	if len(rows) == 0 {
		return nil
	}
	return db.WithContext(ctx).CreateInBatches(rows, insertBatchSize).Error
}

func (s *store[T, PT]) DeleteScope(ctx context.Context, db *gorm.DB, scope domain.Scope) (int64, error) {
	stmt := db.WithContext(ctx).
		Where("period_id = ?", scope.PeriodID).
		Where("active = ?", true)
	if scope.InsurerID != 0 {
		stmt = stmt.Where("insurer_id = ?", scope.InsurerID)
	}
	if s.hasProvider && scope.ProviderID != 0 {
		stmt = stmt.Where("provider_id = ?", scope.ProviderID)
	}
	res := stmt.Delete(s.model())
	return res.RowsAffected, res.Error
}

func (s *store[T, PT]) DeleteKey(ctx context.Context, db *gorm.DB, key domain.Key) (int64, error) {
	res := s.whereKey(db.WithContext(ctx), key).
		Where("active = ?", true).
		Delete(s.model())
	return res.RowsAffected, res.Error
}

func (s *store[T, PT]) ListActive(ctx context.Context, db *gorm.DB, filter domain.Filter) ([]domain.Record, error) {
	var rows []T
	err := s.applyFilter(db.WithContext(ctx).Model(s.model()), filter).
		Where("active = ?", true).
		Order("period_id asc, insurer_id asc, id asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toRecords[T, PT](rows), nil
}

type aggregateRow struct {
	InsurerID snowflake.ID
	PeriodID  snowflake.ID
	Count     int64
	Sum       decimalString
}

func (s *store[T, PT]) Aggregate(ctx context.Context, db *gorm.DB, filter domain.Filter) ([]domain.KeyAggregate, error) {
	var rows []aggregateRow
	err := s.applyFilter(db.WithContext(ctx).Model(s.model()), filter).
		Select(fmt.Sprintf("insurer_id, period_id, COUNT(*) AS count, COALESCE(SUM(%s), 0) AS sum", s.model().MeasureColumn())).
		Where("active = ?", true).
		Group("insurer_id, period_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]domain.KeyAggregate, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.KeyAggregate{
			InsurerID: row.InsurerID,
			PeriodID:  row.PeriodID,
			Count:     row.Count,
			Sum:       row.Sum.Decimal,
		})
	}
	return out, nil
}

type duplicateRow struct {
	InsurerID  snowflake.ID
	ProviderID snowflake.ID
	PeriodID   snowflake.ID
	Count      int64
}

// DuplicateGroups groups every record, active or not, by key.
func (s *store[T, PT]) DuplicateGroups(ctx context.Context, db *gorm.DB) ([]domain.DuplicateGroup, error) {
	var rows []duplicateRow
	err := db.WithContext(ctx).
		Model(s.model()).
		Select(s.keyColumns()+", COUNT(*) AS count").
		Group(s.keyColumns()).
		Having("COUNT(*) > ?", 1).
		Order(s.keyColumns()).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	groups := make([]domain.DuplicateGroup, 0, len(rows))
	for _, row := range rows {
		groups = append(groups, domain.DuplicateGroup{
			Key: domain.Key{
				InsurerID:  row.InsurerID,
				ProviderID: row.ProviderID,
				PeriodID:   row.PeriodID,
			},
			Count: row.Count,
		})
	}
	return groups, nil
}

// ListByKey returns every record of key, newest first with the highest id
// breaking ties.
func (s *store[T, PT]) ListByKey(ctx context.Context, db *gorm.DB, key domain.Key) ([]domain.Record, error) {
	var rows []T
	err := s.whereKey(db.WithContext(ctx).Model(s.model()), key).
		Order("created_at desc, id desc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toRecords[T, PT](rows), nil
}

func (s *store[T, PT]) RemoveByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := db.WithContext(ctx).
		Where("id IN ?", ids).
		Delete(s.model())
	return res.RowsAffected, res.Error
}

func (s *store[T, PT]) Count(ctx context.Context, db *gorm.DB) (domain.RecordCounts, error) {
	var counts domain.RecordCounts
	if err := db.WithContext(ctx).Model(s.model()).Count(&counts.Total).Error; err != nil {
		return counts, err
	}
	err := db.WithContext(ctx).
		Model(s.model()).
		Where("active = ?", true).
		Count(&counts.Active).Error
	return counts, err
}

type orphanRow struct {
	ID  snowflake.ID
	Ref snowflake.ID
}

// ListOrphans reports active records whose insurer, period or provider row
// no longer exists.
func (s *store[T, PT]) ListOrphans(ctx context.Context, db *gorm.DB) ([]domain.Orphan, error) {
	refs := []struct{ name, column, table string }{
		{name: "insurer", column: "insurer_id", table: "insurers"},
		{name: "period", column: "period_id", table: "periods"},
	}
	if s.hasProvider {
		refs = append(refs, struct{ name, column, table string }{name: "provider", column: "provider_id", table: "providers"})
	}

	var orphans []domain.Orphan
	for _, ref := range refs {
		var rows []orphanRow
		err := db.WithContext(ctx).
			Model(s.model()).
			Select("id, "+ref.column+" AS ref").
			Where("active = ?", true).
			Where(ref.column+" NOT IN (?)", db.Table(ref.table).Select("id")).
			Order("id asc").
			Scan(&rows).Error
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			orphans = append(orphans, domain.Orphan{
				RecordID:    row.ID,
				Reference:   ref.name,
				ReferenceID: row.Ref,
			})
		}
	}
	return orphans, nil
}

func (s *store[T, PT]) whereKey(db *gorm.DB, key domain.Key) *gorm.DB {
	stmt := db.
		Where("insurer_id = ?", key.InsurerID).
		Where("period_id = ?", key.PeriodID)
	if s.hasProvider {
		stmt = stmt.Where("provider_id = ?", key.ProviderID)
	}
	return stmt
}

func (s *store[T, PT]) applyFilter(db *gorm.DB, filter domain.Filter) *gorm.DB {
	if filter.InsurerID != 0 {
		db = db.Where("insurer_id = ?", filter.InsurerID)
	}
	if s.hasProvider && filter.ProviderID != 0 {
		db = db.Where("provider_id = ?", filter.ProviderID)
	}
	if filter.PeriodID != 0 {
		db = db.Where("period_id = ?", filter.PeriodID)
	}
	if len(filter.PeriodIDs) > 0 {
		db = db.Where("period_id IN ?", filter.PeriodIDs)
	}
	return db
}

func toRecords[T any, PT interface {
	*T
	domain.Record
}](rows []T) []domain.Record {
	out := make([]domain.Record, 0, len(rows))
	for i := range rows {
		out = append(out, PT(&rows[i]))
	}
	return out
}
