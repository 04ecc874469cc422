package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Filter narrows reads to active records; zero fields match everything.
type Filter struct {
	InsurerID  snowflake.ID
	ProviderID snowflake.ID
	PeriodID   snowflake.ID
	PeriodIDs  []snowflake.ID
}

// KeyAggregate summarizes the active records of one insurer and period.
type KeyAggregate struct {
	InsurerID snowflake.ID
	PeriodID  snowflake.ID
	Count     int64
	Sum       decimal.Decimal
}

type DuplicateGroup struct {
	Key   Key   `json:"key"`
	Count int64 `json:"count"`
}

// Orphan is an active record pointing at a reference row that is gone.
type Orphan struct {
	RecordID    snowflake.ID `json:"record_id"`
	Reference   string       `json:"reference"`
	ReferenceID snowflake.ID `json:"reference_id"`
}

type RecordCounts struct {
	Total  int64
	Active int64
}

// Repository is the storage of one dataset. Every method takes the db handle
// so callers can run it inside their transaction.
type Repository interface {
	Dataset() Dataset
	NewRecord() Record

	Insert(ctx context.Context, db *gorm.DB, records []Record) error
	DeleteScope(ctx context.Context, db *gorm.DB, scope Scope) (int64, error)
	DeleteKey(ctx context.Context, db *gorm.DB, key Key) (int64, error)
	ListActive(ctx context.Context, db *gorm.DB, filter Filter) ([]Record, error)
	Aggregate(ctx context.Context, db *gorm.DB, filter Filter) ([]KeyAggregate, error)

	DuplicateGroups(ctx context.Context, db *gorm.DB) ([]DuplicateGroup, error)
	ListByKey(ctx context.Context, db *gorm.DB, key Key) ([]Record, error)
	RemoveByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) (int64, error)
	Count(ctx context.Context, db *gorm.DB) (RecordCounts, error)
	ListOrphans(ctx context.Context, db *gorm.DB) ([]Orphan, error)
}

// Registry holds one Repository per dataset.
type Registry map[Dataset]Repository

func (r Registry) For(dataset Dataset) (Repository, error) {
	repo, ok := r[dataset]
	if !ok {
		return nil, ErrUnknownDataset
	}
	return repo, nil
}
