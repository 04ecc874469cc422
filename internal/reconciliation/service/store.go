package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/cartera/internal/clock"
	"github.com/smallbiznis/cartera/internal/keylock"
	obsmetrics "github.com/smallbiznis/cartera/internal/observability/metrics"
	"github.com/smallbiznis/cartera/internal/observability/tracing"
	"github.com/smallbiznis/cartera/internal/reconciliation/domain"
	"github.com/smallbiznis/cartera/pkg/db"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type StoreParams struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Locker     keylock.Locker
	Repos      domain.Registry
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// Store owns every write to the record tables. Writes to one scope are
// serialized through the locker and, on postgres, a transaction scoped
// advisory lock so that several processes agree as well.
type Store struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	locker     keylock.Locker
	repos      domain.Registry
	obsMetrics *obsmetrics.Metrics
}

func NewStore(p StoreParams) *Store {
	return &Store{
		db:         p.DB,
		log:        p.Log.Named("reconciliation.store"),
		genID:      p.GenID,
		clock:      p.Clock,
		locker:     p.Locker,
		repos:      p.Repos,
		obsMetrics: p.ObsMetrics,
	}
}

// Replace deletes every active record in scope and inserts records in one
// transaction. On failure nothing changes and the error wraps
// domain.ErrReplaceFailed.
func (st *Store) Replace(ctx context.Context, scope domain.Scope, records []domain.Record) (domain.ReplaceResult, error) {
	if err := scope.Validate(); err != nil {
		return domain.ReplaceResult{}, err
	}
	repo, err := st.repos.For(scope.Dataset)
	if err != nil {
		return domain.ReplaceResult{}, err
	}
	if err := st.stamp(scope, records); err != nil {
		return domain.ReplaceResult{}, err
	}

	ctx, span := tracing.StartSpan(ctx, "reconciliation.replace",
		attribute.String("cartera.dataset", scope.Dataset.String()),
		attribute.String("cartera.scope", scope.LockKey()),
		attribute.Int("cartera.records", len(records)),
	)
	defer span.End()

	start := time.Now()
	var result domain.ReplaceResult
	err = st.withScope(ctx, scope, func(tx *gorm.DB) error {
		deleted, err := repo.DeleteScope(ctx, tx, scope)
		if err != nil {
			return err
		}
		if err := repo.Insert(ctx, tx, records); err != nil {
			return err
		}
		result = domain.ReplaceResult{Deleted: deleted, Inserted: int64(len(records))}
		return nil
	})
	st.obsMetrics.ObserveReplace(scope.Dataset.String(), time.Since(start), result.Deleted, result.Inserted, err)
	if err != nil {
		span.RecordError(tracing.SafeError(err))
		span.SetStatus(codes.Error, "replace failed")
		st.log.Error("replace rolled back",
			zap.String("dataset", scope.Dataset.String()),
			zap.String("scope", scope.LockKey()),
			zap.Error(err),
		)
		return domain.ReplaceResult{}, fmt.Errorf("%w: %w", domain.ErrReplaceFailed, err)
	}

	st.log.Debug("scope replaced",
		zap.String("dataset", scope.Dataset.String()),
		zap.String("scope", scope.LockKey()),
		zap.Int64("deleted", result.Deleted),
		zap.Int64("inserted", result.Inserted),
	)
	return result, nil
}

// DeleteByScope removes every active record in scope.
func (st *Store) DeleteByScope(ctx context.Context, scope domain.Scope) (int64, error) {
	if err := scope.Validate(); err != nil {
		return 0, err
	}
	repo, err := st.repos.For(scope.Dataset)
	if err != nil {
		return 0, err
	}

	var deleted int64
	err = st.withScope(ctx, scope, func(tx *gorm.DB) error {
		n, err := repo.DeleteScope(ctx, tx, scope)
		deleted = n
		return err
	})
	if err != nil {
		return 0, err
	}
	st.obsMetrics.AddDeleted(scope.Dataset.String(), deleted)
	return deleted, nil
}

// UpsertSingle replaces the active record at the key of record, if any, with
// record.
func (st *Store) UpsertSingle(ctx context.Context, dataset domain.Dataset, record domain.Record) (domain.Record, error) {
	repo, err := st.repos.For(dataset)
	if err != nil {
		return nil, err
	}
	key := record.Key()
	scope := domain.ScopeOf(dataset, key)
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if err := st.stamp(scope, []domain.Record{record}); err != nil {
		return nil, err
	}

	err = st.withScope(ctx, scope, func(tx *gorm.DB) error {
		if _, err := repo.DeleteKey(ctx, tx, key); err != nil {
			return err
		}
		return repo.Insert(ctx, tx, []domain.Record{record})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrReplaceFailed, err)
	}
	st.obsMetrics.AddInserted(dataset.String(), 1)
	return record, nil
}

// stamp assigns identity and timestamps and refreshes derived columns. Every
// record must fall inside scope.
func (st *Store) stamp(scope domain.Scope, records []domain.Record) error {
	now := st.clock.Now().UTC()
	for _, record := range records {
		if record == nil {
			return domain.ErrInvalidRecord
		}
		record.Recompute()
		if !scope.Contains(record.Key()) {
			return fmt.Errorf("%w: %s outside scope %s", domain.ErrInvalidRecord, record.Key(), scope.LockKey())
		}
		meta := record.Meta()
		meta.ID = st.genID.Generate()
		meta.Active = true
		meta.CreatedAt = now
		meta.UpdatedAt = now
	}
	return nil
}

func (st *Store) withScope(ctx context.Context, scope domain.Scope, fn func(tx *gorm.DB) error) error {
	unlock, err := st.locker.Lock(ctx, scope.LockKey())
	if err != nil {
		return err
	}
	defer unlock()

	return st.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if db.IsPostgres(tx) {
			if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", scope.LockKey()).Error; err != nil {
				return err
			}
		}
		return fn(tx)
	})
}
