package repository

import (
	"context"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/cartera/internal/reference/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindInsurerByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Insurer, error) {
	var insurer domain.Insurer
	err := db.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&insurer).Error
	if err != nil {
		return nil, err
	}
	if insurer.ID == 0 {
		return nil, nil
	}
	return &insurer, nil
}

// FindInsurerByRef matches a numeric id, then code or name ignoring case.
func (r *repo) FindInsurerByRef(ctx context.Context, db *gorm.DB, ref string) (*domain.Insurer, error) {
	ref = strings.TrimSpace(ref)
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		insurer, err := r.FindInsurerByID(ctx, db, snowflake.ID(id))
		if err != nil || insurer != nil {
			return insurer, err
		}
	}

	var insurer domain.Insurer
	err := db.WithContext(ctx).
		Where("LOWER(code) = LOWER(?) OR LOWER(name) = LOWER(?)", ref, ref).
		Order("active desc, id asc").
		Limit(1).
		Find(&insurer).Error
	if err != nil {
		return nil, err
	}
	if insurer.ID == 0 {
		return nil, nil
	}
	return &insurer, nil
}

func (r *repo) ListInsurers(ctx context.Context, db *gorm.DB, activeOnly bool) ([]domain.Insurer, error) {
	var insurers []domain.Insurer
	stmt := db.WithContext(ctx).Model(&domain.Insurer{})
	if activeOnly {
		stmt = stmt.Where("active = ?", true)
	}
	if err := stmt.Order("name asc, id asc").Find(&insurers).Error; err != nil {
		return nil, err
	}
	return insurers, nil
}

func (r *repo) FindProviderByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Provider, error) {
	var provider domain.Provider
	err := db.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&provider).Error
	if err != nil {
		return nil, err
	}
	if provider.ID == 0 {
		return nil, nil
	}
	return &provider, nil
}

func (r *repo) FindProviderByName(ctx context.Context, db *gorm.DB, name string) (*domain.Provider, error) {
	var provider domain.Provider
	err := db.WithContext(ctx).
		Where("name = ?", name).
		Limit(1).
		Find(&provider).Error
	if err != nil {
		return nil, err
	}
	if provider.ID == 0 {
		return nil, nil
	}
	return &provider, nil
}

// InsertProviderIfAbsent inserts provider unless one with the same name
// exists. Conflicts on other unique columns are returned as errors.
func (r *repo) InsertProviderIfAbsent(ctx context.Context, db *gorm.DB, provider *domain.Provider) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoNothing: true,
		}).
		Create(provider).Error
}

func (r *repo) ListProviders(ctx context.Context, db *gorm.DB, filter domain.ProviderFilter) ([]domain.Provider, error) {
	var providers []domain.Provider
	stmt := db.WithContext(ctx).Model(&domain.Provider{})
	if filter.InsurerID != 0 {
		stmt = stmt.Where("id IN (?)",
			db.Model(&domain.InsurerProvider{}).
				Select("provider_id").
				Where("insurer_id = ?", filter.InsurerID),
		)
	}
	if err := stmt.Order("name asc, id asc").Find(&providers).Error; err != nil {
		return nil, err
	}
	return providers, nil
}

func (r *repo) LinkProvider(ctx context.Context, db *gorm.DB, link *domain.InsurerProvider) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(link).Error
}

func (r *repo) FindPeriodByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Period, error) {
	var period domain.Period
	err := db.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&period).Error
	if err != nil {
		return nil, err
	}
	if period.ID == 0 {
		return nil, nil
	}
	return &period, nil
}

func (r *repo) ListPeriods(ctx context.Context, db *gorm.DB, filter domain.PeriodFilter) ([]domain.Period, error) {
	var periods []domain.Period
	stmt := db.WithContext(ctx).
		Model(&domain.Period{}).
		Where("active = ?", true)
	if filter.Year != nil {
		stmt = stmt.Where("year = ?", *filter.Year)
	}
	if err := stmt.Order("year asc, month asc").Find(&periods).Error; err != nil {
		return nil, err
	}
	return periods, nil
}

// InsertPeriodIfAbsent reports whether a row was written.
func (r *repo) InsertPeriodIfAbsent(ctx context.Context, db *gorm.DB, period *domain.Period) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "year"}, {Name: "month"}},
			DoNothing: true,
		}).
		Create(period)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
