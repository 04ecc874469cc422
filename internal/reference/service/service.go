package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/cartera/internal/clock"
	"github.com/smallbiznis/cartera/internal/reference/domain"
	"github.com/smallbiznis/cartera/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	maxCodeStem   = 24
	codeSuffixLen = 6
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
}

func New(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("reference.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) GetInsurer(ctx context.Context, id snowflake.ID) (domain.Insurer, error) {
	if id == 0 {
		return domain.Insurer{}, domain.ErrInvalidReference
	}
	insurer, err := s.repo.FindInsurerByID(ctx, s.db, id)
	if err != nil {
		return domain.Insurer{}, err
	}
	if insurer == nil {
		return domain.Insurer{}, domain.ErrInsurerNotFound
	}
	return *insurer, nil
}

func (s *Service) ResolveInsurer(ctx context.Context, ref string) (domain.Insurer, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return domain.Insurer{}, domain.ErrInvalidReference
	}
	insurer, err := s.repo.FindInsurerByRef(ctx, s.db, ref)
	if err != nil {
		return domain.Insurer{}, err
	}
	if insurer == nil {
		return domain.Insurer{}, domain.ErrInsurerNotFound
	}
	return *insurer, nil
}

func (s *Service) ListInsurers(ctx context.Context) ([]domain.Insurer, error) {
	return s.repo.ListInsurers(ctx, s.db, true)
}

func (s *Service) GetProvider(ctx context.Context, id snowflake.ID) (domain.Provider, error) {
	if id == 0 {
		return domain.Provider{}, domain.ErrInvalidReference
	}
	provider, err := s.repo.FindProviderByID(ctx, s.db, id)
	if err != nil {
		return domain.Provider{}, err
	}
	if provider == nil {
		return domain.Provider{}, domain.ErrProviderNotFound
	}
	return *provider, nil
}

// ResolveProvider returns the provider with exactly this name, creating it
// when absent. Creation is insert-or-ignore on the unique name followed by a
// re-read, so concurrent uploads naming the same new provider converge on one
// row. code is used for a new provider when given and free.
func (s *Service) ResolveProvider(ctx context.Context, name, code string) (domain.Provider, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Provider{}, domain.ErrInvalidName
	}

	existing, err := s.repo.FindProviderByName(ctx, s.db, name)
	if err != nil {
		return domain.Provider{}, err
	}
	if existing != nil {
		return *existing, nil
	}

	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		code = GenerateProviderCode(name)
	}

	now := s.clock.Now()
	candidate := domain.Provider{
		ID:        s.genID.Generate(),
		Code:      code,
		Name:      name,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.InsertProviderIfAbsent(ctx, s.db, &candidate); err != nil {
		if !db.IsDuplicateKeyErr(err) {
			return domain.Provider{}, err
		}
		candidate.ID = s.genID.Generate()
		candidate.Code = GenerateProviderCode(name)
		if err := s.repo.InsertProviderIfAbsent(ctx, s.db, &candidate); err != nil {
			return domain.Provider{}, err
		}
	}

	provider, err := s.repo.FindProviderByName(ctx, s.db, name)
	if err != nil {
		return domain.Provider{}, err
	}
	if provider == nil {
		return domain.Provider{}, domain.ErrProviderNotFound
	}
	if provider.ID == candidate.ID {
		s.log.Info("provider created",
			zap.String("provider_id", provider.ID.String()),
			zap.String("code", provider.Code),
		)
	}
	return *provider, nil
}

func (s *Service) LinkProvider(ctx context.Context, insurerID, providerID snowflake.ID) error {
	if insurerID == 0 || providerID == 0 {
		return domain.ErrInvalidReference
	}
	return s.repo.LinkProvider(ctx, s.db, &domain.InsurerProvider{
		InsurerID:  insurerID,
		ProviderID: providerID,
		CreatedAt:  s.clock.Now(),
	})
}

func (s *Service) ListProviders(ctx context.Context, filter domain.ProviderFilter) ([]domain.Provider, error) {
	return s.repo.ListProviders(ctx, s.db, filter)
}

func (s *Service) GetPeriod(ctx context.Context, id snowflake.ID) (domain.Period, error) {
	if id == 0 {
		return domain.Period{}, domain.ErrInvalidReference
	}
	period, err := s.repo.FindPeriodByID(ctx, s.db, id)
	if err != nil {
		return domain.Period{}, err
	}
	if period == nil {
		return domain.Period{}, domain.ErrPeriodNotFound
	}
	return *period, nil
}

func (s *Service) ListPeriods(ctx context.Context, filter domain.PeriodFilter) ([]domain.Period, error) {
	return s.repo.ListPeriods(ctx, s.db, filter)
}

// EnsurePeriods creates the monthly periods of [fromYear, toYear] that do not
// exist yet and returns how many were created.
func (s *Service) EnsurePeriods(ctx context.Context, fromYear, toYear int) (int, error) {
	if fromYear <= 0 || toYear < fromYear {
		return 0, domain.ErrInvalidYear
	}

	created := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		for year := fromYear; year <= toYear; year++ {
			for month := 1; month <= 12; month++ {
				period := domain.NewPeriod(year, month)
				period.ID = s.genID.Generate()
				period.CreatedAt = now
				period.UpdatedAt = now
				inserted, err := s.repo.InsertPeriodIfAbsent(ctx, tx, &period)
				if err != nil {
					return err
				}
				if inserted {
					created++
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}

// GenerateProviderCode derives a code from the upper-cased slug of name,
// clipped to 24 characters, plus a random suffix.
func GenerateProviderCode(name string) string {
	stem := strings.ToUpper(slug.Make(name))
	if len(stem) > maxCodeStem {
		stem = strings.TrimRight(stem[:maxCodeStem], "-")
	}
	if stem == "" {
		stem = "PROVIDER"
	}
	id := ulid.Make().String()
	return stem + "-" + id[len(id)-codeSuffixLen:]
}
