package domain

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
)

type Dataset string

const (
	DatasetAging      Dataset = "aging"
	DatasetCashFlow   Dataset = "cashflow"
	DatasetCapitation Dataset = "capitation"
)

func Datasets() []Dataset {
	return []Dataset{DatasetAging, DatasetCashFlow, DatasetCapitation}
}

func ParseDataset(value string) (Dataset, error) {
	d := Dataset(strings.ToLower(strings.TrimSpace(value)))
	switch d {
	case DatasetAging, DatasetCashFlow, DatasetCapitation:
		return d, nil
	}
	return "", ErrUnknownDataset
}

// HasProvider reports whether records of d are keyed per provider.
func (d Dataset) HasProvider() bool {
	return d == DatasetAging || d == DatasetCashFlow
}

func (d Dataset) String() string { return string(d) }

// Key identifies at most one active record. ProviderID is zero for datasets
// without providers.
type Key struct {
	InsurerID  snowflake.ID `json:"insurer_id"`
	ProviderID snowflake.ID `json:"provider_id,omitempty"`
	PeriodID   snowflake.ID `json:"period_id"`
}

func (k Key) String() string {
	return fmt.Sprintf("insurer=%s provider=%s period=%s", k.InsurerID, k.ProviderID, k.PeriodID)
}

// Scope is the unit replaced by an upload: every active record of Dataset
// for the insurer and period, narrowed to one provider when ProviderID is set.
// Capitation scopes may leave InsurerID unset to cover every insurer of the
// period.
type Scope struct {
	Dataset    Dataset
	InsurerID  snowflake.ID
	PeriodID   snowflake.ID
	ProviderID snowflake.ID
}

func (s Scope) Validate() error {
	if s.InsurerID == 0 && s.Dataset != DatasetCapitation {
		return ErrInvalidInsurer
	}
	if s.PeriodID == 0 {
		return ErrInvalidPeriod
	}
	if s.ProviderID != 0 && !s.Dataset.HasProvider() {
		return ErrInvalidProvider
	}
	return nil
}

// Contains reports whether k falls inside the scope.
func (s Scope) Contains(k Key) bool {
	if k.PeriodID != s.PeriodID {
		return false
	}
	if s.InsurerID != 0 && k.InsurerID != s.InsurerID {
		return false
	}
	return s.ProviderID == 0 || k.ProviderID == s.ProviderID
}

// LockKey names the mutual exclusion domain of the scope. Provider is left
// out so provider-narrowed writes serialize with whole-scope replaces; for
// capitation the insurer is left out for the same reason.
func (s Scope) LockKey() string {
	if s.Dataset == DatasetCapitation {
		return fmt.Sprintf("%s:period:%s", s.Dataset, s.PeriodID)
	}
	return fmt.Sprintf("%s:%s:%s", s.Dataset, s.InsurerID, s.PeriodID)
}

// ScopeOf returns the narrowest scope containing k.
func ScopeOf(dataset Dataset, k Key) Scope {
	return Scope{
		Dataset:    dataset,
		InsurerID:  k.InsurerID,
		PeriodID:   k.PeriodID,
		ProviderID: k.ProviderID,
	}
}
