package cache

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	defaultInsurerTTL  = 5 * time.Minute
	defaultProviderTTL = time.Minute
	defaultPeriodTTL   = 10 * time.Minute
)

// PeriodLabel is the calendar position of a period.
type PeriodLabel struct {
	Year  int
	Month int
}

// ReferenceNameCache keeps id to name lookups used when rendering analytics.
// Providers expire fastest since uploads create them.
type ReferenceNameCache interface {
	Insurers() (map[snowflake.ID]string, bool)
	SetInsurers(names map[snowflake.ID]string)
	Providers() (map[snowflake.ID]string, bool)
	SetProviders(names map[snowflake.ID]string)
	Periods() (map[snowflake.ID]PeriodLabel, bool)
	SetPeriods(periods map[snowflake.ID]PeriodLabel)
}

type referenceNameCache struct {
	names       Cache[string, map[snowflake.ID]string]
	periods     Cache[string, map[snowflake.ID]PeriodLabel]
	insurerTTL  time.Duration
	providerTTL time.Duration
	periodTTL   time.Duration
}

func NewReferenceNameCache() ReferenceNameCache {
	return &referenceNameCache{
		names:       NewTTLCache[string, map[snowflake.ID]string](),
		periods:     NewTTLCache[string, map[snowflake.ID]PeriodLabel](),
		insurerTTL:  defaultInsurerTTL,
		providerTTL: defaultProviderTTL,
		periodTTL:   defaultPeriodTTL,
	}
}

func (c *referenceNameCache) Insurers() (map[snowflake.ID]string, bool) {
	return c.names.Get("insurers")
}

func (c *referenceNameCache) SetInsurers(names map[snowflake.ID]string) {
	if len(names) == 0 {
		return
	}
	c.names.Set("insurers", names, c.insurerTTL)
}

func (c *referenceNameCache) Providers() (map[snowflake.ID]string, bool) {
	return c.names.Get("providers")
}

func (c *referenceNameCache) SetProviders(names map[snowflake.ID]string) {
	if len(names) == 0 {
		return
	}
	c.names.Set("providers", names, c.providerTTL)
}

func (c *referenceNameCache) Periods() (map[snowflake.ID]PeriodLabel, bool) {
	return c.periods.Get("periods")
}

func (c *referenceNameCache) SetPeriods(periods map[snowflake.ID]PeriodLabel) {
	if len(periods) == 0 {
		return
	}
	c.periods.Set("periods", periods, c.periodTTL)
}
