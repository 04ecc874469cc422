package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Insurer struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	Code      string       `gorm:"type:varchar(64);not null;uniqueIndex" json:"code"`
	Name      string       `gorm:"type:varchar(255);not null" json:"name"`
	Active    bool         `gorm:"not null" json:"active"`
	CreatedAt time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time    `gorm:"not null" json:"updated_at"`
}

func (Insurer) TableName() string { return "insurers" }

type Provider struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	Code      string       `gorm:"type:varchar(64);not null;uniqueIndex" json:"code"`
	Name      string       `gorm:"type:varchar(255);not null;uniqueIndex" json:"name"`
	Active    bool         `gorm:"not null" json:"active"`
	CreatedAt time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time    `gorm:"not null" json:"updated_at"`
}

func (Provider) TableName() string { return "providers" }

// InsurerProvider links a provider to an insurer it has reported under.
type InsurerProvider struct {
	InsurerID  snowflake.ID `gorm:"primaryKey;autoIncrement:false" json:"insurer_id"`
	ProviderID snowflake.ID `gorm:"primaryKey;autoIncrement:false" json:"provider_id"`
	CreatedAt  time.Time    `gorm:"not null" json:"created_at"`
}

func (InsurerProvider) TableName() string { return "insurer_providers" }

// Period is one calendar month.
type Period struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	Year      int          `gorm:"not null;uniqueIndex:ux_periods_year_month" json:"year"`
	Month     int          `gorm:"not null;uniqueIndex:ux_periods_year_month" json:"month"`
	Name      string       `gorm:"type:varchar(32);not null" json:"name"`
	StartDate time.Time    `gorm:"not null" json:"start_date"`
	EndDate   time.Time    `gorm:"not null" json:"end_date"`
	Active    bool         `gorm:"not null" json:"active"`
	CreatedAt time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time    `gorm:"not null" json:"updated_at"`
}

func (Period) TableName() string { return "periods" }

// NewPeriod builds the period covering year/month. ID is left to the caller.
func NewPeriod(year, month int) Period {
	start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	return Period{
		Year:      year,
		Month:     month,
		Name:      start.Format("January 2006"),
		StartDate: start,
		EndDate:   start.AddDate(0, 1, -1),
		Active:    true,
	}
}
