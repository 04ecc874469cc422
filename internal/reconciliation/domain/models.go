package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// RecordBase carries the columns every reconciled record shares.
type RecordBase struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	InsurerID snowflake.ID `gorm:"not null;index" json:"insurer_id"`
	PeriodID  snowflake.ID `gorm:"not null;index" json:"period_id"`
	Active    bool         `gorm:"not null;index" json:"active"`
	CreatedAt time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time    `gorm:"not null" json:"updated_at"`
}

func (b *RecordBase) Meta() *RecordBase { return b }

// Record is implemented by the pointer form of each dataset model.
type Record interface {
	Meta() *RecordBase
	Key() Key
	// Measure is the monetary value reported and summed for the dataset.
	Measure() decimal.Decimal
	// Recompute refreshes derived columns before a write.
	Recompute()
	// IsZero reports whether every measure is zero.
	IsZero() bool
	TableName() string
	MeasureColumn() string
}

// AgingRecord holds receivables outstanding per age bucket for one provider.
type AgingRecord struct {
	RecordBase
	ProviderID snowflake.ID    `gorm:"not null;index" json:"provider_id"`
	A30        decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"a30"`
	A60        decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"a60"`
	A90        decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"a90"`
	A120       decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"a120"`
	A180       decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"a180"`
	A360       decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"a360"`
	Sup360     decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"sup360"`
	Total      decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"total"`
}

func (AgingRecord) TableName() string { return "aging_records" }

func (r *AgingRecord) Key() Key {
	return Key{InsurerID: r.InsurerID, ProviderID: r.ProviderID, PeriodID: r.PeriodID}
}

func (r *AgingRecord) Measure() decimal.Decimal { return r.Total }

func (AgingRecord) MeasureColumn() string { return "total" }

// Recompute sets Total to the sum of the buckets; input totals are ignored.
func (r *AgingRecord) Recompute() {
	r.Total = decimal.Sum(r.A30, r.A60, r.A90, r.A120, r.A180, r.A360, r.Sup360)
}

func (r *AgingRecord) IsZero() bool {
	for _, d := range []decimal.Decimal{r.A30, r.A60, r.A90, r.A120, r.A180, r.A360, r.Sup360} {
		if !d.IsZero() {
			return false
		}
	}
	return true
}

// CashFlowRecord holds invoiced, objected and paid amounts for one provider.
type CashFlowRecord struct {
	RecordBase
	ProviderID  snowflake.ID    `gorm:"not null;index" json:"provider_id"`
	Invoiced    decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"invoiced"`
	Objected    decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"objected"`
	Paid        decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"paid"`
	PaymentDate *time.Time      `json:"payment_date,omitempty"`
}

func (CashFlowRecord) TableName() string { return "cashflow_records" }

func (r *CashFlowRecord) Key() Key {
	return Key{InsurerID: r.InsurerID, ProviderID: r.ProviderID, PeriodID: r.PeriodID}
}

func (r *CashFlowRecord) Measure() decimal.Decimal { return r.Paid }

func (CashFlowRecord) MeasureColumn() string { return "paid" }

func (r *CashFlowRecord) Recompute() {}

func (r *CashFlowRecord) IsZero() bool {
	return r.Invoiced.IsZero() && r.Objected.IsZero() && r.Paid.IsZero()
}

// CapitationRecord holds the capitation paid to one insurer in a period.
type CapitationRecord struct {
	RecordBase
	UPCValue     decimal.Decimal `gorm:"column:upc_value;type:decimal(20,2);not null;default:0" json:"upc_value"`
	Transferred  decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"transferred"`
	Affiliates   decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"affiliates"`
	TransferDate *time.Time      `json:"transfer_date,omitempty"`
}

func (CapitationRecord) TableName() string { return "capitation_records" }

func (r *CapitationRecord) Key() Key {
	return Key{InsurerID: r.InsurerID, PeriodID: r.PeriodID}
}

func (r *CapitationRecord) Measure() decimal.Decimal { return r.Transferred }

func (CapitationRecord) MeasureColumn() string { return "transferred" }

func (r *CapitationRecord) Recompute() {}

func (r *CapitationRecord) IsZero() bool {
	return r.UPCValue.IsZero() && r.Transferred.IsZero()
}

var (
	_ Record = (*AgingRecord)(nil)
	_ Record = (*CashFlowRecord)(nil)
	_ Record = (*CapitationRecord)(nil)
)
