// Package statusgrid builds the dense insurer by period presence grid.
package statusgrid

import (
	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type Insurer struct {
	ID   snowflake.ID
	Name string
}

type Period struct {
	ID    snowflake.ID
	Name  string
	Year  int
	Month int
}

// Aggregate is the sparse per-key summary read from storage.
type Aggregate struct {
	InsurerID snowflake.ID
	PeriodID  snowflake.ID
	Count     int64
	Sum       decimal.Decimal
}

type Cell struct {
	InsurerID   snowflake.ID    `json:"insurer_id"`
	InsurerName string          `json:"insurer_name"`
	PeriodID    snowflake.ID    `json:"period_id"`
	PeriodName  string          `json:"period_name"`
	Year        int             `json:"year"`
	Month       int             `json:"month"`
	HasData     bool            `json:"has_data"`
	RecordCount int64           `json:"record_count"`
	TotalValue  decimal.Decimal `json:"total_value"`
}

type cellKey struct {
	insurer snowflake.ID
	period  snowflake.ID
}

// Build returns one cell per insurer and period, insurer-major in input
// order. Aggregates for unknown insurers or periods are ignored.
func Build(insurers []Insurer, periods []Period, aggregates []Aggregate) []Cell {
	index := make(map[cellKey]Aggregate, len(aggregates))
	for _, agg := range aggregates {
		k := cellKey{insurer: agg.InsurerID, period: agg.PeriodID}
		if prev, ok := index[k]; ok {
			agg.Count += prev.Count
			agg.Sum = agg.Sum.Add(prev.Sum)
		}
		index[k] = agg
	}

	cells := make([]Cell, 0, len(insurers)*len(periods))
	for _, insurer := range insurers {
		for _, period := range periods {
			cell := Cell{
				InsurerID:   insurer.ID,
				InsurerName: insurer.Name,
				PeriodID:    period.ID,
				PeriodName:  period.Name,
				Year:        period.Year,
				Month:       period.Month,
				TotalValue:  decimal.Zero,
			}
			if agg, ok := index[cellKey{insurer: insurer.ID, period: period.ID}]; ok {
				cell.HasData = agg.Count > 0
				cell.RecordCount = agg.Count
				cell.TotalValue = agg.Sum
			}
			cells = append(cells, cell)
		}
	}
	return cells
}
