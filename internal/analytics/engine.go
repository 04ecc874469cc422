package analytics

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/cartera/internal/config"
)

const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"
)

var hundred = decimal.NewFromInt(100)

// Fact is one active record reduced to its key, names and measure.
type Fact struct {
	InsurerID    snowflake.ID
	InsurerName  string
	ProviderID   snowflake.ID
	ProviderName string
	PeriodID     snowflake.ID
	Year         int
	Month        int
	Amount       decimal.Decimal
}

type Breakdown struct {
	ID    snowflake.ID    `json:"id"`
	Name  string          `json:"name"`
	Count int64           `json:"count"`
	Sum   decimal.Decimal `json:"sum"`
}

type TrendPoint struct {
	PeriodID  snowflake.ID    `json:"period_id"`
	Year      int             `json:"year"`
	Month     int             `json:"month"`
	Total     decimal.Decimal `json:"total"`
	ChangePct decimal.Decimal `json:"change_pct"`
}

type Projection struct {
	Step       int             `json:"step"`
	Year       int             `json:"year"`
	Month      int             `json:"month"`
	Total      decimal.Decimal `json:"total"`
	Confidence decimal.Decimal `json:"confidence"`
}

type Alert struct {
	Severity  string          `json:"severity"`
	PeriodID  snowflake.ID    `json:"period_id"`
	Year      int             `json:"year"`
	Month     int             `json:"month"`
	ChangePct decimal.Decimal `json:"change_pct"`
	Message   string          `json:"message"`
}

// Engine computes read-side statistics. It holds no state besides its
// thresholds.
type Engine struct {
	cfg config.AnalyticsConfig
}

func NewEngine(cfg config.AnalyticsConfig) Engine {
	return Engine{cfg: cfg}
}

func Total(facts []Fact) decimal.Decimal {
	total := decimal.Zero
	for _, f := range facts {
		total = total.Add(f.Amount)
	}
	return total
}

// BreakdownByInsurer groups facts per insurer, largest sum first. top <= 0
// keeps every group.
func BreakdownByInsurer(facts []Fact, top int) []Breakdown {
	return breakdown(facts, top, func(f Fact) (snowflake.ID, string) { return f.InsurerID, f.InsurerName })
}

// BreakdownByProvider groups facts per provider; facts without a provider
// are skipped.
func BreakdownByProvider(facts []Fact, top int) []Breakdown {
	withProvider := make([]Fact, 0, len(facts))
	for _, f := range facts {
		if f.ProviderID != 0 {
			withProvider = append(withProvider, f)
		}
	}
	return breakdown(withProvider, top, func(f Fact) (snowflake.ID, string) { return f.ProviderID, f.ProviderName })
}

func breakdown(facts []Fact, top int, group func(Fact) (snowflake.ID, string)) []Breakdown {
	index := map[snowflake.ID]int{}
	out := []Breakdown{}
	for _, f := range facts {
		id, name := group(f)
		i, ok := index[id]
		if !ok {
			i = len(out)
			index[id] = i
			out = append(out, Breakdown{ID: id, Name: name, Sum: decimal.Zero})
		}
		out[i].Count++
		out[i].Sum = out[i].Sum.Add(f.Amount)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if c := out[i].Sum.Cmp(out[j].Sum); c != 0 {
			return c > 0
		}
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	if top > 0 && len(out) > top {
		out = out[:top]
	}
	return out
}

// Trend totals facts per period in chronological order. ChangePct is the
// change against the previous point: 0 for the first point and when both
// totals are zero, 100 when only the previous total is zero.
func Trend(facts []Fact) []TrendPoint {
	index := map[snowflake.ID]int{}
	points := []TrendPoint{}
	for _, f := range facts {
		// unknown period: counted in totals, not placed on the timeline
		if f.Year == 0 {
			continue
		}
		i, ok := index[f.PeriodID]
		if !ok {
			i = len(points)
			index[f.PeriodID] = i
			points = append(points, TrendPoint{PeriodID: f.PeriodID, Year: f.Year, Month: f.Month, Total: decimal.Zero})
		}
		points[i].Total = points[i].Total.Add(f.Amount)
	}

	sort.SliceStable(points, func(i, j int) bool {
		if points[i].Year != points[j].Year {
			return points[i].Year < points[j].Year
		}
		return points[i].Month < points[j].Month
	})

	for i := range points {
		if i == 0 {
			points[i].ChangePct = decimal.Zero
			continue
		}
		points[i].ChangePct = PercentChange(points[i-1].Total, points[i].Total)
	}
	return points
}

// PercentChange returns (current-previous)/previous*100 rounded to two
// decimals.
func PercentChange(previous, current decimal.Decimal) decimal.Decimal {
	if previous.IsZero() {
		if current.IsZero() {
			return decimal.Zero
		}
		return hundred
	}
	return current.Sub(previous).Div(previous).Mul(hundred).Round(2)
}

// Project extends the trend n periods forward, compounding the average
// change of the last observed changes from the latest total.
func (e Engine) Project(trend []TrendPoint, n int) []Projection {
	if n <= 0 || len(trend) == 0 {
		return []Projection{}
	}

	window := e.cfg.ProjectionWindow
	if window <= 0 {
		window = 3
	}
	changes := make([]decimal.Decimal, 0, window)
	for i := len(trend) - 1; i >= 1 && len(changes) < window; i-- {
		changes = append(changes, trend[i].ChangePct)
	}
	avg := decimal.Zero
	if len(changes) > 0 {
		avg = decimal.Avg(changes[0], changes[1:]...)
	}
	factor := decimal.NewFromInt(1).Add(avg.Div(hundred))

	last := trend[len(trend)-1]
	year, month := last.Year, last.Month
	total := last.Total
	base := decimal.NewFromFloat(e.cfg.BaseConfidence)
	step := decimal.NewFromFloat(e.cfg.ConfidenceStep)
	floor := decimal.NewFromFloat(e.cfg.MinConfidence)

	out := make([]Projection, 0, n)
	for k := 1; k <= n; k++ {
		year, month = nextMonth(year, month)
		total = total.Mul(factor)
		confidence := base.Sub(step.Mul(decimal.NewFromInt(int64(k - 1))))
		if confidence.LessThan(floor) {
			confidence = floor
		}
		out = append(out, Projection{
			Step:       k,
			Year:       year,
			Month:      month,
			Total:      total.Round(2),
			Confidence: confidence,
		})
	}
	return out
}

// Alerts flags periods whose change crosses the configured thresholds.
func (e Engine) Alerts(trend []TrendPoint) []Alert {
	high := decimal.NewFromFloat(e.cfg.HighIncreasePct)
	medium := decimal.NewFromFloat(e.cfg.MediumDecreasePct)

	alerts := []Alert{}
	for i, p := range trend {
		if i == 0 {
			continue
		}
		switch {
		case p.ChangePct.GreaterThan(high):
			alerts = append(alerts, Alert{
				Severity:  SeverityHigh,
				PeriodID:  p.PeriodID,
				Year:      p.Year,
				Month:     p.Month,
				ChangePct: p.ChangePct,
				Message:   fmt.Sprintf("total rose %s%% in %04d-%02d", p.ChangePct.StringFixed(2), p.Year, p.Month),
			})
		case p.ChangePct.LessThan(medium):
			alerts = append(alerts, Alert{
				Severity:  SeverityMedium,
				PeriodID:  p.PeriodID,
				Year:      p.Year,
				Month:     p.Month,
				ChangePct: p.ChangePct,
				Message:   fmt.Sprintf("total fell %s%% in %04d-%02d", p.ChangePct.Abs().StringFixed(2), p.Year, p.Month),
			})
		}
	}
	return alerts
}

func nextMonth(year, month int) (int, int) {
	if month >= 12 {
		return year + 1, 1
	}
	return year, month + 1
}
