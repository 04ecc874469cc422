package analytics

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/cartera/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, d(want).Equal(got), "expected %s, got %s", want, got)
}

func TestTrendOrdersPeriodsAndComputesChange(t *testing.T) {
	facts := []Fact{
		{PeriodID: 3, Year: 2024, Month: 3, Amount: d("0")},
		{PeriodID: 1, Year: 2024, Month: 1, Amount: d("60")},
		{PeriodID: 2, Year: 2024, Month: 2, Amount: d("120")},
		{PeriodID: 1, Year: 2024, Month: 1, Amount: d("40")},
		{PeriodID: 5, Year: 2024, Month: 5, Amount: d("50")},
		{PeriodID: 4, Year: 2024, Month: 4, Amount: d("0")},
		{PeriodID: 9, Amount: d("70")},
	}

	trend := Trend(facts)
	require.Len(t, trend, 5)
	assertDecimal(t, "340", Total(facts))

	wantTotals := []string{"100", "120", "0", "0", "50"}
	wantChanges := []string{"0", "20", "-100", "0", "100"}
	for i, p := range trend {
		assert.Equal(t, i+1, p.Month)
		assertDecimal(t, wantTotals[i], p.Total)
		assertDecimal(t, wantChanges[i], p.ChangePct)
	}
}

func TestPercentChangeRounds(t *testing.T) {
	assertDecimal(t, "33.33", PercentChange(d("300"), d("400")))
	assertDecimal(t, "50", PercentChange(d("-200"), d("-300")))
	assertDecimal(t, "-25", PercentChange(d("400"), d("300")))
}

func TestBreakdownSortsBySumThenName(t *testing.T) {
	facts := []Fact{
		{InsurerID: 1, InsurerName: "Alpha", ProviderID: 10, ProviderName: "Clinic A", Amount: d("60")},
		{InsurerID: 1, InsurerName: "Alpha", ProviderID: 11, ProviderName: "Clinic B", Amount: d("40")},
		{InsurerID: 2, InsurerName: "Beta", Amount: d("300")},
		{InsurerID: 3, InsurerName: "ceta", Amount: d("100")},
	}

	byInsurer := BreakdownByInsurer(facts, 0)
	require.Len(t, byInsurer, 3)
	assert.Equal(t, []string{"Beta", "Alpha", "ceta"}, []string{byInsurer[0].Name, byInsurer[1].Name, byInsurer[2].Name})
	assert.Equal(t, int64(2), byInsurer[1].Count)
	assertDecimal(t, "100", byInsurer[1].Sum)

	assert.Len(t, BreakdownByInsurer(facts, 2), 2)

	byProvider := BreakdownByProvider(facts, 5)
	require.Len(t, byProvider, 2)
	assert.Equal(t, "Clinic A", byProvider[0].Name)
	assert.Equal(t, "Clinic B", byProvider[1].Name)

	assert.Empty(t, BreakdownByProvider(nil, 5))
	assertDecimal(t, "500", Total(facts))
}

func TestProjectCompoundsAverageChange(t *testing.T) {
	engine := NewEngine(config.DefaultAnalyticsConfig())
	trend := []TrendPoint{
		{Year: 2024, Month: 11, Total: d("100"), ChangePct: d("0")},
		{Year: 2024, Month: 12, Total: d("110"), ChangePct: d("10")},
		{Year: 2025, Month: 1, Total: d("121"), ChangePct: d("10")},
		{Year: 2025, Month: 2, Total: d("133.1"), ChangePct: d("10")},
	}

	projection := engine.Project(trend, 6)
	require.Len(t, projection, 6)

	assert.Equal(t, 2025, projection[0].Year)
	assert.Equal(t, 3, projection[0].Month)
	assertDecimal(t, "146.41", projection[0].Total)
	assertDecimal(t, "161.05", projection[1].Total)
	assertDecimal(t, "177.16", projection[2].Total)

	wantConfidence := []string{"90", "80", "70", "60", "50", "50"}
	for i, p := range projection {
		assert.Equal(t, i+1, p.Step)
		assertDecimal(t, wantConfidence[i], p.Confidence)
	}
}

func TestProjectUsesOnlyTheLastWindow(t *testing.T) {
	engine := NewEngine(config.DefaultAnalyticsConfig())
	trend := []TrendPoint{
		{Year: 2024, Month: 1, Total: d("100"), ChangePct: d("0")},
		{Year: 2024, Month: 2, Total: d("1000"), ChangePct: d("900")},
		{Year: 2024, Month: 3, Total: d("1000"), ChangePct: d("0")},
		{Year: 2024, Month: 4, Total: d("1000"), ChangePct: d("0")},
		{Year: 2024, Month: 5, Total: d("1000"), ChangePct: d("0")},
	}
	projection := engine.Project(trend, 1)
	require.Len(t, projection, 1)
	assertDecimal(t, "1000", projection[0].Total)

	assert.Empty(t, engine.Project(nil, 3))
	assert.Empty(t, engine.Project(trend, 0))

	single := engine.Project(trend[:1], 1)
	require.Len(t, single, 1)
	assertDecimal(t, "100", single[0].Total)
}

func TestAlertsUseConfiguredThresholds(t *testing.T) {
	trend := []TrendPoint{
		{PeriodID: 1, Year: 2024, Month: 1, ChangePct: d("50")},
		{PeriodID: 2, Year: 2024, Month: 2, ChangePct: d("20")},
		{PeriodID: 3, Year: 2024, Month: 3, ChangePct: d("15")},
		{PeriodID: 4, Year: 2024, Month: 4, ChangePct: d("-10")},
		{PeriodID: 5, Year: 2024, Month: 5, ChangePct: d("-12.5")},
	}

	alerts := NewEngine(config.DefaultAnalyticsConfig()).Alerts(trend)
	require.Len(t, alerts, 2)
	assert.Equal(t, SeverityHigh, alerts[0].Severity)
	assert.Equal(t, "total rose 20.00% in 2024-02", alerts[0].Message)
	assert.Equal(t, SeverityMedium, alerts[1].Severity)
	assert.Equal(t, "total fell 12.50% in 2024-05", alerts[1].Message)

	cfg := config.DefaultAnalyticsConfig()
	cfg.HighIncreasePct = 10
	alerts = NewEngine(cfg).Alerts(trend)
	require.Len(t, alerts, 3)
	assert.Equal(t, "total rose 15.00% in 2024-03", alerts[1].Message)
}
