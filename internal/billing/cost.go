package billing

import (
	"voicemeter/internal/money"

	"github.com/shopspring/decimal"
)

var (
	secondsPerMinute = decimal.NewFromInt(60)
	one              = decimal.NewFromInt(1)
)

type CostBreakdown struct {
	DurationMinutes decimal.Decimal `json:"duration_minutes"`
	BaseCost        decimal.Decimal `json:"base_cost"`
	Markup          decimal.Decimal `json:"markup"`
	Total           decimal.Decimal `json:"total"`

	seconds    decimal.Decimal
	totalMinor int64
}

// TotalMinor is the chargeable amount in ledger minor units.
func (b CostBreakdown) TotalMinor() int64 {
	return b.totalMinor
}

// CostCalculator turns a raw execution into a billable breakdown. It has no state
// beyond its configured markup and is safe for concurrent use.
type CostCalculator struct {
	markupRate decimal.Decimal
}

func NewCostCalculator(markupRate decimal.Decimal) CostCalculator {
	return CostCalculator{markupRate: markupRate}
}

func (c CostCalculator) MarkupRate() decimal.Decimal {
	return c.markupRate
}

// Compute prices one record. conversion scales the provider's cost into the
// ledger currency; a zero conversion is treated as 1. Malformed or negative
// numbers yield a zero breakdown and a bad_input error, as does a total too
// large to hold in ledger minor units.
func (c CostCalculator) Compute(rec ExecutionRecord, conversion decimal.Decimal) (CostBreakdown, error) {
	if conversion.IsZero() {
		conversion = one
	}
	seconds, err := parseAmount(rec.DurationSeconds, "duration")
	if err != nil {
		return CostBreakdown{}, err
	}
	raw, err := parseAmount(rec.Cost, "cost")
	if err != nil {
		return CostBreakdown{}, err
	}
	base := raw.Mul(conversion)
	markup := base.Mul(c.markupRate).Round(2)
	total := base.Add(markup).Round(2)
	minor, err := money.FromDecimal(total)
	if err != nil {
		return CostBreakdown{}, NewError(KindBadInput, "cost "+rec.Cost+" exceeds the ledger range", err)
	}
	if minor < 0 {
		return CostBreakdown{}, NewError(KindBadInput, "negative total "+total.String(), nil)
	}
	return CostBreakdown{
		DurationMinutes: seconds.Div(secondsPerMinute).Round(2),
		BaseCost:        base,
		Markup:          markup,
		Total:           total,
		seconds:         seconds,
		totalMinor:      minor,
	}, nil
}

func parseAmount(value, field string) (decimal.Decimal, error) {
	if value == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, NewError(KindBadInput, "unparseable "+field+" "+value, err)
	}
	if d.IsNegative() {
		return decimal.Zero, NewError(KindBadInput, "negative "+field+" "+value, nil)
	}
	return d, nil
}
