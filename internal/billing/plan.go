package billing

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

const (
	ReasonBilled              = "billed"
	ReasonAlreadyBilled       = "already_billed"
	ReasonInsufficientBalance = "insufficient_balance"
	ReasonInvalidRecord       = "invalid_record"
)

type ReportLine struct {
	ExecutionID     string          `json:"execution_id"`
	Status          string          `json:"status"`
	DurationMinutes decimal.Decimal `json:"duration_minutes"`
	BaseCost        decimal.Decimal `json:"base_cost"`
	Markup          decimal.Decimal `json:"markup"`
	Total           decimal.Decimal `json:"total"`
	BilledThisRun   bool            `json:"billed_this_run"`
	Reason          string          `json:"reason"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
}

// batchPlan is the outcome of pricing a batch against one balance snapshot.
type batchPlan struct {
	lines           []ReportLine
	newIDs          []string
	deduction       int64
	successful      int
	byStatus        map[string]int
	durationSeconds decimal.Decimal
	durationMinutes decimal.Decimal
	rawCost         decimal.Decimal
	costWithMarkup  decimal.Decimal
}

// plan walks records in provider order and admits each new execution while the
// running deduction still fits inside balance. It never touches storage.
func plan(calc CostCalculator, conversion decimal.Decimal, balance int64, billed map[string]struct{}, records []ExecutionRecord) batchPlan {
	p := batchPlan{
		lines:           make([]ReportLine, 0, len(records)),
		byStatus:        make(map[string]int),
		durationSeconds: decimal.Zero,
		rawCost:         decimal.Zero,
		costWithMarkup:  decimal.Zero,
	}
	seen := make(map[string]struct{}, len(records))
	for _, rec := range records {
		p.byStatus[rec.Status]++
		if rec.Successful() {
			p.successful++
		}
		line := ReportLine{ExecutionID: rec.ID, Status: rec.Status, Metadata: rec.Metadata}

		cost, err := calc.Compute(rec, conversion)
		if err != nil || rec.ID == "" {
			line.DurationMinutes, line.BaseCost, line.Markup, line.Total = decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero
			line.Reason = ReasonInvalidRecord
			p.lines = append(p.lines, line)
			continue
		}
		line.DurationMinutes = cost.DurationMinutes
		line.BaseCost = cost.BaseCost
		line.Markup = cost.Markup
		line.Total = cost.Total
		p.durationSeconds = p.durationSeconds.Add(cost.seconds)
		p.rawCost = p.rawCost.Add(cost.BaseCost)
		p.costWithMarkup = p.costWithMarkup.Add(cost.Total)

		_, billedBefore := billed[rec.ID]
		_, billedNow := seen[rec.ID]
		total := cost.TotalMinor()
		switch {
		case billedBefore || billedNow:
			line.Reason = ReasonAlreadyBilled
		case balance-p.deduction >= total:
			p.deduction += total
			p.newIDs = append(p.newIDs, rec.ID)
			seen[rec.ID] = struct{}{}
			line.BilledThisRun = true
			line.Reason = ReasonBilled
		default:
			line.Reason = ReasonInsufficientBalance
		}
		p.lines = append(p.lines, line)
	}
	p.durationMinutes = p.durationSeconds.Div(secondsPerMinute).Round(2)
	return p
}
