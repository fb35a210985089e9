package billing

import (
	"context"
	"encoding/json"
	"errors"

	"voicemeter/internal/logging"
	"voicemeter/internal/models"
	"voicemeter/internal/money"

	"github.com/shopspring/decimal"
)

const maxReconcileAttempts = 2

// Ledger is the durable state the reconciler reads and commits to.
type Ledger interface {
	GetOrCreateBalance(ctx context.Context, userID string) (models.Balance, bool, error)
	// BilledIDs returns every id already billed to userID plus any of candidates
	// billed to another user. Execution ids are unique across the whole ledger.
	BilledIDs(ctx context.Context, userID string, candidates []string) (map[string]struct{}, error)
	// CommitDeductions applies the whole request or nothing. It returns an error
	// matching ErrConflict when an id is already billed or the balance moved.
	CommitDeductions(ctx context.Context, req CommitRequest) (models.Balance, error)
}

type CommitRequest struct {
	UserID       string
	Total        int64
	ExecutionIDs []string
	Entries      []ReportLine
}

type Report struct {
	TotalCalls           int             `json:"total_calls"`
	SuccessfulCalls      int             `json:"successful_calls"`
	CallsByStatus        map[string]int  `json:"calls_by_status"`
	TotalDurationMinutes decimal.Decimal `json:"total_duration_minutes"`
	TotalCost            decimal.Decimal `json:"total_cost"`
	TotalCostWithMarkup  decimal.Decimal `json:"total_cost_with_markup"`
	Deducted             int64           `json:"-"`
	Balance              int64           `json:"-"`
	BalanceChanged       bool            `json:"balance_changed"`
	NewAccount           bool            `json:"new_account"`
	Lines                []ReportLine    `json:"lines"`
}

// MarshalJSON renders the minor-unit amounts in currency, matching the cost totals.
func (r Report) MarshalJSON() ([]byte, error) {
	type plain Report
	return json.Marshal(struct {
		plain
		Deducted string `json:"deducted"`
		Balance  string `json:"balance"`
	}{plain(r), money.FormatMinor(r.Deducted), money.FormatMinor(r.Balance)})
}

// BilledCount is the number of executions charged in this run.
func (r Report) BilledCount() int {
	count := 0
	for _, line := range r.Lines {
		if line.BilledThisRun {
			count++
		}
	}
	return count
}

type Reconciler struct {
	ledger Ledger
	calc   CostCalculator
	locker Locker
	logger logging.Logger
}

func NewReconciler(ledger Ledger, calc CostCalculator, locker Locker, logger logging.Logger) *Reconciler {
	if locker == nil {
		locker = NewLocalLocker()
	}
	if logger == nil {
		logger = logging.NewLogger("error")
	}
	return &Reconciler{ledger: ledger, calc: calc, locker: locker, logger: logger}
}

// Reconcile bills every new execution in records that the user's balance can
// cover and reports on the whole batch. A commit conflict is retried once from
// fresh state; a second conflict bills nothing and returns a transient error.
func (r *Reconciler) Reconcile(ctx context.Context, userID string, records []ExecutionRecord, conversion decimal.Decimal) (Report, error) {
	unlock, err := r.locker.Lock(ctx, "reconcile:"+userID)
	if err != nil {
		return Report{}, NewError(KindTransient, "reconciliation already in progress", err)
	}
	defer unlock()

	var lastErr error
	for attempt := 1; attempt <= maxReconcileAttempts; attempt++ {
		report, err := r.run(ctx, userID, records, conversion)
		if err == nil {
			return report, nil
		}
		if !errors.Is(err, ErrConflict) {
			return Report{}, err
		}
		lastErr = err
		r.logger.WithFields(logging.Fields{
			"user_id": userID,
			"attempt": attempt,
			"error":   err,
		}).Warn("billing commit conflicted")
	}
	return Report{}, NewError(KindTransient, "concurrent billing for user, nothing billed", lastErr)
}

func (r *Reconciler) run(ctx context.Context, userID string, records []ExecutionRecord, conversion decimal.Decimal) (Report, error) {
	balance, created, err := r.ledger.GetOrCreateBalance(ctx, userID)
	if err != nil {
		return Report{}, asInternal("load balance", err)
	}
	billed, err := r.ledger.BilledIDs(ctx, userID, candidateIDs(records))
	if err != nil {
		return Report{}, asInternal("load billed executions", err)
	}

	p := plan(r.calc, conversion, balance.Balance, billed, records)
	report := Report{
		TotalCalls:           len(records),
		SuccessfulCalls:      p.successful,
		CallsByStatus:        p.byStatus,
		TotalDurationMinutes: p.durationMinutes,
		TotalCost:            p.rawCost.Round(2),
		TotalCostWithMarkup:  p.costWithMarkup.Round(2),
		Balance:              balance.Balance,
		NewAccount:           created,
		Lines:                p.lines,
	}
	if len(p.newIDs) == 0 {
		return report, nil
	}

	updated, err := r.ledger.CommitDeductions(ctx, CommitRequest{
		UserID:       userID,
		Total:        p.deduction,
		ExecutionIDs: p.newIDs,
		Entries:      billedLines(p.lines),
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return Report{}, err
		}
		return Report{}, asInternal("commit deductions", err)
	}
	report.Deducted = p.deduction
	report.Balance = updated.Balance
	report.BalanceChanged = true
	r.logger.WithFields(logging.Fields{
		"user_id":    userID,
		"executions": len(p.newIDs),
		"deducted":   p.deduction,
		"balance":    updated.Balance,
	}).Info("billed executions")
	return report, nil
}

func candidateIDs(records []ExecutionRecord) []string {
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		if rec.ID != "" {
			ids = append(ids, rec.ID)
		}
	}
	return ids
}

func billedLines(lines []ReportLine) []ReportLine {
	out := make([]ReportLine, 0, len(lines))
	for _, line := range lines {
		if line.BilledThisRun {
			out = append(out, line)
		}
	}
	return out
}
