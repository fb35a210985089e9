package billing

import (
	"context"
	"encoding/json"

	"voicemeter/internal/money"
)

// BalanceReader returns the current balance in minor units. A user without a
// balance row has a balance of zero.
type BalanceReader interface {
	CurrentBalance(ctx context.Context, userID string) (int64, error)
}

type AdmissionResult struct {
	Allowed  bool  `json:"allowed"`
	Balance  int64 `json:"-"`
	Required int64 `json:"-"`
}

func (r AdmissionResult) MarshalJSON() ([]byte, error) {
	type plain AdmissionResult
	return json.Marshal(struct {
		plain
		Balance  string `json:"balance"`
		Required string `json:"required"`
	}{plain(r), money.FormatMinor(r.Balance), money.FormatMinor(r.Required)})
}

// AdmissionGuard checks a balance before a call is placed. It never reserves
// or deducts funds; reconciliation is what actually charges.
type AdmissionGuard struct {
	balances BalanceReader
}

func NewAdmissionGuard(balances BalanceReader) *AdmissionGuard {
	return &AdmissionGuard{balances: balances}
}

func (g *AdmissionGuard) Evaluate(ctx context.Context, userID string, required int64) (AdmissionResult, error) {
	if required < 0 {
		return AdmissionResult{}, NewError(KindBadInput, "required amount must not be negative", nil)
	}
	balance, err := g.balances.CurrentBalance(ctx, userID)
	if err != nil {
		return AdmissionResult{}, asInternal("load balance", err)
	}
	return AdmissionResult{Allowed: balance >= required, Balance: balance, Required: required}, nil
}

// EnsureSufficientBalance fails with an error matching ErrInsufficientBalance
// when the balance is below required.
func (g *AdmissionGuard) EnsureSufficientBalance(ctx context.Context, userID string, required int64) error {
	result, err := g.Evaluate(ctx, userID, required)
	if err != nil {
		return err
	}
	if !result.Allowed {
		return NewError(KindInsufficientBalance,
			"balance "+money.FormatMinor(result.Balance)+" is below the required "+money.FormatMinor(required), nil)
	}
	return nil
}
