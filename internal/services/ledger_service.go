package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"voicemeter/internal/billing"
	"voicemeter/internal/db"
	"voicemeter/internal/models"
	"voicemeter/internal/money"
	"voicemeter/internal/store"
	"voicemeter/internal/websocket"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

type BalanceStore interface {
	GetOrCreate(ctx context.Context, userID string) (models.Balance, bool, error)
	Get(ctx context.Context, userID string) (models.Balance, error)
	GetForUpdate(ctx context.Context, tx store.Getter, userID string) (models.Balance, error)
	AdjustBalance(ctx context.Context, tx store.Execer, userID string, delta int64) (int64, error)
	EnsureExists(ctx context.Context, tx store.Execer, userID string) error
	MarkNotified(ctx context.Context, userID string, at time.Time) error
	ListWithLedger(ctx context.Context, userID string) ([]store.BalanceLedgerSummary, error)
}

type ExecutionStore interface {
	InsertBilled(ctx context.Context, tx store.Execer, userID string, executionIDs []string) error
	ListBilled(ctx context.Context, userID string, candidates []string) ([]string, error)
}

type PaymentStore interface {
	Append(ctx context.Context, tx store.Execer, input store.PaymentInput) error
	List(ctx context.Context, filter store.PaymentFilter) ([]store.PaymentView, error)
}

type RateStore interface {
	GetActive(ctx context.Context, baseCurrency, quoteCurrency string) (models.ConversionRate, error)
	ListActive(ctx context.Context) ([]models.ConversionRate, error)
	SetRate(ctx context.Context, tx store.Tx, baseCurrency, quoteCurrency, rate, actorID string) (string, error)
}

type AuditStore interface {
	Log(ctx context.Context, tx store.Execer, actorID, action, entityType, entityID, data string) error
}

type BalanceHub interface {
	BroadcastBalance(userID string, update websocket.BalanceUpdate)
}

// LedgerService is the Postgres-backed ledger: balances, billed execution ids
// and the payment history, always mutated together in one transaction.
type LedgerService struct {
	txRunner   db.TxRunner
	balances   BalanceStore
	executions ExecutionStore
	payments   PaymentStore
	rates      RateStore
	audit      AuditStore
	hub        BalanceHub
	currency   string
}

func NewLedgerService(txRunner db.TxRunner, balances BalanceStore, executions ExecutionStore, payments PaymentStore, rates RateStore, audit AuditStore, hub BalanceHub, currency string) *LedgerService {
	return &LedgerService{
		txRunner:   txRunner,
		balances:   balances,
		executions: executions,
		payments:   payments,
		rates:      rates,
		audit:      audit,
		hub:        hub,
		currency:   currency,
	}
}

func (s *LedgerService) GetOrCreateBalance(ctx context.Context, userID string) (models.Balance, bool, error) {
	return s.balances.GetOrCreate(ctx, userID)
}

func (s *LedgerService) MarkNotified(ctx context.Context, userID string, at time.Time) error {
	return s.balances.MarkNotified(ctx, userID, at)
}

func (s *LedgerService) BilledIDs(ctx context.Context, userID string, candidates []string) (map[string]struct{}, error) {
	ids, err := s.executions.ListBilled(ctx, userID, candidates)
	if err != nil {
		return nil, err
	}
	billed := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		billed[id] = struct{}{}
	}
	return billed, nil
}

// CurrentBalance reads the balance without creating a row; a user with no
// row has nothing to spend.
func (s *LedgerService) CurrentBalance(ctx context.Context, userID string) (int64, error) {
	row, err := s.balances.Get(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return row.Balance, nil
}

// CommitDeductions records the ids as billed, debits the total and appends one
// deduction entry, or does none of it. A duplicate id or a balance that can no
// longer cover the total is reported as billing.ErrConflict.
func (s *LedgerService) CommitDeductions(ctx context.Context, req billing.CommitRequest) (models.Balance, error) {
	if req.Total < 0 {
		return models.Balance{}, billing.NewError(billing.KindBadInput, "deduction total must not be negative", nil)
	}
	var updated models.Balance
	err := s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		row, err := s.balances.GetForUpdate(ctx, tx, req.UserID)
		if errors.Is(err, sql.ErrNoRows) {
			return billing.NewError(billing.KindConflict, "balance row disappeared", err)
		}
		if err != nil {
			return err
		}
		if row.Balance-req.Total < 0 {
			return billing.NewError(billing.KindConflict, "balance changed during billing", nil)
		}
		if err := s.executions.InsertBilled(ctx, tx, req.UserID, req.ExecutionIDs); err != nil {
			if db.IsUniqueViolation(err) {
				return billing.NewError(billing.KindConflict, "execution already billed", err)
			}
			return err
		}
		updated = row
		if req.Total == 0 {
			return nil
		}
		if _, err := s.balances.AdjustBalance(ctx, tx, req.UserID, -req.Total); err != nil {
			return err
		}
		updated.Balance = row.Balance - req.Total

		entryID := uuid.NewString()
		if err := s.payments.Append(ctx, tx, store.PaymentInput{
			ID:          entryID,
			UserID:      req.UserID,
			Type:        models.TransactionDeduction,
			Amount:      req.Total,
			Description: deductionDescription(req),
		}); err != nil {
			return err
		}
		data, _ := json.Marshal(map[string]any{
			"payment_id":    entryID,
			"execution_ids": req.ExecutionIDs,
			"amount":        money.FormatMinor(req.Total),
		})
		return s.audit.Log(ctx, tx, "", store.AuditDeduction, "user", req.UserID, string(data))
	})
	if err != nil {
		return models.Balance{}, err
	}
	if req.Total > 0 {
		s.broadcast(req.UserID, websocket.EventDeduction, req.Total, updated.Balance)
	}
	return updated, nil
}

func deductionDescription(req billing.CommitRequest) string {
	if len(req.ExecutionIDs) == 1 {
		return "Call charge for execution " + req.ExecutionIDs[0]
	}
	return fmt.Sprintf("Call charges for %d executions", len(req.ExecutionIDs))
}

type CreditRequest struct {
	ActorID     string
	UserID      string
	AmountMinor int64
	Description string
}

// Credit applies a top-up: a deposit entry plus the matching balance increase.
func (s *LedgerService) Credit(ctx context.Context, req CreditRequest) (models.Balance, error) {
	if req.AmountMinor <= 0 {
		return models.Balance{}, billing.NewError(billing.KindBadInput, "amount must be positive", nil)
	}
	if strings.TrimSpace(req.UserID) == "" {
		return models.Balance{}, billing.NewError(billing.KindBadInput, "user_id is required", nil)
	}
	description := strings.TrimSpace(req.Description)
	if description == "" {
		description = "Balance top-up"
	}
	var updated models.Balance
	err := s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.balances.EnsureExists(ctx, tx, req.UserID); err != nil {
			return err
		}
		row, err := s.balances.GetForUpdate(ctx, tx, req.UserID)
		if err != nil {
			return err
		}
		if _, err := s.balances.AdjustBalance(ctx, tx, req.UserID, req.AmountMinor); err != nil {
			return err
		}
		updated = row
		updated.Balance = row.Balance + req.AmountMinor
		entryID := uuid.NewString()
		if err := s.payments.Append(ctx, tx, store.PaymentInput{
			ID:          entryID,
			UserID:      req.UserID,
			Type:        models.TransactionDeposit,
			Amount:      req.AmountMinor,
			Description: description,
		}); err != nil {
			return err
		}
		data, _ := json.Marshal(map[string]string{
			"payment_id": entryID,
			"amount":     money.FormatMinor(req.AmountMinor),
		})
		return s.audit.Log(ctx, tx, req.ActorID, store.AuditTopUp, "user", req.UserID, string(data))
	})
	if err != nil {
		return models.Balance{}, err
	}
	s.broadcast(req.UserID, websocket.EventTopUp, req.AmountMinor, updated.Balance)
	return updated, nil
}

func (s *LedgerService) ListPayments(ctx context.Context, filter store.PaymentFilter) ([]store.PaymentView, error) {
	if filter.Type != "" && filter.Type != models.TransactionDeposit && filter.Type != models.TransactionDeduction {
		return nil, billing.NewError(billing.KindBadInput, "unknown transaction type", nil)
	}
	return s.payments.List(ctx, filter)
}

// LedgerCheck compares stored balances with the payment history projection.
func (s *LedgerService) LedgerCheck(ctx context.Context, userID string) ([]store.BalanceLedgerSummary, error) {
	return s.balances.ListWithLedger(ctx, userID)
}

// ConversionRate returns the active rate from base into the ledger currency.
// ok is false when no rate has been set.
func (s *LedgerService) ConversionRate(ctx context.Context, base string) (decimal.Decimal, bool, error) {
	if strings.EqualFold(base, s.currency) {
		return decimal.NewFromInt(1), true, nil
	}
	row, err := s.rates.GetActive(ctx, strings.ToUpper(base), s.currency)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	rate, err := decimal.NewFromString(row.Rate)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("stored rate %q: %w", row.Rate, err)
	}
	return rate, true, nil
}

func (s *LedgerService) ListRates(ctx context.Context) ([]models.ConversionRate, error) {
	return s.rates.ListActive(ctx)
}

// SetRate activates a conversion rate from base into the ledger currency.
func (s *LedgerService) SetRate(ctx context.Context, actorID, base string, rate decimal.Decimal) (string, error) {
	base = strings.ToUpper(strings.TrimSpace(base))
	if len(base) != 3 {
		return "", billing.NewError(billing.KindBadInput, "base currency must be a 3-letter code", nil)
	}
	if base == s.currency {
		return "", billing.NewError(billing.KindBadInput, "base currency equals the ledger currency", nil)
	}
	if !rate.IsPositive() {
		return "", billing.NewError(billing.KindBadInput, "rate must be positive", nil)
	}
	var rateID string
	err := s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		id, err := s.rates.SetRate(ctx, tx, base, s.currency, rate.String(), actorID)
		if err != nil {
			return err
		}
		rateID = id
		data, _ := json.Marshal(map[string]string{
			"base_currency":  base,
			"quote_currency": s.currency,
			"rate":           rate.String(),
		})
		return s.audit.Log(ctx, tx, actorID, store.AuditRateSet, "conversion_rate", id, string(data))
	})
	if err != nil {
		return "", err
	}
	return rateID, nil
}

func (s *LedgerService) broadcast(userID, event string, amount, balance int64) {
	if s.hub == nil {
		return
	}
	s.hub.BroadcastBalance(userID, websocket.BalanceUpdate{
		Event:    event,
		Amount:   money.FormatMinor(amount),
		Balance:  money.FormatMinor(balance),
		Currency: s.currency,
	})
}
