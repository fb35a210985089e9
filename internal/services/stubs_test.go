package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"voicemeter/internal/billing"
	"voicemeter/internal/models"
	"voicemeter/internal/provider"
	"voicemeter/internal/store"
	"voicemeter/internal/websocket"

	"github.com/jmoiron/sqlx"
)

type fakeTxRunner struct {
	err error
}

func (f fakeTxRunner) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	if f.err != nil {
		return f.err
	}
	return fn(nil)
}

type stubBalanceStore struct {
	getOrCreateFn    func(ctx context.Context, userID string) (models.Balance, bool, error)
	getFn            func(ctx context.Context, userID string) (models.Balance, error)
	getForUpdateFn   func(ctx context.Context, tx store.Getter, userID string) (models.Balance, error)
	adjustFn         func(ctx context.Context, tx store.Execer, userID string, delta int64) (int64, error)
	ensureExistsFn   func(ctx context.Context, tx store.Execer, userID string) error
	markNotifiedFn   func(ctx context.Context, userID string, at time.Time) error
	listWithLedgerFn func(ctx context.Context, userID string) ([]store.BalanceLedgerSummary, error)
}

func (s stubBalanceStore) GetOrCreate(ctx context.Context, userID string) (models.Balance, bool, error) {
	return s.getOrCreateFn(ctx, userID)
}

func (s stubBalanceStore) Get(ctx context.Context, userID string) (models.Balance, error) {
	return s.getFn(ctx, userID)
}

func (s stubBalanceStore) GetForUpdate(ctx context.Context, tx store.Getter, userID string) (models.Balance, error) {
	return s.getForUpdateFn(ctx, tx, userID)
}

func (s stubBalanceStore) AdjustBalance(ctx context.Context, tx store.Execer, userID string, delta int64) (int64, error) {
	if s.adjustFn == nil {
		return 1, nil
	}
	return s.adjustFn(ctx, tx, userID, delta)
}

func (s stubBalanceStore) EnsureExists(ctx context.Context, tx store.Execer, userID string) error {
	if s.ensureExistsFn == nil {
		return nil
	}
	return s.ensureExistsFn(ctx, tx, userID)
}

func (s stubBalanceStore) MarkNotified(ctx context.Context, userID string, at time.Time) error {
	if s.markNotifiedFn == nil {
		return nil
	}
	return s.markNotifiedFn(ctx, userID, at)
}

func (s stubBalanceStore) ListWithLedger(ctx context.Context, userID string) ([]store.BalanceLedgerSummary, error) {
	return s.listWithLedgerFn(ctx, userID)
}

type stubExecutionStore struct {
	insertFn func(ctx context.Context, tx store.Execer, userID string, ids []string) error
	listFn   func(ctx context.Context, userID string, candidates []string) ([]string, error)
}

func (s stubExecutionStore) InsertBilled(ctx context.Context, tx store.Execer, userID string, ids []string) error {
	if s.insertFn == nil {
		return nil
	}
	return s.insertFn(ctx, tx, userID, ids)
}

func (s stubExecutionStore) ListBilled(ctx context.Context, userID string, candidates []string) ([]string, error) {
	if s.listFn == nil {
		return nil, nil
	}
	return s.listFn(ctx, userID, candidates)
}

type stubPaymentStore struct {
	appendFn func(ctx context.Context, tx store.Execer, input store.PaymentInput) error
	listFn   func(ctx context.Context, filter store.PaymentFilter) ([]store.PaymentView, error)
}

func (s stubPaymentStore) Append(ctx context.Context, tx store.Execer, input store.PaymentInput) error {
	if s.appendFn == nil {
		return nil
	}
	return s.appendFn(ctx, tx, input)
}

func (s stubPaymentStore) List(ctx context.Context, filter store.PaymentFilter) ([]store.PaymentView, error) {
	return s.listFn(ctx, filter)
}

type stubRateStore struct {
	getActiveFn func(ctx context.Context, base, quote string) (models.ConversionRate, error)
	setRateFn   func(ctx context.Context, tx store.Tx, base, quote, rate, actorID string) (string, error)
}

func (s stubRateStore) GetActive(ctx context.Context, base, quote string) (models.ConversionRate, error) {
	if s.getActiveFn == nil {
		return models.ConversionRate{}, sql.ErrNoRows
	}
	return s.getActiveFn(ctx, base, quote)
}

func (s stubRateStore) ListActive(context.Context) ([]models.ConversionRate, error) {
	return nil, nil
}

func (s stubRateStore) SetRate(ctx context.Context, tx store.Tx, base, quote, rate, actorID string) (string, error) {
	return s.setRateFn(ctx, tx, base, quote, rate, actorID)
}

type auditCall struct {
	actorID, action, entityType, entityID, data string
}

type stubAuditStore struct {
	mu    sync.Mutex
	calls []auditCall
	err   error
}

func (s *stubAuditStore) Log(_ context.Context, _ store.Execer, actorID, action, entityType, entityID, data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, auditCall{actorID, action, entityType, entityID, data})
	return s.err
}

type stubHub struct {
	mu    sync.Mutex
	calls []websocket.BalanceUpdate
}

func (s *stubHub) BroadcastBalance(userID string, update websocket.BalanceUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	update.UserID = userID
	s.calls = append(s.calls, update)
}

type stubUsers struct {
	users map[string]models.User
	err   error
}

func (s stubUsers) GetByID(_ context.Context, userID string) (models.User, error) {
	if s.err != nil {
		return models.User{}, s.err
	}
	user, ok := s.users[userID]
	if !ok {
		return models.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (s stubUsers) ListWithAgents(context.Context) ([]models.User, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([]models.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	return out, nil
}

type stubFeed struct {
	name     string
	currency string
	fetchFn  func(ctx context.Context, creds provider.Credentials) ([]billing.ExecutionRecord, error)
}

func (s stubFeed) Name() string     { return s.name }
func (s stubFeed) Currency() string { return s.currency }

func (s stubFeed) FetchExecutions(ctx context.Context, creds provider.Credentials) ([]billing.ExecutionRecord, error) {
	return s.fetchFn(ctx, creds)
}

type stubCallFeed struct {
	stubFeed
	placed []provider.CallRequest
}

func (s *stubCallFeed) PlaceCall(_ context.Context, _ provider.Credentials, req provider.CallRequest) (json.RawMessage, error) {
	s.placed = append(s.placed, req)
	return json.RawMessage(`{"status":"queued"}`), nil
}

type stubDispatcher struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (s *stubDispatcher) SendLowBalanceAlert(_ context.Context, email, _ string, _ int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, email)
	return s.err
}
