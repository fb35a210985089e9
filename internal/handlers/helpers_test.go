package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"voicemeter/internal/auth"
	"voicemeter/internal/billing"
	"voicemeter/internal/config"
	"voicemeter/internal/models"
	"voicemeter/internal/services"
	"voicemeter/internal/store"
	"voicemeter/internal/websocket"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

const testSecret = "secret"

type fakeTxRunner struct {
	withTxFn func(ctx context.Context, fn func(*sqlx.Tx) error) error
}

func (f fakeTxRunner) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	if f.withTxFn != nil {
		return f.withTxFn(ctx, fn)
	}
	return fn(nil)
}

type stubUserStore struct {
	createFn        func(ctx context.Context, tx store.Execer, input store.UserInput) error
	getByEmailFn    func(ctx context.Context, email string) (models.User, error)
	getByUsernameFn func(ctx context.Context, username string) (models.User, error)
	getByIDFn       func(ctx context.Context, userID string) (models.User, error)
	rotateFn        func(ctx context.Context, tx store.Execer, userID, apiKey string) (int64, error)
	listFn          func(ctx context.Context, limit, offset int) ([]models.User, error)
}

func (s stubUserStore) Create(ctx context.Context, tx store.Execer, input store.UserInput) error {
	if s.createFn == nil {
		return nil
	}
	return s.createFn(ctx, tx, input)
}

func (s stubUserStore) GetByEmail(ctx context.Context, email string) (models.User, error) {
	if s.getByEmailFn == nil {
		return models.User{}, nil
	}
	return s.getByEmailFn(ctx, email)
}

func (s stubUserStore) GetByUsername(ctx context.Context, username string) (models.User, error) {
	if s.getByUsernameFn == nil {
		return models.User{}, nil
	}
	return s.getByUsernameFn(ctx, username)
}

func (s stubUserStore) GetByID(ctx context.Context, userID string) (models.User, error) {
	if s.getByIDFn == nil {
		return models.User{ID: userID}, nil
	}
	return s.getByIDFn(ctx, userID)
}

func (s stubUserStore) RotateAPIKey(ctx context.Context, tx store.Execer, userID, apiKey string) (int64, error) {
	if s.rotateFn == nil {
		return 1, nil
	}
	return s.rotateFn(ctx, tx, userID, apiKey)
}

func (s stubUserStore) List(ctx context.Context, limit, offset int) ([]models.User, error) {
	if s.listFn == nil {
		return nil, nil
	}
	return s.listFn(ctx, limit, offset)
}

type stubAdminStore struct {
	isAdminFn     func(ctx context.Context, userID string) (bool, bool, error)
	hasRoleFn     func(ctx context.Context, userID, role string) (bool, error)
	createAdminFn func(ctx context.Context, tx store.Execer, userID string, isSuper bool, createdBy *string) error
	grantRoleFn   func(ctx context.Context, tx store.Execer, adminUserID, role string) error
	hasAnyAdminFn func(ctx context.Context) (bool, error)
	listFn        func(ctx context.Context) ([]store.AdminRecord, error)
}

func (s stubAdminStore) IsAdmin(ctx context.Context, userID string) (bool, bool, error) {
	if s.isAdminFn == nil {
		return false, false, nil
	}
	return s.isAdminFn(ctx, userID)
}

func (s stubAdminStore) HasRole(ctx context.Context, userID, role string) (bool, error) {
	if s.hasRoleFn == nil {
		return false, nil
	}
	return s.hasRoleFn(ctx, userID, role)
}

func (s stubAdminStore) CreateAdmin(ctx context.Context, tx store.Execer, userID string, isSuper bool, createdBy *string) error {
	if s.createAdminFn == nil {
		return nil
	}
	return s.createAdminFn(ctx, tx, userID, isSuper, createdBy)
}

func (s stubAdminStore) GrantRole(ctx context.Context, tx store.Execer, adminUserID, role string) error {
	if s.grantRoleFn == nil {
		return nil
	}
	return s.grantRoleFn(ctx, tx, adminUserID, role)
}

func (s stubAdminStore) HasAnyAdmin(ctx context.Context) (bool, error) {
	if s.hasAnyAdminFn == nil {
		return true, nil
	}
	return s.hasAnyAdminFn(ctx)
}

func (s stubAdminStore) List(ctx context.Context) ([]store.AdminRecord, error) {
	if s.listFn == nil {
		return nil, nil
	}
	return s.listFn(ctx)
}

type stubAuditStore struct {
	logFn  func(ctx context.Context, tx store.Execer, actorID, action, entityType, entityID, data string) error
	listFn func(ctx context.Context, action string, limit, offset int) ([]store.AuditEntry, error)
}

func (s stubAuditStore) Log(ctx context.Context, tx store.Execer, actorID, action, entityType, entityID, data string) error {
	if s.logFn == nil {
		return nil
	}
	return s.logFn(ctx, tx, actorID, action, entityType, entityID, data)
}

func (s stubAuditStore) List(ctx context.Context, action string, limit, offset int) ([]store.AuditEntry, error) {
	if s.listFn == nil {
		return nil, nil
	}
	return s.listFn(ctx, action, limit, offset)
}

type stubLedger struct {
	creditFn       func(ctx context.Context, req services.CreditRequest) (models.Balance, error)
	listPaymentsFn func(ctx context.Context, filter store.PaymentFilter) ([]store.PaymentView, error)
	ledgerCheckFn  func(ctx context.Context, userID string) ([]store.BalanceLedgerSummary, error)
	listRatesFn    func(ctx context.Context) ([]models.ConversionRate, error)
	setRateFn      func(ctx context.Context, actorID, base string, rate decimal.Decimal) (string, error)
}

func (s stubLedger) Credit(ctx context.Context, req services.CreditRequest) (models.Balance, error) {
	if s.creditFn == nil {
		return models.Balance{UserID: req.UserID, Balance: req.AmountMinor}, nil
	}
	return s.creditFn(ctx, req)
}

func (s stubLedger) ListPayments(ctx context.Context, filter store.PaymentFilter) ([]store.PaymentView, error) {
	if s.listPaymentsFn == nil {
		return nil, nil
	}
	return s.listPaymentsFn(ctx, filter)
}

func (s stubLedger) LedgerCheck(ctx context.Context, userID string) ([]store.BalanceLedgerSummary, error) {
	if s.ledgerCheckFn == nil {
		return nil, nil
	}
	return s.ledgerCheckFn(ctx, userID)
}

func (s stubLedger) ListRates(ctx context.Context) ([]models.ConversionRate, error) {
	if s.listRatesFn == nil {
		return nil, nil
	}
	return s.listRatesFn(ctx)
}

func (s stubLedger) SetRate(ctx context.Context, actorID, base string, rate decimal.Decimal) (string, error) {
	if s.setRateFn == nil {
		return "rate-1", nil
	}
	return s.setRateFn(ctx, actorID, base, rate)
}

type stubMetering struct {
	dashboardFn func(ctx context.Context, userID string) (services.Dashboard, error)
	reconcileFn func(ctx context.Context, user models.User) (billing.Report, error)
	checkFn     func(ctx context.Context, userID string) (billing.NotifyResult, error)
	admitFn     func(ctx context.Context, userID string, required int64) (billing.AdmissionResult, error)
	placeCallFn func(ctx context.Context, userID, to string) (json.RawMessage, error)
	scheduleFn  func(ctx context.Context, userID, batchID string, at time.Time) (json.RawMessage, error)
}

func (s stubMetering) Dashboard(ctx context.Context, userID string) (services.Dashboard, error) {
	if s.dashboardFn == nil {
		return services.Dashboard{}, nil
	}
	return s.dashboardFn(ctx, userID)
}

func (s stubMetering) ReconcileUser(ctx context.Context, user models.User) (billing.Report, error) {
	if s.reconcileFn == nil {
		return billing.Report{}, nil
	}
	return s.reconcileFn(ctx, user)
}

func (s stubMetering) CheckBalance(ctx context.Context, userID string) (billing.NotifyResult, error) {
	if s.checkFn == nil {
		return billing.NotifyResult{}, nil
	}
	return s.checkFn(ctx, userID)
}

func (s stubMetering) Admit(ctx context.Context, userID string, required int64) (billing.AdmissionResult, error) {
	if s.admitFn == nil {
		return billing.AdmissionResult{Allowed: true, Required: required}, nil
	}
	return s.admitFn(ctx, userID, required)
}

func (s stubMetering) PlaceCall(ctx context.Context, userID, to string) (json.RawMessage, error) {
	if s.placeCallFn == nil {
		return json.RawMessage(`{}`), nil
	}
	return s.placeCallFn(ctx, userID, to)
}

func (s stubMetering) ScheduleBatch(ctx context.Context, userID, batchID string, at time.Time) (json.RawMessage, error) {
	if s.scheduleFn == nil {
		return json.RawMessage(`{}`), nil
	}
	return s.scheduleFn(ctx, userID, batchID, at)
}

type stubSweeper struct {
	lowBalanceFn   func(ctx context.Context) (services.SweepSummary, error)
	reconcileAllFn func(ctx context.Context) (services.SweepSummary, error)
}

func (s stubSweeper) SweepLowBalances(ctx context.Context) (services.SweepSummary, error) {
	if s.lowBalanceFn == nil {
		return services.SweepSummary{Sweep: services.SweepLowBalance}, nil
	}
	return s.lowBalanceFn(ctx)
}

func (s stubSweeper) ReconcileAll(ctx context.Context) (services.SweepSummary, error) {
	if s.reconcileAllFn == nil {
		return services.SweepSummary{Sweep: services.SweepReconcile}, nil
	}
	return s.reconcileAllFn(ctx)
}

func testConfig() config.Config {
	return config.Config{
		AppEnv:           "test",
		JWTSecret:        testSecret,
		TokenTTL:         time.Minute,
		AllowedOrigins:   "*",
		Currency:         "INR",
		AdmissionMinimum: 1400,
		PhoneCountryCode: "+91",
	}
}

// newTestHandler fills any zero field of deps with a permissive stub.
func newTestHandler(deps Deps) *Handler {
	if deps.TxRunner == nil {
		deps.TxRunner = fakeTxRunner{}
	}
	if deps.Config.JWTSecret == "" {
		deps.Config = testConfig()
	}
	if deps.Users == nil {
		deps.Users = stubUserStore{}
	}
	if deps.Admin == nil {
		deps.Admin = stubAdminStore{}
	}
	if deps.Audit == nil {
		deps.Audit = stubAuditStore{}
	}
	if deps.Ledger == nil {
		deps.Ledger = stubLedger{}
	}
	if deps.Metering == nil {
		deps.Metering = stubMetering{}
	}
	if deps.Sweeper == nil {
		deps.Sweeper = stubSweeper{}
	}
	if deps.Hub == nil {
		deps.Hub = websocket.NewHub()
	}
	return New(deps)
}

func tokenFor(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.GenerateToken(testSecret, userID, time.Minute)
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}
	return token
}

// serve routes req through the full router, authenticated as userID when set.
func serve(t *testing.T, h *Handler, req *http.Request, userID string) *httptest.ResponseRecorder {
	t.Helper()
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+tokenFor(t, userID))
	}
	rr := httptest.NewRecorder()
	h.Routes().ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
	return body
}

func superAdmin() stubAdminStore {
	return stubAdminStore{
		isAdminFn: func(context.Context, string) (bool, bool, error) {
			return true, true, nil
		},
	}
}
