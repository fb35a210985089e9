package handlers

import (
	"context"
	"encoding/json"
	"time"

	"voicemeter/internal/billing"
	"voicemeter/internal/models"
	"voicemeter/internal/services"
	"voicemeter/internal/store"

	"github.com/shopspring/decimal"
)

type UserStore interface {
	Create(ctx context.Context, tx store.Execer, input store.UserInput) error
	GetByEmail(ctx context.Context, email string) (models.User, error)
	GetByUsername(ctx context.Context, username string) (models.User, error)
	GetByID(ctx context.Context, userID string) (models.User, error)
	RotateAPIKey(ctx context.Context, tx store.Execer, userID, apiKey string) (int64, error)
	List(ctx context.Context, limit, offset int) ([]models.User, error)
}

type AdminStore interface {
	IsAdmin(ctx context.Context, userID string) (bool, bool, error)
	HasRole(ctx context.Context, userID, role string) (bool, error)
	CreateAdmin(ctx context.Context, tx store.Execer, userID string, isSuper bool, createdBy *string) error
	GrantRole(ctx context.Context, tx store.Execer, adminUserID, role string) error
	HasAnyAdmin(ctx context.Context) (bool, error)
	List(ctx context.Context) ([]store.AdminRecord, error)
}

type AuditStore interface {
	Log(ctx context.Context, tx store.Execer, actorID, action, entityType, entityID, data string) error
	List(ctx context.Context, action string, limit, offset int) ([]store.AuditEntry, error)
}

type LedgerService interface {
	Credit(ctx context.Context, req services.CreditRequest) (models.Balance, error)
	ListPayments(ctx context.Context, filter store.PaymentFilter) ([]store.PaymentView, error)
	LedgerCheck(ctx context.Context, userID string) ([]store.BalanceLedgerSummary, error)
	ListRates(ctx context.Context) ([]models.ConversionRate, error)
	SetRate(ctx context.Context, actorID, base string, rate decimal.Decimal) (string, error)
}

type MeteringService interface {
	Dashboard(ctx context.Context, userID string) (services.Dashboard, error)
	ReconcileUser(ctx context.Context, user models.User) (billing.Report, error)
	CheckBalance(ctx context.Context, userID string) (billing.NotifyResult, error)
	Admit(ctx context.Context, userID string, required int64) (billing.AdmissionResult, error)
	PlaceCall(ctx context.Context, userID, to string) (json.RawMessage, error)
	ScheduleBatch(ctx context.Context, userID, batchID string, at time.Time) (json.RawMessage, error)
}

type SweepRunner interface {
	SweepLowBalances(ctx context.Context) (services.SweepSummary, error)
	ReconcileAll(ctx context.Context) (services.SweepSummary, error)
}
