package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"voicemeter/internal/billing"
	"voicemeter/internal/logging"
	"voicemeter/internal/metrics"
	"voicemeter/internal/models"
	"voicemeter/internal/provider"

	"github.com/shopspring/decimal"
)

type UserDirectory interface {
	GetByID(ctx context.Context, userID string) (models.User, error)
	ListWithAgents(ctx context.Context) ([]models.User, error)
}

type RateLookup interface {
	ConversionRate(ctx context.Context, base string) (decimal.Decimal, bool, error)
}

type MeteringConfig struct {
	Currency string
	// FallbackRates apply when no conversion rate has been stored for a currency.
	FallbackRates    map[string]decimal.Decimal
	AdmissionMinimum int64
}

// Dashboard is what a user sees after their usage has been reconciled.
type Dashboard struct {
	Provider     string                `json:"provider"`
	Currency     string                `json:"currency"`
	Report       billing.Report        `json:"report"`
	Notification *billing.NotifyResult `json:"notification,omitempty"`
}

// MeteringService ties provider feeds to the billing core for one user at a time.
type MeteringService struct {
	users      UserDirectory
	feeds      map[string]provider.Feed
	rates      RateLookup
	reconciler *billing.Reconciler
	notifier   *billing.Notifier
	guard      *billing.AdmissionGuard
	metrics    *metrics.Metrics
	logger     logging.Logger
	cfg        MeteringConfig
}

func NewMeteringService(users UserDirectory, feeds map[string]provider.Feed, rates RateLookup, reconciler *billing.Reconciler, notifier *billing.Notifier, guard *billing.AdmissionGuard, m *metrics.Metrics, logger logging.Logger, cfg MeteringConfig) *MeteringService {
	if logger == nil {
		logger = logging.NewLogger("error")
	}
	return &MeteringService{
		users:      users,
		feeds:      feeds,
		rates:      rates,
		reconciler: reconciler,
		notifier:   notifier,
		guard:      guard,
		metrics:    m,
		logger:     logger,
		cfg:        cfg,
	}
}

// Dashboard reconciles the user's provider history and returns the report.
// A balance row created by this call triggers the welcome low-balance alert.
func (s *MeteringService) Dashboard(ctx context.Context, userID string) (Dashboard, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return Dashboard{}, err
	}
	report, err := s.ReconcileUser(ctx, user)
	if err != nil {
		return Dashboard{}, err
	}
	out := Dashboard{Provider: providerName(user), Currency: s.cfg.Currency, Report: report}
	if report.NewAccount {
		result, err := s.notifier.Evaluate(ctx, recipientFor(user), models.Balance{UserID: user.ID, Balance: report.Balance}, true)
		if err != nil {
			s.logger.WithFields(logging.Fields{"user_id": user.ID, "error": err}).Warn("new account alert failed")
		} else {
			s.metrics.ObserveNotification(result.Status)
			out.Notification = &result
		}
	}
	return out, nil
}

// ReconcileUser fetches the user's executions and bills whatever is new.
func (s *MeteringService) ReconcileUser(ctx context.Context, user models.User) (billing.Report, error) {
	feed, creds, err := s.feedFor(user)
	if err != nil {
		return billing.Report{}, err
	}
	records, err := feed.FetchExecutions(ctx, creds)
	if err != nil {
		s.metrics.ObserveReconcile(string(billing.KindOf(err)), 0, 0)
		return billing.Report{}, err
	}
	conversion, err := s.conversionFor(ctx, feed.Currency())
	if err != nil {
		s.metrics.ObserveReconcile(string(billing.KindOf(err)), 0, 0)
		return billing.Report{}, err
	}
	report, err := s.reconciler.Reconcile(ctx, user.ID, records, conversion)
	if err != nil {
		s.metrics.ObserveReconcile(string(billing.KindOf(err)), 0, 0)
		return billing.Report{}, err
	}
	s.metrics.ObserveReconcile("ok", report.BilledCount(), report.Deducted)
	s.logger.WithFields(logging.Fields{
		"user_id":  user.ID,
		"provider": feed.Name(),
		"calls":    report.TotalCalls,
		"billed":   report.BilledCount(),
		"deducted": report.Deducted,
	}).Info("usage reconciled")
	return report, nil
}

// CheckBalance runs the low-balance notifier without reconciling first.
func (s *MeteringService) CheckBalance(ctx context.Context, userID string) (billing.NotifyResult, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return billing.NotifyResult{}, err
	}
	result, err := s.notifier.Check(ctx, recipientFor(user))
	if err != nil {
		return billing.NotifyResult{}, err
	}
	s.metrics.ObserveNotification(result.Status)
	return result, nil
}

func (s *MeteringService) Admit(ctx context.Context, userID string, required int64) (billing.AdmissionResult, error) {
	result, err := s.guard.Evaluate(ctx, userID, required)
	if err != nil {
		return billing.AdmissionResult{}, err
	}
	s.metrics.ObserveAdmission(result.Allowed)
	return result, nil
}

// PlaceCall asks the user's provider to dial to, once admission passes.
func (s *MeteringService) PlaceCall(ctx context.Context, userID, to string) (json.RawMessage, error) {
	user, err := s.admit(ctx, userID)
	if err != nil {
		return nil, err
	}
	feed, creds, err := s.feedFor(user)
	if err != nil {
		return nil, err
	}
	placer, ok := feed.(provider.CallPlacer)
	if !ok {
		return nil, billing.NewError(billing.KindBadInput, feed.Name()+" does not support placing calls", nil)
	}
	return placer.PlaceCall(ctx, creds, provider.CallRequest{From: user.PhoneNumber, To: to})
}

func (s *MeteringService) ScheduleBatch(ctx context.Context, userID, batchID string, at time.Time) (json.RawMessage, error) {
	if strings.TrimSpace(batchID) == "" {
		return nil, billing.NewError(billing.KindBadInput, "batch id is required", nil)
	}
	user, err := s.admit(ctx, userID)
	if err != nil {
		return nil, err
	}
	feed, creds, err := s.feedFor(user)
	if err != nil {
		return nil, err
	}
	scheduler, ok := feed.(provider.BatchScheduler)
	if !ok {
		return nil, billing.NewError(billing.KindBadInput, feed.Name()+" does not support batches", nil)
	}
	return scheduler.ScheduleBatch(ctx, creds, batchID, at)
}

func (s *MeteringService) admit(ctx context.Context, userID string) (models.User, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return models.User{}, err
	}
	err = s.guard.EnsureSufficientBalance(ctx, userID, s.cfg.AdmissionMinimum)
	s.metrics.ObserveAdmission(err == nil)
	if err != nil {
		return models.User{}, err
	}
	return user, nil
}

func (s *MeteringService) loadUser(ctx context.Context, userID string) (models.User, error) {
	user, err := s.users.GetByID(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, billing.NewError(billing.KindNotFound, "user not found", nil)
	}
	if err != nil {
		return models.User{}, billing.NewError(billing.KindInternal, "load user", err)
	}
	return user, nil
}

func (s *MeteringService) feedFor(user models.User) (provider.Feed, provider.Credentials, error) {
	name := providerName(user)
	feed, ok := s.feeds[name]
	if !ok {
		return nil, provider.Credentials{}, billing.NewError(billing.KindBadInput, "unsupported provider "+name, nil)
	}
	if user.AgentID == "" || user.APIKey == "" {
		return nil, provider.Credentials{}, billing.NewError(billing.KindBadInput, "no provider agent configured for this account", nil)
	}
	return feed, provider.Credentials{AgentID: user.AgentID, APIKey: user.APIKey}, nil
}

func (s *MeteringService) conversionFor(ctx context.Context, currency string) (decimal.Decimal, error) {
	currency = strings.ToUpper(currency)
	if currency == "" || currency == strings.ToUpper(s.cfg.Currency) {
		return decimal.NewFromInt(1), nil
	}
	rate, ok, err := s.rates.ConversionRate(ctx, currency)
	if err != nil {
		return decimal.Zero, billing.NewError(billing.KindInternal, "load conversion rate", err)
	}
	if ok {
		return rate, nil
	}
	if fallback, ok := s.cfg.FallbackRates[currency]; ok {
		return fallback, nil
	}
	return decimal.Zero, billing.NewError(billing.KindInternal, "no conversion rate for "+currency, nil)
}

func providerName(user models.User) string {
	if user.Provider == "" {
		return models.ProviderBolna
	}
	return strings.ToLower(user.Provider)
}

func recipientFor(user models.User) billing.Recipient {
	return billing.Recipient{UserID: user.ID, Email: user.Email, Name: user.Username}
}
