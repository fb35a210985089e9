package app

import (
	"context"
	"fmt"
	"strings"

	"voicemeter/internal/billing"
	"voicemeter/internal/config"
	"voicemeter/internal/db"
	"voicemeter/internal/handlers"
	"voicemeter/internal/lock"
	"voicemeter/internal/logging"
	"voicemeter/internal/metrics"
	"voicemeter/internal/notify"
	"voicemeter/internal/provider"
	"voicemeter/internal/services"
	"voicemeter/internal/store"
	"voicemeter/internal/websocket"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"
)

// App is the wired object graph shared by the API server and the sweeper.
type App struct {
	Config   config.Config
	Logger   logging.Logger
	DB       *sqlx.DB
	Redis    *redis.Client
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Hub      *websocket.Hub
	Ledger   *services.LedgerService
	Metering *services.MeteringService
	Sweeper  *services.Sweeper
	Handler  *handlers.Handler
}

func New(ctx context.Context, cfg config.Config, logger logging.Logger) (*App, error) {
	database, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	a := &App{Config: cfg, Logger: logger, DB: database}

	locker, client, err := newLocker(ctx, cfg)
	if err != nil {
		_ = database.Close()
		return nil, err
	}
	a.Redis = client
	if client == nil {
		logger.Warn("REDIS_URL not set, reconciliation locks are process-local")
	}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.NewMetrics(a.Registry)
	a.Hub = websocket.NewHub()

	txRunner := db.NewTxRunner(database, logger)
	users := store.NewUserStore(database)
	balances := store.NewBalanceStore(database)
	admin := store.NewAdminStore(database)
	audit := store.NewAuditStore(database)

	a.Ledger = services.NewLedgerService(
		txRunner,
		balances,
		store.NewExecutionStore(database),
		store.NewPaymentStore(database),
		store.NewRateStore(database),
		audit,
		a.Hub,
		cfg.Currency,
	)

	feeds := provider.NewFeeds(provider.BaseURLs{
		Bolna:  cfg.BolnaBaseURL,
		Millis: cfg.MillisBaseURL,
		Vapi:   cfg.VapiBaseURL,
	}, cfg.Currency, provider.Config{
		Timeout:    cfg.ProviderTimeout,
		MaxRetries: cfg.ProviderMaxRetries,
	}, a.Metrics, logger)

	mailer := notify.NewMailer(notify.Config{
		Host:        cfg.SMTPHost,
		Port:        cfg.SMTPPort,
		User:        cfg.SMTPUser,
		Password:    cfg.SMTPPassword,
		From:        cfg.MailFrom,
		FromName:    cfg.MailFromName,
		MaxRetries:  cfg.MailMaxRetries,
		RechargeURL: cfg.RechargeURL,
		Currency:    cfg.Currency,
		Threshold:   cfg.LowBalanceThreshold,
	}, nil, logger)

	notifier := billing.NewNotifier(a.Ledger, mailer, logger,
		billing.WithThreshold(cfg.LowBalanceThreshold),
		billing.WithCooldown(cfg.NotifyCooldown),
		billing.WithLocker(locker),
	)
	reconciler := billing.NewReconciler(a.Ledger, billing.NewCostCalculator(cfg.MarkupRate), locker, logger)
	guard := billing.NewAdmissionGuard(a.Ledger)

	a.Metering = services.NewMeteringService(users, feeds, a.Ledger, reconciler, notifier, guard, a.Metrics, logger, services.MeteringConfig{
		Currency:         cfg.Currency,
		FallbackRates:    fallbackRates(cfg),
		AdmissionMinimum: cfg.AdmissionMinimum,
	})
	a.Sweeper = services.NewSweeper(balances, users, a.Metering, notifier, a.Metrics, logger, cfg.SweepConcurrency)

	a.Handler = handlers.New(handlers.Deps{
		TxRunner: txRunner,
		Config:   cfg,
		Users:    users,
		Admin:    admin,
		Audit:    audit,
		Ledger:   a.Ledger,
		Metering: a.Metering,
		Sweeper:  a.Sweeper,
		Hub:      a.Hub,
		Metrics:  a.Metrics,
		Registry: a.Registry,
		Logger:   logger,
	})
	return a, nil
}

func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.DB != nil {
		_ = a.DB.Close()
	}
}

// newLocker returns a Redis lease locker when REDIS_URL is set and an
// in-process one otherwise. The client is nil in the second case.
func newLocker(ctx context.Context, cfg config.Config) (billing.Locker, *redis.Client, error) {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		return billing.NewLocalLocker(), nil, nil
	}
	client, err := lock.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	return lock.NewRedisLocker(client, cfg.LockTTL, cfg.LockWait), client, nil
}

// fallbackRates are used when no conversion rate has been stored yet.
func fallbackRates(cfg config.Config) map[string]decimal.Decimal {
	rates := map[string]decimal.Decimal{}
	if cfg.Currency != "USD" && cfg.USDConversionRate.IsPositive() {
		rates["USD"] = cfg.USDConversionRate
	}
	return rates
}
