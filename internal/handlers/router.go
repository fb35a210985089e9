package handlers

import (
	"net/http"
	"strings"

	"voicemeter/internal/config"
	"voicemeter/internal/db"
	"voicemeter/internal/logging"
	"voicemeter/internal/metrics"
	"voicemeter/internal/middleware"
	"voicemeter/internal/store"
	"voicemeter/internal/websocket"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
)

type Deps struct {
	TxRunner db.TxRunner
	Config   config.Config
	Users    UserStore
	Admin    AdminStore
	Audit    AuditStore
	Ledger   LedgerService
	Metering MeteringService
	Sweeper  SweepRunner
	Hub      *websocket.Hub
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry
	Logger   logging.Logger
}

type Handler struct {
	txRunner db.TxRunner
	cfg      config.Config
	users    UserStore
	admin    AdminStore
	audit    AuditStore
	ledger   LedgerService
	metering MeteringService
	sweeper  SweepRunner
	hub      *websocket.Hub
	metrics  *metrics.Metrics
	registry *prometheus.Registry
	logger   logging.Logger
}

func New(deps Deps) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewLogger("error")
	}
	return &Handler{
		txRunner: deps.TxRunner,
		cfg:      deps.Config,
		users:    deps.Users,
		admin:    deps.Admin,
		audit:    deps.Audit,
		ledger:   deps.Ledger,
		metering: deps.Metering,
		sweeper:  deps.Sweeper,
		hub:      deps.Hub,
		metrics:  deps.Metrics,
		registry: deps.Registry,
		logger:   logger,
	}
}

func (h *Handler) allowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(h.cfg.AllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}

func (h *Handler) Routes() http.Handler {
	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.Recoverer)
	router.Use(h.metrics.Middleware)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.allowedOrigins(),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	authed := middleware.Auth(h.cfg.JWTSecret)

	router.Route("/auth", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)
		r.With(authed).Get("/me", h.Me)
		r.With(authed).Put("/api-key", h.RotateAPIKey)
	})

	router.Group(func(r chi.Router) {
		r.Use(authed)
		r.Get("/dashboard", h.Dashboard)
		r.Get("/balance", h.Balance)
		r.Get("/admission", h.Admission)
		r.Post("/calls", h.PlaceCall)
		r.Post("/batches/{id}/schedule", h.ScheduleBatch)
		r.Get("/payments", h.ListPayments)
	})
	router.Get("/ws/balances", h.WSBalances)

	router.Route("/admin", func(r chi.Router) {
		r.Use(authed)
		r.With(middleware.RequireAdmin(h.admin, store.RoleBilling)).Get("/users", h.AdminListUsers)
		r.With(middleware.RequireAdmin(h.admin, store.RoleBilling)).Get("/users/lookup", h.AdminLookupUser)
		r.With(middleware.RequireAdmin(h.admin, store.RoleBilling)).Get("/payments", h.AdminListPayments)
		r.With(middleware.RequireAdmin(h.admin, store.RoleBilling)).Post("/topups", h.AdminTopUp)
		r.With(middleware.RequireAdmin(h.admin, store.RoleBilling)).Post("/reconcile", h.AdminRunReconcile)
		r.With(middleware.RequireAdmin(h.admin, store.RoleBilling)).Post("/sweeps/low-balance", h.AdminSweepLowBalances)
		r.With(middleware.RequireAdmin(h.admin, store.RoleRates)).Get("/rates", h.AdminListRates)
		r.With(middleware.RequireAdmin(h.admin, store.RoleRates)).Post("/rates", h.AdminSetRate)
		r.With(middleware.RequireAdmin(h.admin, store.RoleAudit)).Get("/reconcile", h.AdminLedgerCheck)
		r.With(middleware.RequireAdmin(h.admin, store.RoleAudit)).Get("/audit", h.AdminListAudit)
		r.With(middleware.RequireAdmin(h.admin, "")).Get("/admins", h.AdminListAdmins)
		r.With(middleware.RequireAdmin(h.admin, "")).Post("/promote", h.PromoteAdmin)
		r.With(middleware.RequireAdmin(h.admin, "")).Post("/roles/grant", h.GrantRole)
	})

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if h.registry != nil {
		router.Handle("/metrics", metrics.Handler(h.registry))
	}
	return router
}
