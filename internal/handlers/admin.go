package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"voicemeter/internal/middleware"
	"voicemeter/internal/models"
	"voicemeter/internal/money"
	"voicemeter/internal/services"
	"voicemeter/internal/store"

	"github.com/jmoiron/sqlx"
)

func (h *Handler) AdminListUsers(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	rows, err := h.users.List(r.Context(), limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to load users")
		return
	}
	respondJSON(w, http.StatusOK, rows)
}

// AdminLookupUser finds one user by ?username= or ?email=.
func (h *Handler) AdminLookupUser(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var (
		user models.User
		err  error
	)
	switch {
	case query.Get("username") != "":
		user, err = h.users.GetByUsername(r.Context(), query.Get("username"))
	case query.Get("email") != "":
		user, err = h.users.GetByEmail(r.Context(), query.Get("email"))
	default:
		respondError(w, http.StatusBadRequest, "username or email is required")
		return
	}
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			respondError(w, http.StatusNotFound, "user not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "unable to load user")
		return
	}
	respondJSON(w, http.StatusOK, user)
}

func (h *Handler) AdminListPayments(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	rows, err := h.ledger.ListPayments(r.Context(), store.PaymentFilter{
		UserID: r.URL.Query().Get("user_id"),
		Type:   r.URL.Query().Get("type"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, paymentsView(rows))
}

type topUpRequest struct {
	UserID      string `json:"user_id"`
	Amount      string `json:"amount"`
	Description string `json:"description"`
}

// AdminTopUp credits a user's balance. Top-ups are the only way money enters the ledger.
func (h *Handler) AdminTopUp(w http.ResponseWriter, r *http.Request) {
	actorID, _ := middleware.UserIDFromContext(r.Context())
	var req topUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	amount, err := parseAmountMinor(req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := h.users.GetByID(r.Context(), req.UserID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			respondError(w, http.StatusNotFound, "user not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "unable to load user")
		return
	}
	balance, err := h.ledger.Credit(r.Context(), services.CreditRequest{
		ActorID:     actorID,
		UserID:      req.UserID,
		AmountMinor: amount,
		Description: req.Description,
	})
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{
		"user_id":  req.UserID,
		"amount":   money.FormatMinor(amount),
		"balance":  money.FormatMinor(balance.Balance),
		"currency": h.cfg.Currency,
	})
}

// AdminRunReconcile reconciles ?user_id= alone, or every user with an agent.
func (h *Handler) AdminRunReconcile(w http.ResponseWriter, r *http.Request) {
	if userID := r.URL.Query().Get("user_id"); userID != "" {
		user, err := h.users.GetByID(r.Context(), userID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				respondError(w, http.StatusNotFound, "user not found")
				return
			}
			respondError(w, http.StatusInternalServerError, "unable to load user")
			return
		}
		report, err := h.metering.ReconcileUser(r.Context(), user)
		if err != nil {
			h.respondServiceError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, report)
		return
	}
	summary, err := h.sweeper.ReconcileAll(r.Context())
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

func (h *Handler) AdminSweepLowBalances(w http.ResponseWriter, r *http.Request) {
	summary, err := h.sweeper.SweepLowBalances(r.Context())
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

func (h *Handler) AdminListRates(w http.ResponseWriter, r *http.Request) {
	rows, err := h.ledger.ListRates(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to load rates")
		return
	}
	respondJSON(w, http.StatusOK, rows)
}

type setRateRequest struct {
	BaseCurrency string `json:"base_currency"`
	Rate         string `json:"rate"`
}

func (h *Handler) AdminSetRate(w http.ResponseWriter, r *http.Request) {
	actorID, _ := middleware.UserIDFromContext(r.Context())
	var req setRateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	rate, err := parseRate(req.Rate)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := h.ledger.SetRate(r.Context(), actorID, req.BaseCurrency, rate)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{
		"id":             id,
		"base_currency":  strings.ToUpper(strings.TrimSpace(req.BaseCurrency)),
		"quote_currency": h.cfg.Currency,
		"rate":           rate.String(),
	})
}

// AdminLedgerCheck compares stored balances with the sum of payment history.
func (h *Handler) AdminLedgerCheck(w http.ResponseWriter, r *http.Request) {
	rows, err := h.ledger.LedgerCheck(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to reconcile balances")
		return
	}
	normalized := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		username := ""
		if row.Username != nil {
			username = *row.Username
		}
		normalized = append(normalized, map[string]any{
			"user_id":            row.UserID,
			"username":           username,
			"stored_balance":     money.FormatMinor(row.StoredBalance),
			"calculated_balance": money.FormatMinor(row.CalculatedBalance),
			"difference":         money.FormatMinor(row.Difference),
		})
	}
	respondJSON(w, http.StatusOK, normalized)
}

func (h *Handler) AdminListAudit(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	rows, err := h.audit.List(r.Context(), r.URL.Query().Get("action"), limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to load audit logs")
		return
	}
	respondJSON(w, http.StatusOK, rows)
}

func (h *Handler) AdminListAdmins(w http.ResponseWriter, r *http.Request) {
	rows, err := h.admin.List(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to load admins")
		return
	}
	respondJSON(w, http.StatusOK, rows)
}

type promoteRequest struct {
	Identifier string `json:"identifier"`
}

func (h *Handler) PromoteAdmin(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireSuper(w, r)
	if !ok {
		return
	}
	var req promoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Identifier == "" {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	var target models.User
	var err error
	if strings.Contains(req.Identifier, "@") {
		target, err = h.users.GetByEmail(r.Context(), req.Identifier)
	} else {
		target, err = h.users.GetByUsername(r.Context(), req.Identifier)
	}
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			respondError(w, http.StatusNotFound, "user not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "unable to resolve user")
		return
	}
	err = h.txRunner.WithTx(r.Context(), func(tx *sqlx.Tx) error {
		if err := h.admin.CreateAdmin(r.Context(), tx, target.ID, false, &userID); err != nil {
			return err
		}
		data, _ := json.Marshal(map[string]string{
			"target_user_id": target.ID,
		})
		return h.audit.Log(r.Context(), tx, userID, store.AuditAdminCreate, "admin", target.ID, string(data))
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to promote admin")
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"status": "promoted"})
}

type grantRoleRequest struct {
	AdminUserID string `json:"admin_user_id"`
	Role        string `json:"role"`
}

func (h *Handler) GrantRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireSuper(w, r)
	if !ok {
		return
	}
	var req grantRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AdminUserID == "" || req.Role == "" {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	switch req.Role {
	case store.RoleBilling, store.RoleRates, store.RoleAudit:
	default:
		respondError(w, http.StatusBadRequest, "unknown role")
		return
	}
	isAdmin, isSuper, err := h.admin.IsAdmin(r.Context(), req.AdminUserID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to verify target admin")
		return
	}
	if !isAdmin {
		respondError(w, http.StatusBadRequest, "target is not an admin")
		return
	}
	if isSuper {
		respondError(w, http.StatusBadRequest, "cannot assign roles to super admin")
		return
	}
	err = h.txRunner.WithTx(r.Context(), func(tx *sqlx.Tx) error {
		if err := h.admin.GrantRole(r.Context(), tx, req.AdminUserID, req.Role); err != nil {
			return err
		}
		data, _ := json.Marshal(map[string]string{
			"admin_user_id": req.AdminUserID,
			"role":          req.Role,
		})
		return h.audit.Log(r.Context(), tx, userID, store.AuditRoleGrant, "admin_role", req.AdminUserID, string(data))
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to grant role")
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"status": "role_granted"})
}

func (h *Handler) requireSuper(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	_, isSuper, err := h.admin.IsAdmin(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to verify admin")
		return "", false
	}
	if !isSuper {
		respondError(w, http.StatusForbidden, "super_admin_required")
		return "", false
	}
	return userID, true
}

func paymentsView(rows []store.PaymentView) []map[string]any {
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		username := ""
		if row.Username != nil {
			username = *row.Username
		}
		out = append(out, map[string]any{
			"id":               row.ID,
			"user_id":          row.UserID,
			"username":         username,
			"transaction_type": row.TransactionType,
			"amount":           money.FormatMinor(row.Amount),
			"description":      row.Description,
			"created_at":       row.CreatedAt,
		})
	}
	return out
}
