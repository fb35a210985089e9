package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"voicemeter/internal/auth"
	"voicemeter/internal/middleware"
	"voicemeter/internal/store"
	"voicemeter/internal/validator"
	"voicemeter/internal/websocket"

	"github.com/go-chi/chi/v5"
)

// Dashboard reconciles the caller against their provider and returns the report.
func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	dashboard, err := h.metering.Dashboard(r.Context(), userID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, dashboard)
}

func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	result, err := h.metering.CheckBalance(r.Context(), userID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// Admission answers whether the caller may start a call costing ?amount=.
func (h *Handler) Admission(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	required := h.cfg.AdmissionMinimum
	if raw := r.URL.Query().Get("amount"); raw != "" {
		amount, err := parseAmountMinor(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		required = amount
	}
	result, err := h.metering.Admit(r.Context(), userID, required)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

type placeCallRequest struct {
	To string `json:"to"`
}

func (h *Handler) PlaceCall(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req placeCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	to, err := validator.NormalizePhone(req.To, h.cfg.PhoneCountryCode)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	body, err := h.metering.PlaceCall(r.Context(), userID, to)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, body)
}

type scheduleBatchRequest struct {
	ScheduledAt time.Time `json:"scheduled_at"`
}

func (h *Handler) ScheduleBatch(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req scheduleBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ScheduledAt.IsZero() {
		respondError(w, http.StatusBadRequest, "scheduled_at must be an RFC 3339 timestamp")
		return
	}
	body, err := h.metering.ScheduleBatch(r.Context(), userID, chi.URLParam(r, "id"), req.ScheduledAt)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, body)
}

// ListPayments returns the caller's own payment history, newest first.
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	limit, offset := pagination(r)
	rows, err := h.ledger.ListPayments(r.Context(), store.PaymentFilter{
		UserID: userID,
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

func (h *Handler) WSBalances(w http.ResponseWriter, r *http.Request) {
	token := middleware.BearerToken(r, true)
	if token == "" {
		respondError(w, http.StatusUnauthorized, "missing token")
		return
	}
	claims, err := auth.ParseToken(h.cfg.JWTSecret, token)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	if err := websocket.ServeWS(w, r, websocket.Upgrader(h.allowedOrigins()), h.hub, claims.UserID); err != nil {
		h.logger.WithField("error", err).Warn("websocket upgrade failed")
	}
}
