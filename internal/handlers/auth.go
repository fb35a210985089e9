package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"voicemeter/internal/auth"
	"voicemeter/internal/db"
	"voicemeter/internal/middleware"
	"voicemeter/internal/models"
	"voicemeter/internal/store"
	"voicemeter/internal/validator"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

type registerRequest struct {
	Username    string `json:"username"`
	Email       string `json:"email"`
	Password    string `json:"password"`
	Provider    string `json:"provider"`
	AgentID     string `json:"agent_id"`
	APIKey      string `json:"api_key"`
	PhoneNumber string `json:"phone_number"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	req.Provider = strings.ToLower(strings.TrimSpace(req.Provider))
	if err := validator.ValidateUsername(req.Username); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validator.ValidateEmail(req.Email); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validator.ValidatePassword(req.Password); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validator.ValidateProvider(req.Provider, models.ProviderBolna, models.ProviderMillis, models.ProviderVapi); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Provider == "" {
		req.Provider = models.ProviderBolna
	}
	// Vapi takes a phone number id, not a dialable number.
	if req.PhoneNumber != "" && req.Provider != models.ProviderVapi {
		phone, err := validator.NormalizePhone(req.PhoneNumber, h.cfg.PhoneCountryCode)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		req.PhoneNumber = phone
	}
	passwordHash, err := auth.HashPassword(req.Password)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to secure password")
		return
	}
	userID := uuid.NewString()
	err = h.txRunner.WithTx(r.Context(), func(tx *sqlx.Tx) error {
		if err := h.users.Create(r.Context(), tx, store.UserInput{
			ID:           userID,
			Username:     req.Username,
			Email:        req.Email,
			PasswordHash: passwordHash,
			Provider:     req.Provider,
			AgentID:      strings.TrimSpace(req.AgentID),
			APIKey:       strings.TrimSpace(req.APIKey),
			PhoneNumber:  req.PhoneNumber,
		}); err != nil {
			return err
		}
		hasAdmin, err := h.admin.HasAnyAdmin(r.Context())
		if err != nil {
			return err
		}
		if !hasAdmin {
			if err := h.admin.CreateAdmin(r.Context(), tx, userID, true, nil); err != nil {
				return err
			}
		}
		data, _ := json.Marshal(map[string]string{
			"user_id":    userID,
			"provider":   req.Provider,
			"ip":         r.RemoteAddr,
			"user_agent": r.UserAgent(),
		})
		return h.audit.Log(r.Context(), tx, userID, "user.register", "user", userID, string(data))
	})
	if err != nil {
		if db.IsUniqueViolation(err) {
			respondError(w, http.StatusConflict, "username or email already exists")
			return
		}
		h.logger.WithField("error", err).Error("registration failed")
		respondError(w, http.StatusInternalServerError, "registration failed")
		return
	}
	token, err := auth.GenerateToken(h.cfg.JWTSecret, userID, h.cfg.TokenTTL)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{
		"token": token,
	})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	user, err := h.users.GetByEmail(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			respondError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		respondError(w, http.StatusInternalServerError, "login failed")
		return
	}
	if !auth.CheckPassword(user.PasswordHash, req.Password) {
		respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err := h.txRunner.WithTx(r.Context(), func(tx *sqlx.Tx) error {
		data, _ := json.Marshal(map[string]string{
			"ip":         r.RemoteAddr,
			"user_agent": r.UserAgent(),
		})
		return h.audit.Log(r.Context(), tx, user.ID, "user.login", "user", user.ID, string(data))
	}); err != nil {
		respondError(w, http.StatusInternalServerError, "login failed")
		return
	}
	token, err := auth.GenerateToken(h.cfg.JWTSecret, user.ID, h.cfg.TokenTTL)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"token": token,
	})
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	user, err := h.users.GetByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			respondError(w, http.StatusNotFound, "user not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "unable to load user")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"id":              user.ID,
		"username":        user.Username,
		"email":           user.Email,
		"provider":        user.Provider,
		"agent_id":        user.AgentID,
		"phone_number":    user.PhoneNumber,
		"has_api_key":     user.APIKey != "",
		"created_at":      user.CreatedAt,
		"ledger_currency": h.cfg.Currency,
	})
}

type rotateKeyRequest struct {
	APIKey string `json:"api_key"`
}

// RotateAPIKey replaces the caller's provider API key.
func (h *Handler) RotateAPIKey(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req rotateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.APIKey) == "" {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	var updated int64
	err := h.txRunner.WithTx(r.Context(), func(tx *sqlx.Tx) error {
		rows, err := h.users.RotateAPIKey(r.Context(), tx, userID, strings.TrimSpace(req.APIKey))
		if err != nil {
			return err
		}
		updated = rows
		if rows == 0 {
			return nil
		}
		return h.audit.Log(r.Context(), tx, userID, "user.rotate_api_key", "user", userID, "{}")
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to update api key")
		return
	}
	if updated == 0 {
		respondError(w, http.StatusNotFound, "user not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}
