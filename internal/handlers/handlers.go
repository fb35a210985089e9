package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"voicemeter/internal/billing"
	"voicemeter/internal/logging"
	"voicemeter/internal/money"

	"github.com/shopspring/decimal"
)

const (
	maxPageSize = 200
	// conversion_rates.rate is NUMERIC(20, 6).
	maxRateDecimals = 6
)

var (
	errInvalidAmount = errors.New("amount must be a positive value with at most two decimal places")
	errInvalidRate   = errors.New("rate must be positive with at most 6 decimal places")
)

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// statusForKind maps a billing error kind onto the HTTP boundary.
func statusForKind(kind billing.Kind) int {
	switch kind {
	case billing.KindBadInput:
		return http.StatusBadRequest
	case billing.KindInsufficientBalance:
		return http.StatusPaymentRequired
	case billing.KindNotFound:
		return http.StatusNotFound
	case billing.KindConflict:
		return http.StatusConflict
	case billing.KindRateLimited:
		return http.StatusTooManyRequests
	case billing.KindProvider, billing.KindAuth, billing.KindDeliveryRejected:
		return http.StatusBadGateway
	case billing.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondServiceError writes err with its kind. Internal details stay in the log.
func (h *Handler) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	kind := billing.KindOf(err)
	status := statusForKind(kind)
	message := "internal error"
	var be *billing.Error
	if status != http.StatusInternalServerError && errors.As(err, &be) && be.Message != "" {
		message = be.Message
	}
	log := h.logger.WithFields(logging.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"kind":   kind,
		"error":  err,
	})
	if status >= http.StatusInternalServerError {
		log.Error("request failed")
	} else {
		log.Info("request rejected")
	}
	respondJSON(w, status, map[string]string{"error": message, "kind": string(kind)})
}

func parseInt(raw string, fallback int) int {
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

// pagination reads page and limit, returning limit and offset.
func pagination(r *http.Request) (int, int) {
	query := r.URL.Query()
	limit := parseInt(query.Get("limit"), 50)
	if limit > maxPageSize {
		limit = maxPageSize
	}
	page := parseInt(query.Get("page"), 1)
	return limit, (page - 1) * limit
}

// parseAmountMinor reads a top-up or admission amount in the ledger currency.
func parseAmountMinor(raw string) (int64, error) {
	amount, err := money.ParseMinor(raw)
	if err != nil || amount <= 0 {
		return 0, errInvalidAmount
	}
	return amount, nil
}

// parseRate reads a provider-to-ledger conversion rate.
func parseRate(raw string) (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(raw)
	if err != nil || !rate.IsPositive() || rate.Exponent() < -maxRateDecimals {
		return decimal.Zero, errInvalidRate
	}
	return rate, nil
}
