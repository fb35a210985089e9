package store

import (
	"context"

	"voicemeter/internal/models"
)

// RateStore keeps the provider-currency to ledger-currency conversion rates.
// Exactly one row per currency pair is active at a time.
type RateStore struct {
	db DB
}

func NewRateStore(db DB) *RateStore {
	return &RateStore{db: db}
}

func (s *RateStore) GetActive(ctx context.Context, baseCurrency, quoteCurrency string) (models.ConversionRate, error) {
	var row models.ConversionRate
	err := s.db.GetContext(ctx, &row, `
		SELECT id, base_currency, quote_currency, rate::text AS rate, is_active, created_at, deleted_at
		FROM conversion_rates
		WHERE base_currency = $1 AND quote_currency = $2 AND is_active = TRUE
	`, baseCurrency, quoteCurrency)
	if err != nil {
		return models.ConversionRate{}, err
	}
	return row, nil
}

func (s *RateStore) ListActive(ctx context.Context) ([]models.ConversionRate, error) {
	var rows []models.ConversionRate
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, base_currency, quote_currency, rate::text AS rate, is_active, created_at, deleted_at
		FROM conversion_rates
		WHERE is_active = TRUE
		ORDER BY base_currency, quote_currency
	`)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// SetRate activates a new rate for the pair and retires the previous one.
func (s *RateStore) SetRate(ctx context.Context, tx Tx, baseCurrency, quoteCurrency, rate, actorID string) (string, error) {
	var id string
	err := tx.GetContext(ctx, &id, `
		INSERT INTO conversion_rates (id, base_currency, quote_currency, rate, is_active, created_by)
		VALUES (gen_random_uuid()::text, $1, $2, $3, TRUE, $4)
		RETURNING id
	`, baseCurrency, quoteCurrency, rate, actorID)
	if err != nil {
		return "", err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE conversion_rates
		SET is_active = FALSE, deleted_at = NOW()
		WHERE base_currency = $1 AND quote_currency = $2 AND id <> $3 AND is_active = TRUE
	`, baseCurrency, quoteCurrency, id)
	if err != nil {
		return "", err
	}
	return id, nil
}
