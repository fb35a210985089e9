package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type PaymentStore struct {
	db DB
}

// PaymentView is a payment history row joined with its owner's username.
type PaymentView struct {
	ID              string    `db:"id" json:"id"`
	UserID          string    `db:"user_id" json:"user_id"`
	Username        *string   `db:"username" json:"username,omitempty"`
	TransactionType string    `db:"transaction_type" json:"transaction_type"`
	Amount          int64     `db:"amount" json:"amount"`
	Description     string    `db:"description" json:"description"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

type PaymentInput struct {
	ID          string
	UserID      string
	Type        string
	Amount      int64
	Description string
}

// PaymentFilter narrows a history listing. Empty fields match everything.
type PaymentFilter struct {
	UserID string
	Type   string
	Limit  int
	Offset int
}

func NewPaymentStore(db DB) *PaymentStore {
	return &PaymentStore{db: db}
}

func (s *PaymentStore) Append(ctx context.Context, tx Execer, input PaymentInput) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO payment_history (id, user_id, transaction_type, amount, description)
		VALUES ($1, $2, $3, $4, $5)
	`, input.ID, input.UserID, input.Type, input.Amount, input.Description)
	return err
}

func (s *PaymentStore) List(ctx context.Context, filter PaymentFilter) ([]PaymentView, error) {
	query := `
		SELECT p.id, p.user_id, u.username, p.transaction_type, p.amount, p.description, p.created_at
		FROM payment_history p
		LEFT JOIN users u ON u.id = p.user_id
	`
	var conds []string
	args := []any{}
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		conds = append(conds, "p.user_id = $"+itoa(len(args)))
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		conds = append(conds, "p.transaction_type = $"+itoa(len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY p.created_at DESC LIMIT $" + itoa(len(args)+1) + " OFFSET $" + itoa(len(args)+2)
	args = append(args, filter.Limit, filter.Offset)
	var rows []PaymentView
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

func itoa(value int) string {
	return fmt.Sprintf("%d", value)
}
