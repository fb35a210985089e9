package store

import (
	"context"
	"time"

	"voicemeter/internal/models"
)

type BalanceStore struct {
	db DB
}

// BalanceRecipient is a balance row joined with the contact details needed to alert its owner.
type BalanceRecipient struct {
	UserID         string     `db:"user_id"`
	Username       string     `db:"username"`
	Email          string     `db:"email"`
	Balance        int64      `db:"balance"`
	LastNotifiedAt *time.Time `db:"last_notified_at"`
}

type BalanceLedgerSummary struct {
	UserID            string  `db:"user_id"`
	Username          *string `db:"username"`
	StoredBalance     int64   `db:"stored_balance"`
	CalculatedBalance int64   `db:"calculated_balance"`
	Difference        int64   `db:"difference"`
}

const balanceColumns = `user_id, balance, last_notified_at, created_at, updated_at`

func NewBalanceStore(db DB) *BalanceStore {
	return &BalanceStore{db: db}
}

// GetOrCreate returns the user's balance row, inserting a zero row first when
// none exists. created reports whether this call inserted it.
func (s *BalanceStore) GetOrCreate(ctx context.Context, userID string) (models.Balance, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO user_balances (user_id, balance)
		VALUES ($1, 0)
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	if err != nil {
		return models.Balance{}, false, err
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return models.Balance{}, false, err
	}
	row, err := s.Get(ctx, userID)
	if err != nil {
		return models.Balance{}, false, err
	}
	return row, inserted > 0, nil
}

func (s *BalanceStore) Get(ctx context.Context, userID string) (models.Balance, error) {
	var row models.Balance
	err := s.db.GetContext(ctx, &row, `
		SELECT `+balanceColumns+`
		FROM user_balances
		WHERE user_id = $1
	`, userID)
	if err != nil {
		return models.Balance{}, err
	}
	return row, nil
}

func (s *BalanceStore) GetForUpdate(ctx context.Context, tx Getter, userID string) (models.Balance, error) {
	var row models.Balance
	err := tx.GetContext(ctx, &row, `
		SELECT `+balanceColumns+`
		FROM user_balances
		WHERE user_id = $1
		FOR UPDATE
	`, userID)
	if err != nil {
		return models.Balance{}, err
	}
	return row, nil
}

func (s *BalanceStore) AdjustBalance(ctx context.Context, tx Execer, userID string, delta int64) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE user_balances
		SET balance = balance + $1, updated_at = NOW()
		WHERE user_id = $2
	`, delta, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// EnsureExists inserts a zero balance row inside tx when the user has none.
func (s *BalanceStore) EnsureExists(ctx context.Context, tx Execer, userID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO user_balances (user_id, balance)
		VALUES ($1, 0)
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	return err
}

func (s *BalanceStore) MarkNotified(ctx context.Context, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE user_balances
		SET last_notified_at = $1, updated_at = NOW()
		WHERE user_id = $2
	`, at, userID)
	return err
}

// ListBelow returns every balance strictly under threshold, with its owner's contact details.
func (s *BalanceStore) ListBelow(ctx context.Context, threshold int64) ([]BalanceRecipient, error) {
	var rows []BalanceRecipient
	err := s.db.SelectContext(ctx, &rows, `
		SELECT b.user_id, u.username, u.email, b.balance, b.last_notified_at
		FROM user_balances b
		JOIN users u ON u.id = b.user_id
		WHERE b.balance < $1
		ORDER BY b.user_id
	`, threshold)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ListWithLedger compares each stored balance with deposits minus deductions.
func (s *BalanceStore) ListWithLedger(ctx context.Context, userID string) ([]BalanceLedgerSummary, error) {
	query := `
		SELECT b.user_id,
		       u.username,
		       b.balance AS stored_balance,
		       COALESCE(SUM(CASE WHEN p.transaction_type = 'deposit' THEN p.amount ELSE -p.amount END), 0) AS calculated_balance,
		       (b.balance - COALESCE(SUM(CASE WHEN p.transaction_type = 'deposit' THEN p.amount ELSE -p.amount END), 0)) AS difference
		FROM user_balances b
		LEFT JOIN users u ON u.id = b.user_id
		LEFT JOIN payment_history p ON p.user_id = b.user_id
	`
	args := []any{}
	if userID != "" {
		query += " WHERE b.user_id = $1"
		args = append(args, userID)
	}
	query += `
		GROUP BY b.user_id, u.username, b.balance
		ORDER BY b.user_id
	`
	var rows []BalanceLedgerSummary
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	return rows, nil
}
