package models

import "time"

const (
	TransactionDeposit   = "deposit"
	TransactionDeduction = "deduction"
)

const (
	ProviderBolna  = "bolna"
	ProviderMillis = "millis"
	ProviderVapi   = "vapi"
)

type User struct {
	ID           string    `db:"id" json:"id"`
	Username     string    `db:"username" json:"username"`
	Email        string    `db:"email" json:"email"`
	PasswordHash string    `db:"password_hash" json:"-"`
	Provider     string    `db:"provider" json:"provider"`
	AgentID      string    `db:"agent_id" json:"agent_id"`
	APIKey       string    `db:"api_key" json:"-"`
	PhoneNumber  string    `db:"phone_number" json:"phone_number"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Balance is the cached projection of a user's payment history.
type Balance struct {
	UserID         string     `db:"user_id" json:"user_id"`
	Balance        int64      `db:"balance" json:"balance"`
	LastNotifiedAt *time.Time `db:"last_notified_at" json:"last_notified_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

type BilledExecution struct {
	ExecutionID string    `db:"execution_id" json:"execution_id"`
	UserID      string    `db:"user_id" json:"user_id"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

type PaymentEntry struct {
	ID              string    `db:"id" json:"id"`
	UserID          string    `db:"user_id" json:"user_id"`
	TransactionType string    `db:"transaction_type" json:"transaction_type"`
	Amount          int64     `db:"amount" json:"amount"`
	Description     string    `db:"description" json:"description"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

type ConversionRate struct {
	ID            string     `db:"id" json:"id"`
	BaseCurrency  string     `db:"base_currency" json:"base_currency"`
	QuoteCurrency string     `db:"quote_currency" json:"quote_currency"`
	Rate          string     `db:"rate" json:"rate"`
	IsActive      bool       `db:"is_active" json:"is_active"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	DeletedAt     *time.Time `db:"deleted_at" json:"deleted_at,omitempty"`
}
