package db

import (
	"context"
	"database/sql"
	"errors"
	"math/rand"
	"time"

	"voicemeter/internal/logging"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const maxTxAttempts = 5

var ErrRetryLimit = errors.New("transaction retry limit exceeded")

type TxRunner interface {
	WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error
}

type SQLXTxRunner struct {
	db     *sqlx.DB
	logger logging.Logger
}

func NewTxRunner(db *sqlx.DB, logger logging.Logger) SQLXTxRunner {
	return SQLXTxRunner{db: db, logger: logger}
}

func (r SQLXTxRunner) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	return withTx(ctx, r.db, func(attempt int, err error) {
		if r.logger != nil {
			r.logger.WithFields(logging.Fields{
				"attempt": attempt,
				"error":   err,
			}).Debug("retrying serializable transaction")
		}
	}, fn)
}

func Connect(databaseURL string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// WithTx runs fn in a serializable transaction, retrying serialization
// failures and deadlocks. Errors returned by fn that are not retryable are
// passed through unchanged after rollback.
func WithTx(ctx context.Context, db *sqlx.DB, fn func(*sqlx.Tx) error) error {
	return withTx(ctx, db, nil, fn)
}

func withTx(ctx context.Context, db *sqlx.DB, onRetry func(int, error), fn func(*sqlx.Tx) error) error {
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		tx, err := db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return err
		}
		err = fn(tx)
		if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
		if err == nil {
			return nil
		}
		if !isRetryablePGError(err) || attempt == maxTxAttempts {
			return err
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
		if err := sleepWithBackoff(ctx, attempt); err != nil {
			return err
		}
	}
	return ErrRetryLimit
}

// IsUniqueViolation reports whether err is a postgres unique_violation.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "23505"
}

func isRetryablePGError(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}

func sleepWithBackoff(ctx context.Context, attempt int) error {
	base := 20 * time.Millisecond
	backoff := time.Duration(attempt*attempt) * base
	jitter := time.Duration(rand.Int63n(int64(10 * time.Millisecond)))
	timer := time.NewTimer(backoff + jitter)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
