// Package store holds the Postgres queries behind the ledger: users and
// admins, balances, billed executions, payment history, conversion rates and
// the audit log. Reads go through DB; every ledger write takes the caller's
// transaction so a deduction, its billed ids and its history row commit together.
package store

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
)

type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Getter interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
}

type Selecter interface {
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

// DB is the pool-level handle the stores read through.
type DB interface {
	Execer
	Getter
	Selecter
}

// Tx is the part of a transaction a write needs: row locks via GetContext
// (SELECT ... FOR UPDATE, INSERT ... RETURNING) and plain statements.
type Tx interface {
	Execer
	Getter
}

var (
	_ DB = (*sqlx.DB)(nil)
	_ Tx = (*sqlx.Tx)(nil)
)
