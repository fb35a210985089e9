package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const (
	RoleBilling = "billing"
	RoleRates   = "rates"
	RoleAudit   = "audit"
)

type AdminRecord struct {
	UserID    string    `db:"user_id" json:"user_id"`
	Username  *string   `db:"username" json:"username,omitempty"`
	IsSuper   bool      `db:"is_super" json:"is_super"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

type AdminStore struct {
	db DB
}

func NewAdminStore(db DB) *AdminStore {
	return &AdminStore{db: db}
}

func (s *AdminStore) IsAdmin(ctx context.Context, userID string) (bool, bool, error) {
	var isSuper bool
	err := s.db.GetContext(ctx, &isSuper, `
		SELECT is_super
		FROM admins
		WHERE user_id = $1
	`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, false, nil
		}
		return false, false, err
	}
	return true, isSuper, nil
}

func (s *AdminStore) HasRole(ctx context.Context, userID, role string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(1)
		FROM admin_roles
		WHERE admin_user_id = $1 AND role = $2
	`, userID, role)
	return count > 0, err
}

func (s *AdminStore) CreateAdmin(ctx context.Context, tx Execer, userID string, isSuper bool, createdBy *string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO admins (user_id, is_super, created_by)
		VALUES ($1, $2, $3)
	`, userID, isSuper, createdBy)
	return err
}

func (s *AdminStore) GrantRole(ctx context.Context, tx Execer, adminUserID, role string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO admin_roles (admin_user_id, role)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, adminUserID, role)
	return err
}

func (s *AdminStore) HasAnyAdmin(ctx context.Context) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `SELECT COUNT(1) FROM admins`)
	return count > 0, err
}

func (s *AdminStore) List(ctx context.Context) ([]AdminRecord, error) {
	var rows []AdminRecord
	err := s.db.SelectContext(ctx, &rows, `
		SELECT a.user_id, u.username, a.is_super, a.created_at
		FROM admins a
		LEFT JOIN users u ON u.id = a.user_id
		ORDER BY a.created_at
	`)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
