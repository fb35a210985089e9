package store

import (
	"context"
	"time"
)

const (
	AuditDeduction   = "ledger.deduction"
	AuditTopUp       = "ledger.topup"
	AuditRateSet     = "rate.set"
	AuditAdminCreate = "admin.create"
	AuditRoleGrant   = "admin.grant_role"
)

type AuditStore struct {
	db DB
}

type AuditEntry struct {
	ID          string    `db:"id" json:"id"`
	ActorUserID *string   `db:"actor_user_id" json:"actor_user_id,omitempty"`
	Action      string    `db:"action" json:"action"`
	EntityType  string    `db:"entity_type" json:"entity_type"`
	EntityID    string    `db:"entity_id" json:"entity_id"`
	Data        string    `db:"data" json:"data"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

func NewAuditStore(db DB) *AuditStore {
	return &AuditStore{db: db}
}

// Log appends an audit row. An empty actorID records a system action.
func (s *AuditStore) Log(ctx context.Context, tx Execer, actorID, action, entityType, entityID, data string) error {
	var actor *string
	if actorID != "" {
		actor = &actorID
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_user_id, action, entity_type, entity_id, data)
		VALUES (gen_random_uuid()::text, $1, $2, $3, $4, $5)
	`, actor, action, entityType, entityID, data)
	return err
}

func (s *AuditStore) List(ctx context.Context, action string, limit, offset int) ([]AuditEntry, error) {
	query := `
		SELECT id, actor_user_id, action, entity_type, entity_id, data, created_at
		FROM audit_logs
	`
	args := []any{}
	if action != "" {
		query += " WHERE action = $1"
		args = append(args, action)
	}
	query += " ORDER BY created_at DESC LIMIT $" + itoa(len(args)+1) + " OFFSET $" + itoa(len(args)+2)
	args = append(args, limit, offset)
	var rows []AuditEntry
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	return rows, nil
}
