package store

import (
	"context"

	"github.com/lib/pq"
)

type ExecutionStore struct {
	db DB
}

func NewExecutionStore(db DB) *ExecutionStore {
	return &ExecutionStore{db: db}
}

// InsertBilled records every id as billed to userID in a single statement.
// A duplicate id fails the whole insert with a unique violation.
func (s *ExecutionStore) InsertBilled(ctx context.Context, tx Execer, userID string, executionIDs []string) error {
	if len(executionIDs) == 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO billed_executions (execution_id, user_id)
		SELECT id, $1 FROM unnest($2::text[]) AS id
	`, userID, pq.Array(executionIDs))
	return err
}

// ListBilled returns the ids billed to userID together with any of candidates
// that some other user was already charged for.
func (s *ExecutionStore) ListBilled(ctx context.Context, userID string, candidates []string) ([]string, error) {
	if candidates == nil {
		candidates = []string{}
	}
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		SELECT execution_id
		FROM billed_executions
		WHERE user_id = $1 OR execution_id = ANY($2::text[])
	`, userID, pq.Array(candidates))
	if err != nil {
		return nil, err
	}
	return ids, nil
}
