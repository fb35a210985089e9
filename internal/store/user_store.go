package store

import (
	"context"

	"voicemeter/internal/models"
)

type UserStore struct {
	db DB
}

func NewUserStore(db DB) *UserStore {
	return &UserStore{db: db}
}

type UserInput struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	Provider     string
	AgentID      string
	APIKey       string
	PhoneNumber  string
}

const userColumns = `id, username, email, password_hash, provider, agent_id, api_key, phone_number, created_at`

func (s *UserStore) Create(ctx context.Context, tx Execer, input UserInput) error {
	query := `
		INSERT INTO users (id, username, email, password_hash, provider, agent_id, api_key, phone_number)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := tx.ExecContext(ctx, query,
		input.ID, input.Username, input.Email, input.PasswordHash,
		input.Provider, input.AgentID, input.APIKey, input.PhoneNumber,
	)
	return err
}

func (s *UserStore) GetByEmail(ctx context.Context, email string) (models.User, error) {
	return s.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
}

func (s *UserStore) GetByUsername(ctx context.Context, username string) (models.User, error) {
	return s.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username)
}

func (s *UserStore) GetByID(ctx context.Context, userID string) (models.User, error) {
	return s.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID)
}

// RotateAPIKey replaces the provider credential, the only mutable part of an account.
func (s *UserStore) RotateAPIKey(ctx context.Context, tx Execer, userID, apiKey string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE users SET api_key = $1 WHERE id = $2`, apiKey, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListWithAgents returns every user that has a provider agent configured.
func (s *UserStore) ListWithAgents(ctx context.Context) ([]models.User, error) {
	var rows []models.User
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+userColumns+`
		FROM users
		WHERE agent_id <> '' AND api_key <> ''
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *UserStore) List(ctx context.Context, limit, offset int) ([]models.User, error) {
	var rows []models.User
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+userColumns+`
		FROM users
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *UserStore) getOne(ctx context.Context, query string, arg any) (models.User, error) {
	var row models.User
	if err := s.db.GetContext(ctx, &row, query, arg); err != nil {
		return models.User{}, err
	}
	return row, nil
}
