package store

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	"voicemeter/internal/models"
)

func TestUserStoreCreate(t *testing.T) {
	ctx := context.Background()
	execer := stubExecer{
		execFn: func(_ context.Context, query string, args ...any) (sql.Result, error) {
			if !strings.Contains(query, "INSERT INTO users") {
				t.Fatalf("unexpected query: %s", query)
			}
			if len(args) != 8 || args[0] != "user-1" || args[1] != "name" || args[4] != models.ProviderBolna || args[5] != "agent-1" {
				t.Fatalf("unexpected args: %#v", args)
			}
			return stubResult{rows: 1}, nil
		},
	}
	store := NewUserStore(stubDB{})
	err := store.Create(ctx, execer, UserInput{
		ID:           "user-1",
		Username:     "name",
		Email:        "email@example.com",
		PasswordHash: "hash",
		Provider:     models.ProviderBolna,
		AgentID:      "agent-1",
		APIKey:       "key",
		PhoneNumber:  "+919999999999",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestUserStoreGetByEmail(t *testing.T) {
	ctx := context.Background()
	store := NewUserStore(stubDB{
		getFn: func(_ context.Context, dest any, query string, args ...any) error {
			if !strings.Contains(query, "WHERE email = $1") || !strings.Contains(query, "password_hash") {
				t.Fatalf("unexpected query: %s", query)
			}
			if len(args) != 1 || args[0] != "email@example.com" {
				t.Fatalf("unexpected args: %#v", args)
			}
			*dest.(*models.User) = models.User{ID: "user-1", PasswordHash: "hash"}
			return nil
		},
	})
	row, err := store.GetByEmail(ctx, "email@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if row.ID != "user-1" || row.PasswordHash != "hash" {
		t.Fatalf("unexpected row: %#v", row)
	}
}

func TestUserStoreGetByUsername(t *testing.T) {
	ctx := context.Background()
	store := NewUserStore(stubDB{
		getFn: func(_ context.Context, dest any, query string, args ...any) error {
			if !strings.Contains(query, "WHERE username = $1") {
				t.Fatalf("unexpected query: %s", query)
			}
			*dest.(*models.User) = models.User{ID: "user-1"}
			return nil
		},
	})
	row, err := store.GetByUsername(ctx, "name")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if row.ID != "user-1" {
		t.Fatalf("unexpected row: %#v", row)
	}
}

func TestUserStoreGetByIDNotFound(t *testing.T) {
	store := NewUserStore(stubDB{
		getFn: func(_ context.Context, _ any, query string, _ ...any) error {
			if !strings.Contains(query, "WHERE id = $1") {
				t.Fatalf("unexpected query: %s", query)
			}
			return sql.ErrNoRows
		},
	})
	if _, err := store.GetByID(context.Background(), "user-1"); err != sql.ErrNoRows {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestUserStoreRotateAPIKey(t *testing.T) {
	execer := stubExecer{
		execFn: func(_ context.Context, query string, args ...any) (sql.Result, error) {
			if !strings.Contains(query, "SET api_key = $1") {
				t.Fatalf("unexpected query: %s", query)
			}
			if len(args) != 2 || args[0] != "new-key" || args[1] != "user-1" {
				t.Fatalf("unexpected args: %#v", args)
			}
			return stubResult{rows: 1}, nil
		},
	}
	rows, err := NewUserStore(stubDB{}).RotateAPIKey(context.Background(), execer, "user-1", "new-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rows != 1 {
		t.Fatalf("expected 1 row, got %d", rows)
	}
}

func TestUserStoreListWithAgents(t *testing.T) {
	store := NewUserStore(stubDB{
		selectFn: func(_ context.Context, dest any, query string, _ ...any) error {
			if !strings.Contains(query, "agent_id <> ''") {
				t.Fatalf("unexpected query: %s", query)
			}
			*dest.(*[]models.User) = []models.User{{ID: "user-1", AgentID: "agent-1"}}
			return nil
		},
	})
	rows, err := store.ListWithAgents(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 1 || rows[0].AgentID != "agent-1" {
		t.Fatalf("unexpected rows: %#v", rows)
	}
}

func TestUserStoreList(t *testing.T) {
	store := NewUserStore(stubDB{
		selectFn: func(_ context.Context, _ any, query string, args ...any) error {
			if !strings.Contains(query, "LIMIT $1 OFFSET $2") {
				t.Fatalf("unexpected query: %s", query)
			}
			if len(args) != 2 || args[0] != 25 || args[1] != 50 {
				t.Fatalf("unexpected args: %#v", args)
			}
			return nil
		},
	})
	if _, err := store.List(context.Background(), 25, 50); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
