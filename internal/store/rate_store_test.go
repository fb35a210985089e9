package store

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	"voicemeter/internal/models"
)

func TestRateStoreGetActive(t *testing.T) {
	ctx := context.Background()
	store := NewRateStore(stubDB{
		getFn: func(_ context.Context, dest any, query string, args ...any) error {
			if !strings.Contains(query, "FROM conversion_rates") || !strings.Contains(query, "is_active = TRUE") {
				t.Fatalf("unexpected query: %s", query)
			}
			if len(args) != 2 || args[0] != "USD" || args[1] != "INR" {
				t.Fatalf("unexpected args: %#v", args)
			}
			*dest.(*models.ConversionRate) = models.ConversionRate{ID: "rate-1", Rate: "85.56"}
			return nil
		},
	})
	row, err := store.GetActive(ctx, "USD", "INR")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if row.ID != "rate-1" || row.Rate != "85.56" {
		t.Fatalf("unexpected row: %#v", row)
	}
}

func TestRateStoreGetActiveMissing(t *testing.T) {
	store := NewRateStore(stubDB{
		getFn: func(context.Context, any, string, ...any) error {
			return sql.ErrNoRows
		},
	})
	if _, err := store.GetActive(context.Background(), "USD", "INR"); err != sql.ErrNoRows {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestRateStoreSetRate(t *testing.T) {
	ctx := context.Background()
	calls := 0
	tx := stubTx{
		getFn: func(_ context.Context, dest any, query string, args ...any) error {
			if !strings.Contains(query, "INSERT INTO conversion_rates") {
				t.Fatalf("unexpected query: %s", query)
			}
			if len(args) != 4 || args[2] != "86.10" || args[3] != "admin-1" {
				t.Fatalf("unexpected args: %#v", args)
			}
			*dest.(*string) = "rate-2"
			return nil
		},
		execFn: func(_ context.Context, query string, args ...any) (sql.Result, error) {
			if !strings.Contains(query, "UPDATE conversion_rates") {
				t.Fatalf("unexpected query: %s", query)
			}
			if len(args) != 3 || args[2] != "rate-2" {
				t.Fatalf("unexpected args: %#v", args)
			}
			calls++
			return stubResult{rows: 1}, nil
		},
	}
	store := NewRateStore(stubDB{})
	id, err := store.SetRate(ctx, tx, "USD", "INR", "86.10", "admin-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "rate-2" {
		t.Fatalf("unexpected id: %s", id)
	}
	if calls != 1 {
		t.Fatalf("expected 1 update, got %d", calls)
	}
}

func TestRateStoreListActive(t *testing.T) {
	store := NewRateStore(stubDB{
		selectFn: func(_ context.Context, dest any, query string, _ ...any) error {
			if !strings.Contains(query, "WHERE is_active = TRUE") {
				t.Fatalf("unexpected query: %s", query)
			}
			*dest.(*[]models.ConversionRate) = []models.ConversionRate{{ID: "rate-1"}}
			return nil
		},
	})
	rows, err := store.ListActive(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("unexpected rows: %#v", rows)
	}
}
