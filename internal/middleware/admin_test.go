package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

// adminDirectory answers from fixed maps: supers, and role grants per admin.
type adminDirectory struct {
	supers  map[string]bool
	roles   map[string][]string
	err     error
	roleErr error
}

func (d adminDirectory) IsAdmin(_ context.Context, userID string) (bool, bool, error) {
	if d.err != nil {
		return false, false, d.err
	}
	if super, ok := d.supers[userID]; ok {
		return true, super, nil
	}
	_, ok := d.roles[userID]
	return ok, false, nil
}

func (d adminDirectory) HasRole(_ context.Context, userID, role string) (bool, error) {
	if d.roleErr != nil {
		return false, d.roleErr
	}
	for _, granted := range d.roles[userID] {
		if granted == role {
			return true, nil
		}
	}
	return false, nil
}

func TestRequireAdmin(t *testing.T) {
	dir := adminDirectory{
		supers: map[string]bool{"owner": true},
		roles: map[string][]string{
			"finance": {"billing"},
			"auditor": {"audit"},
			"bare":    nil,
		},
	}
	cases := []struct {
		name   string
		userID string
		role   string
		want   int
	}{
		{"anonymous", "", "billing", http.StatusUnauthorized},
		{"customer", "user-1", "billing", http.StatusForbidden},
		{"super bypasses roles", "owner", "rates", http.StatusOK},
		{"granted role", "finance", "billing", http.StatusOK},
		{"other role", "auditor", "billing", http.StatusForbidden},
		{"any admin route", "bare", "", http.StatusOK},
		{"admin without role", "bare", "audit", http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reached := false
			handler := RequireAdmin(dir, tc.role)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				reached = true
				w.WriteHeader(http.StatusOK)
			}))
			req := httptest.NewRequest(http.MethodGet, "/admin/payments", nil)
			if tc.userID != "" {
				req = req.WithContext(WithUserID(req.Context(), tc.userID))
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			if rr.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rr.Code)
			}
			if reached != (tc.want == http.StatusOK) {
				t.Fatalf("handler reached = %v", reached)
			}
		})
	}
}

func TestRequireAdminStoreFailure(t *testing.T) {
	failing := map[string]adminDirectory{
		"admin lookup": {err: errors.New("db down")},
		"role lookup":  {roles: map[string][]string{"ops": nil}, roleErr: errors.New("db down")},
	}
	for name, dir := range failing {
		handler := RequireAdmin(dir, "rates")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatalf("%s: handler should not be called", name)
		}))
		req := httptest.NewRequest(http.MethodPost, "/admin/rates", nil)
		req = req.WithContext(WithUserID(req.Context(), "ops"))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusInternalServerError {
			t.Fatalf("%s: expected 500, got %d", name, rr.Code)
		}
	}
}
