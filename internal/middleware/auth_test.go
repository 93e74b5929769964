package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/somnolog/somnolog/internal/database"
	"github.com/somnolog/somnolog/internal/handler"
	"github.com/somnolog/somnolog/internal/store"
)

func setupAuthTest(t *testing.T) (*store.SessionStore, *store.UserStore) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return store.NewSessionStore(db), store.NewUserStore(db)
}

func authedHandler(t *testing.T) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := handler.UserFromContext(r.Context())
		if user == nil {
			t.Error("no user in context inside protected handler")
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireAuthRejectsMissingToken(t *testing.T) {
	sessions, users := setupAuthTest(t)
	h := RequireAuth(sessions, users)(authedHandler(t))

	req := httptest.NewRequest("GET", "/api/account", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestRequireAuthAcceptsBearerToken(t *testing.T) {
	sessions, users := setupAuthTest(t)
	user, _ := users.Create("bearer@example.com", "hash", "", "en")
	sess, _ := sessions.Create(user.ID)

	h := RequireAuth(sessions, users)(authedHandler(t))

	req := httptest.NewRequest("GET", "/api/account", nil)
	req.Header.Set("Authorization", "Bearer "+sess.Token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestRequireAuthAcceptsSessionCookie(t *testing.T) {
	sessions, users := setupAuthTest(t)
	user, _ := users.Create("cookie@example.com", "hash", "", "en")
	sess, _ := sessions.Create(user.ID)

	h := RequireAuth(sessions, users)(authedHandler(t))

	req := httptest.NewRequest("GET", "/api/account", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: sess.Token})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestRequireAuthRejectsDeletedUser(t *testing.T) {
	sessions, users := setupAuthTest(t)
	user, _ := users.Create("gone@example.com", "hash", "", "en")
	sess, _ := sessions.Create(user.ID)
	users.SoftDelete(user.ID)

	h := RequireAuth(sessions, users)(authedHandler(t))

	req := httptest.NewRequest("GET", "/api/account", nil)
	req.Header.Set("Authorization", "Bearer "+sess.Token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("deleted user status = %d, want 401", rec.Code)
	}
}

func TestRequireAdmin(t *testing.T) {
	sessions, users := setupAuthTest(t)
	user, _ := users.Create("plain@example.com", "hash", "", "en")
	sess, _ := sessions.Create(user.ID)

	h := RequireAuth(sessions, users)(RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	req := httptest.NewRequest("POST", "/api/admin/credits/grant", nil)
	req.Header.Set("Authorization", "Bearer "+sess.Token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("non-admin status = %d, want 403", rec.Code)
	}
}
