package api

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mailad/mailadmin/internal/config"
	"github.com/mailad/mailadmin/internal/database"
	"golang.org/x/crypto/bcrypt"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	return NewServer(&config.Config{SessionTimeoutHours: 8}, db, Deps{})
}

func insertTestUser(t *testing.T, s *Server, username, password string) int64 {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("GenerateFromPassword: %v", err)
	}
	result, err := s.db.Exec(`
		INSERT INTO users (username, email, password_hash, role)
		VALUES (?, ?, ?, 'admin')
	`, username, username+"@example.tld", string(hash))
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		t.Fatalf("LastInsertId: %v", err)
	}
	return id
}

func postLogin(s *Server, username, password string) *httptest.ResponseRecorder {
	body := `{"username":"` + username + `","password":"` + password + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.login(w, req)
	return w
}

func TestLoginCountsCachedRejections(t *testing.T) {
	s := newTestServer(t)
	id := insertTestUser(t, s, "alice", "correct-horse-battery")

	// Second attempt with the same wrong password is answered from the
	// verdict cache; it must still advance the lockout counter.
	for i := 0; i < 2; i++ {
		if w := postLogin(s, "alice", "wrong-password"); w.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: status = %d, want %d", i+1, w.Code, http.StatusUnauthorized)
		}
	}

	var attempts int
	if err := s.db.QueryRow(`SELECT failed_login_attempts FROM users WHERE id = ?`, id).Scan(&attempts); err != nil {
		t.Fatalf("query attempts: %v", err)
	}
	if attempts != 2 {
		t.Errorf("failed_login_attempts = %d, want 2", attempts)
	}
}

func TestLoginLockoutAfterRepeatedCachedFailures(t *testing.T) {
	s := newTestServer(t)
	insertTestUser(t, s, "bob", "correct-horse-battery")

	for i := 0; i < 5; i++ {
		postLogin(s, "bob", "wrong-password")
	}

	w := postLogin(s, "bob", "correct-horse-battery")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	if !strings.Contains(w.Body.String(), "account locked") {
		t.Errorf("body = %q, want account locked", w.Body.String())
	}
}

func TestLoginRateLimitersArePerServer(t *testing.T) {
	a := newTestServer(t)
	b := newTestServer(t)

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	limitedA := a.loginRateLimitMiddleware(ok)
	limitedB := b.loginRateLimitMiddleware(ok)

	// Drain the first server's login budget for this client IP.
	var last int
	for i := 0; i < 10; i++ {
		w := httptest.NewRecorder()
		limitedA.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil))
		last = w.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("status after draining = %d, want %d", last, http.StatusTooManyRequests)
	}

	// A separate server instance keeps its own limiter state.
	w := httptest.NewRecorder()
	limitedB.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil))
	if w.Code != http.StatusOK {
		t.Errorf("status on second server = %d, want %d", w.Code, http.StatusOK)
	}
}
