package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/earth92/appsuite-middleware-sub014/internal/config"
)

func sessionConfig(baseURL string) *config.Config {
	cfg := &config.Config{BaseURL: baseURL}
	cfg.Session.Secret = "0123456789abcdef0123456789abcdef"
	return cfg
}

func issuedCookie(t *testing.T, m *SessionManager, userID int64) *http.Cookie {
	t.Helper()
	rec := httptest.NewRecorder()
	if err := m.Issue(rec, userID); err != nil {
		t.Fatalf("issue session: %v", err)
	}
	for _, c := range rec.Result().Cookies() {
		if c.Name == "appsuite_session" {
			return c
		}
	}
	t.Fatal("session cookie not set")
	return nil
}

func TestSessionRoundTrip(t *testing.T) {
	m := NewSessionManager(sessionConfig("http://localhost:8080"))
	cookie := issuedCookie(t, m, 42)

	if !cookie.HttpOnly {
		t.Error("session cookie must be HttpOnly")
	}
	if cookie.SameSite != http.SameSiteLaxMode {
		t.Errorf("expected SameSite=Lax, got %v", cookie.SameSite)
	}
	if cookie.Secure {
		t.Error("plain-http base URL must not mark the cookie secure")
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	userID, ok := m.CurrentUserID(req)
	if !ok || userID != 42 {
		t.Errorf("expected user 42 from cookie, got %d, %v", userID, ok)
	}
}

func TestSessionSecureWithHTTPSBase(t *testing.T) {
	m := NewSessionManager(sessionConfig("https://groupware.example.com"))
	if cookie := issuedCookie(t, m, 1); !cookie.Secure {
		t.Error("https base URL must mark the cookie secure")
	}
}

func TestSessionRejectsTamperedCookie(t *testing.T) {
	m := NewSessionManager(sessionConfig("http://localhost:8080"))
	cookie := issuedCookie(t, m, 42)
	cookie.Value = cookie.Value[:len(cookie.Value)-4] + "beef"

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	if _, ok := m.CurrentUserID(req); ok {
		t.Error("tampered cookie must not authenticate")
	}
}

func TestSessionClearMatchesIssuedAttributes(t *testing.T) {
	m := NewSessionManager(sessionConfig("https://groupware.example.com"))
	issued := issuedCookie(t, m, 42)

	rec := httptest.NewRecorder()
	m.Clear(rec)
	var cleared *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == "appsuite_session" {
			cleared = c
		}
	}
	if cleared == nil {
		t.Fatal("clear did not set a deletion cookie")
	}

	if cleared.Value != "" || cleared.MaxAge >= 0 {
		t.Errorf("expected an expiring empty cookie, got value %q maxage %d", cleared.Value, cleared.MaxAge)
	}
	if cleared.Path != issued.Path {
		t.Errorf("path mismatch: issued %q, cleared %q", issued.Path, cleared.Path)
	}
	if cleared.HttpOnly != issued.HttpOnly || cleared.Secure != issued.Secure || cleared.SameSite != issued.SameSite {
		t.Errorf("attribute mismatch: issued %+v, cleared %+v", issued, cleared)
	}
}
