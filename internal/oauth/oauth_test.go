package oauth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/earth92/appsuite-middleware-sub014/internal/store"
)

type fakeAccounts struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]store.OAuthAccount
}

func newFakeAccounts() *fakeAccounts {
	return &fakeAccounts{nextID: 1, rows: make(map[int64]store.OAuthAccount)}
}

func (f *fakeAccounts) Create(ctx context.Context, account store.OAuthAccount) (*store.OAuthAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	account.ID = f.nextID
	f.nextID++
	f.rows[account.ID] = account
	return &account, nil
}

func (f *fakeAccounts) GetByID(ctx context.Context, userID, id int64) (*store.OAuthAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	account, ok := f.rows[id]
	if !ok || account.UserID != userID {
		return nil, store.ErrNotFound
	}
	return &account, nil
}

func (f *fakeAccounts) ListByUser(ctx context.Context, userID int64) ([]store.OAuthAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.OAuthAccount
	for _, account := range f.rows {
		if account.UserID == userID {
			out = append(out, account)
		}
	}
	return out, nil
}

func (f *fakeAccounts) UpdateTokens(ctx context.Context, id int64, accessToken, refreshToken string, expiry time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	account, ok := f.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	account.AccessToken = accessToken
	account.RefreshToken = refreshToken
	account.Expiry = expiry
	f.rows[id] = account
	return nil
}

func (f *fakeAccounts) MarkNeedsReauth(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	account, ok := f.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	account.NeedsReauth = true
	f.rows[id] = account
	return nil
}

func (f *fakeAccounts) Delete(ctx context.Context, userID, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	account, ok := f.rows[id]
	if !ok || account.UserID != userID {
		return store.ErrNotFound
	}
	delete(f.rows, id)
	return nil
}

func testProvider(id, tokenURL string) *Provider {
	return &Provider{
		ID: id,
		Config: oauth2.Config{
			ClientID:     "client-id",
			ClientSecret: "client-secret",
			RedirectURL:  "https://app.example.com/auth/oauth/callback",
			Scopes:       []string{"mail.read"},
			Endpoint: oauth2.Endpoint{
				AuthURL:  "https://idp.example.com/authorize",
				TokenURL: tokenURL,
			},
		},
	}
}

func TestAuthorizationURL(t *testing.T) {
	svc := NewService(newFakeAccounts(), testProvider("acme", "https://idp.example.com/token"))

	raw, err := svc.AuthorizationURL("acme", "state-123", "calendar.read")
	if err != nil {
		t.Fatalf("authorization url: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	q := u.Query()
	if q.Get("access_type") != "offline" {
		t.Errorf("access_type = %q, want offline", q.Get("access_type"))
	}
	if q.Get("state") != "state-123" {
		t.Errorf("state = %q", q.Get("state"))
	}
	if scope := q.Get("scope"); !strings.Contains(scope, "calendar.read") || !strings.Contains(scope, "mail.read") {
		t.Errorf("scope = %q", scope)
	}

	if _, err := svc.AuthorizationURL("nope", "s"); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("unknown provider: got %v", err)
	}
}

func TestHandleCallbackPersistsAccount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-1","refresh_token":"rt-1","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	accounts := newFakeAccounts()
	svc := NewService(accounts, testProvider("acme", srv.URL+"/token"))

	account, err := svc.HandleCallback(context.Background(), "acme", 5, "auth-code")
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if account.AccessToken != "at-1" || account.RefreshToken != "rt-1" {
		t.Errorf("account tokens = %q/%q", account.AccessToken, account.RefreshToken)
	}
	if account.UserID != 5 || account.Provider != "acme" {
		t.Errorf("account = %+v", account)
	}
}

func TestTokenReturnsUnexpiredAccessToken(t *testing.T) {
	accounts := newFakeAccounts()
	created, _ := accounts.Create(context.Background(), store.OAuthAccount{
		UserID:      5,
		Provider:    "acme",
		AccessToken: "still-good",
		Expiry:      time.Now().Add(time.Hour),
	})

	svc := NewService(accounts, testProvider("acme", "https://idp.example.com/token"))
	token, err := svc.Token(context.Background(), 5, created.ID)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if token != "still-good" {
		t.Errorf("token = %q", token)
	}
}

func TestTokenRefreshesAndPersistsRotation(t *testing.T) {
	var gotRefresh string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotRefresh = r.PostFormValue("refresh_token")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-2","refresh_token":"rt-2","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	accounts := newFakeAccounts()
	created, _ := accounts.Create(context.Background(), store.OAuthAccount{
		UserID:       5,
		Provider:     "acme",
		AccessToken:  "expired",
		RefreshToken: "rt-1",
		Expiry:       time.Now().Add(-time.Minute),
	})

	svc := NewService(accounts, testProvider("acme", srv.URL+"/token"))
	token, err := svc.Token(context.Background(), 5, created.ID)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if token != "at-2" {
		t.Errorf("token = %q", token)
	}
	if gotRefresh != "rt-1" {
		t.Errorf("refresh_token sent = %q", gotRefresh)
	}

	stored, _ := accounts.GetByID(context.Background(), 5, created.ID)
	if stored.RefreshToken != "rt-2" {
		t.Errorf("rotated refresh token not persisted: %q", stored.RefreshToken)
	}
	if stored.AccessToken != "at-2" {
		t.Errorf("access token not persisted: %q", stored.AccessToken)
	}
}

func TestTokenInvalidGrantMarksReauth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	accounts := newFakeAccounts()
	created, _ := accounts.Create(context.Background(), store.OAuthAccount{
		UserID:       5,
		Provider:     "acme",
		RefreshToken: "revoked",
		Expiry:       time.Now().Add(-time.Minute),
	})

	svc := NewService(accounts, testProvider("acme", srv.URL+"/token"))
	_, err := svc.Token(context.Background(), 5, created.ID)
	if !errors.Is(err, ErrNeedsReauth) {
		t.Fatalf("got %v, want ErrNeedsReauth", err)
	}

	stored, _ := accounts.GetByID(context.Background(), 5, created.ID)
	if !stored.NeedsReauth {
		t.Error("account not marked as needing reauthorization")
	}

	// Subsequent calls short-circuit without hitting the provider.
	if _, err := svc.Token(context.Background(), 5, created.ID); !errors.Is(err, ErrNeedsReauth) {
		t.Errorf("second call: got %v", err)
	}
}

func TestTokenWithoutRefreshToken(t *testing.T) {
	accounts := newFakeAccounts()
	created, _ := accounts.Create(context.Background(), store.OAuthAccount{
		UserID:   5,
		Provider: "acme",
		Expiry:   time.Now().Add(-time.Minute),
	})

	svc := NewService(accounts, testProvider("acme", "https://idp.example.com/token"))
	if _, err := svc.Token(context.Background(), 5, created.ID); !errors.Is(err, ErrNeedsReauth) {
		t.Errorf("got %v, want ErrNeedsReauth", err)
	}
}
