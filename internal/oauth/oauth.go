// Package oauth manages stored third-party OAuth grants: authorization URL
// construction, callback handling, and token refresh with rotation.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/earth92/appsuite-middleware-sub014/internal/store"
)

var (
	// ErrUnknownProvider is returned for provider ids not in the configuration.
	ErrUnknownProvider = errors.New("unknown oauth provider")
	// ErrNeedsReauth means the stored grant is no longer usable and the user
	// has to run the authorization flow again.
	ErrNeedsReauth = errors.New("account needs reauthorization")
)

// Refresh a little before the upstream expiry to absorb clock skew.
const expiryLeeway = 30 * time.Second

// Provider is one configured OAuth provider. Issuer, when set, enables OIDC
// discovery and ID token verification on callback.
type Provider struct {
	ID     string
	Config oauth2.Config
	Issuer string

	mu       sync.Mutex
	verifier *oidc.IDTokenVerifier
}

func (p *Provider) idTokenVerifier(ctx context.Context) (*oidc.IDTokenVerifier, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.verifier != nil {
		return p.verifier, nil
	}
	provider, err := oidc.NewProvider(ctx, p.Issuer)
	if err != nil {
		return nil, fmt.Errorf("discover issuer %s: %w", p.Issuer, err)
	}
	p.verifier = provider.Verifier(&oidc.Config{ClientID: p.Config.ClientID})
	return p.verifier, nil
}

// ProviderFromEnv builds a provider from environment variables sharing a
// prefix: CLIENT_ID, CLIENT_SECRET, AUTH_URL, TOKEN_URL, and optionally
// ISSUER and SCOPES (comma separated). With an ISSUER the endpoint URLs may
// be omitted; OIDC discovery is not performed here, so explicit URLs win.
func ProviderFromEnv(id, prefix, redirectURL string) (*Provider, error) {
	get := func(key string) string { return strings.TrimSpace(os.Getenv(prefix + key)) }

	p := &Provider{
		ID:     id,
		Issuer: get("ISSUER"),
		Config: oauth2.Config{
			ClientID:     get("CLIENT_ID"),
			ClientSecret: get("CLIENT_SECRET"),
			RedirectURL:  redirectURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:  get("AUTH_URL"),
				TokenURL: get("TOKEN_URL"),
			},
		},
	}
	if scopes := get("SCOPES"); scopes != "" {
		for _, s := range strings.Split(scopes, ",") {
			if s = strings.TrimSpace(s); s != "" {
				p.Config.Scopes = append(p.Config.Scopes, s)
			}
		}
	}

	if p.Config.ClientID == "" || p.Config.ClientSecret == "" {
		return nil, fmt.Errorf("%sCLIENT_ID and %sCLIENT_SECRET are required", prefix, prefix)
	}
	if p.Config.Endpoint.AuthURL == "" || p.Config.Endpoint.TokenURL == "" {
		if p.Issuer == "" {
			return nil, fmt.Errorf("%sAUTH_URL and %sTOKEN_URL (or %sISSUER) are required", prefix, prefix, prefix)
		}
		p.Config.Endpoint = oauth2.Endpoint{
			AuthURL:  strings.TrimRight(p.Issuer, "/") + "/authorize",
			TokenURL: strings.TrimRight(p.Issuer, "/") + "/token",
		}
	}
	return p, nil
}

// Service ties providers to the account repository.
type Service struct {
	providers map[string]*Provider
	accounts  store.OAuthAccountRepository
}

func NewService(accounts store.OAuthAccountRepository, providers ...*Provider) *Service {
	byID := make(map[string]*Provider, len(providers))
	for _, p := range providers {
		byID[p.ID] = p
	}
	return &Service{providers: byID, accounts: accounts}
}

// Providers lists the configured provider ids.
func (s *Service) Providers() []string {
	ids := make([]string, 0, len(s.providers))
	for id := range s.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AuthorizationURL builds the consent URL. Offline access is always
// requested so a refresh token is issued.
func (s *Service) AuthorizationURL(providerID, state string, scopes ...string) (string, error) {
	p, ok := s.providers[providerID]
	if !ok {
		return "", ErrUnknownProvider
	}
	cfg := p.Config
	cfg.Scopes = append(append([]string{}, cfg.Scopes...), scopes...)
	return cfg.AuthCodeURL(state, oauth2.AccessTypeOffline), nil
}

// HandleCallback exchanges the authorization code and persists the account.
// For OIDC providers the ID token is verified and subject and mail recorded.
func (s *Service) HandleCallback(ctx context.Context, providerID string, userID int64, code string) (*store.OAuthAccount, error) {
	p, ok := s.providers[providerID]
	if !ok {
		return nil, ErrUnknownProvider
	}

	token, err := p.Config.Exchange(ctx, code, oauth2.AccessTypeOffline)
	if err != nil {
		return nil, fmt.Errorf("exchange code with %s: %w", providerID, err)
	}

	account := store.OAuthAccount{
		UserID:       userID,
		Provider:     providerID,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
		Scopes:       p.Config.Scopes,
	}

	if p.Issuer != "" {
		rawIDToken, _ := token.Extra("id_token").(string)
		if rawIDToken == "" {
			return nil, fmt.Errorf("provider %s returned no id_token", providerID)
		}
		verifier, err := p.idTokenVerifier(ctx)
		if err != nil {
			return nil, err
		}
		idToken, err := verifier.Verify(ctx, rawIDToken)
		if err != nil {
			return nil, fmt.Errorf("verify id_token: %w", err)
		}
		var claims struct {
			Email string `json:"email"`
		}
		if err := idToken.Claims(&claims); err != nil {
			return nil, fmt.Errorf("decode id_token claims: %w", err)
		}
		account.Subject = idToken.Subject
		account.Mail = claims.Email
	}

	return s.accounts.Create(ctx, account)
}

// Token returns a valid access token for the account, refreshing it when
// expired. A rotated refresh token is persisted; invalid_grant marks the
// account as needing reauthorization.
func (s *Service) Token(ctx context.Context, userID, accountID int64) (string, error) {
	account, err := s.accounts.GetByID(ctx, userID, accountID)
	if err != nil {
		return "", err
	}
	if account.NeedsReauth {
		return "", ErrNeedsReauth
	}

	if account.AccessToken != "" && time.Until(account.Expiry) > expiryLeeway {
		return account.AccessToken, nil
	}
	if account.RefreshToken == "" {
		return "", ErrNeedsReauth
	}

	p, ok := s.providers[account.Provider]
	if !ok {
		return "", ErrUnknownProvider
	}

	token, err := p.Config.TokenSource(ctx, &oauth2.Token{RefreshToken: account.RefreshToken}).Token()
	if err != nil {
		if isInvalidGrant(err) {
			log.Printf("[WARN] refresh for oauth account %d rejected with invalid_grant", account.ID)
			if markErr := s.accounts.MarkNeedsReauth(ctx, account.ID); markErr != nil {
				return "", fmt.Errorf("mark account %d: %w", account.ID, markErr)
			}
			return "", ErrNeedsReauth
		}
		return "", fmt.Errorf("refresh token for account %d: %w", account.ID, err)
	}

	refresh := token.RefreshToken
	if refresh == "" {
		refresh = account.RefreshToken
	}
	if err := s.accounts.UpdateTokens(ctx, account.ID, token.AccessToken, refresh, token.Expiry); err != nil {
		return "", fmt.Errorf("persist refreshed tokens: %w", err)
	}
	return token.AccessToken, nil
}

// List returns the user's stored accounts.
func (s *Service) List(ctx context.Context, userID int64) ([]store.OAuthAccount, error) {
	return s.accounts.ListByUser(ctx, userID)
}

// Delete removes an account owned by the user.
func (s *Service) Delete(ctx context.Context, userID, accountID int64) error {
	return s.accounts.Delete(ctx, userID, accountID)
}

func isInvalidGrant(err error) bool {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorCode == "invalid_grant" {
			return true
		}
		return strings.Contains(string(re.Body), "invalid_grant")
	}
	return false
}
