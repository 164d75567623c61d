package auth

import (
	"crypto/sha256"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/securecookie"
	"golang.org/x/crypto/hkdf"

	"github.com/earth92/appsuite-middleware-sub014/internal/config"
)

// SessionManager issues and validates the web session cookie.
type SessionManager struct {
	cfg        *config.Config
	cookieName string
	codec      *securecookie.SecureCookie
	secure     bool
}

func NewSessionManager(cfg *config.Config) *SessionManager {
	// Independent HMAC and AES-256 keys derived from the single configured secret.
	kdf := hkdf.New(sha256.New, []byte(cfg.Session.Secret), nil, []byte("session-cookie"))
	hashKey := make([]byte, 32)
	blockKey := make([]byte, 32)
	if _, err := io.ReadFull(kdf, hashKey); err != nil {
		panic(err)
	}
	if _, err := io.ReadFull(kdf, blockKey); err != nil {
		panic(err)
	}

	sc := securecookie.New(hashKey, blockKey)
	sc.MaxAge(86400)
	sc.SetSerializer(securecookie.JSONEncoder{})

	secure := true
	if base, err := url.Parse(cfg.BaseURL); err == nil && base.Scheme != "https" {
		secure = false
	}

	return &SessionManager{
		cfg:        cfg,
		cookieName: "appsuite_session",
		codec:      sc,
		secure:     secure,
	}
}

// Issue sets the session cookie for a user.
func (m *SessionManager) Issue(w http.ResponseWriter, userID int64) error {
	value := map[string]any{
		"user_id": userID,
		"exp":     time.Now().Add(24 * time.Hour).Unix(),
	}

	encoded, err := m.codec.Encode(m.cookieName, value)
	if err != nil {
		return err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    encoded,
		Path:     "/",
		Expires:  time.Now().Add(24 * time.Hour),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Clear removes the session cookie, carrying the same attributes Issue sets.
func (m *SessionManager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// CurrentUserID extracts the user ID from the request session if present.
func (m *SessionManager) CurrentUserID(r *http.Request) (int64, bool) {
	c, err := r.Cookie(m.cookieName)
	if err != nil {
		return 0, false
	}

	var value map[string]any
	if err := m.codec.Decode(m.cookieName, c.Value, &value); err != nil {
		return 0, false
	}

	exp, ok := value["exp"].(float64)
	if !ok || time.Unix(int64(exp), 0).Before(time.Now()) {
		return 0, false
	}

	uid, ok := value["user_id"].(float64)
	if !ok {
		return 0, false
	}

	return int64(uid), true
}
