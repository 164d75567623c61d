package auth

import (
	"errors"
	"net/http"

	httperrors "github.com/earth92/appsuite-middleware-sub014/internal/http/errors"
	"github.com/earth92/appsuite-middleware-sub014/internal/ldap"
	"github.com/earth92/appsuite-middleware-sub014/internal/store"
)

// Service turns directory credentials into web sessions.
type Service struct {
	directory *ldap.Authenticator
	store     *store.Store
	sessions  *SessionManager
}

func NewService(directory *ldap.Authenticator, store *store.Store, sessions *SessionManager) *Service {
	return &Service{directory: directory, store: store, sessions: sessions}
}

// HandleLogin authenticates form credentials against the directory, upserts
// the user record, and issues a session cookie.
func (s *Service) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		httperrors.BadRequestError(w, r, err, "malformed form")
		return
	}
	login := r.PostFormValue("login")
	password := r.PostFormValue("password")
	if login == "" {
		httperrors.BadRequestError(w, r, errors.New("empty login"), "login required")
		return
	}

	identity, err := s.directory.Authenticate(r.Context(), login, password)
	if err != nil {
		switch {
		case errors.Is(err, ldap.ErrInvalidCredentials), errors.Is(err, ldap.ErrUserNotFound):
			httperrors.UnauthorizedError(w, r)
		case errors.Is(err, ldap.ErrAmbiguousUser):
			httperrors.LogError(r, "ambiguous directory entry", err)
			httperrors.UnauthorizedError(w, r)
		default:
			httperrors.InternalError(w, r, err, "directory bind failed")
		}
		return
	}

	user, err := s.store.Users.UpsertLDAPUser(r.Context(), login, identity.DN, identity.DisplayName, identity.Mail)
	if err != nil {
		httperrors.InternalError(w, r, err, "persist user")
		return
	}

	if err := s.sessions.Issue(w, user.ID); err != nil {
		httperrors.InternalError(w, r, err, "issue session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleLogout clears the session cookie.
func (s *Service) HandleLogout(w http.ResponseWriter, r *http.Request) {
	s.sessions.Clear(w)
	w.WriteHeader(http.StatusNoContent)
}

// RequireSession loads the session user into the request context or rejects
// the request.
func (s *Service) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := s.sessions.CurrentUserID(r)
		if !ok {
			httperrors.UnauthorizedError(w, r)
			return
		}
		user, err := s.store.Users.GetByID(r.Context(), userID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				s.sessions.Clear(w)
				httperrors.UnauthorizedError(w, r)
				return
			}
			httperrors.InternalError(w, r, err, "load session user")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}
