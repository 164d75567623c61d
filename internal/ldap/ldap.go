package ldap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	goldap "github.com/go-ldap/ldap/v3"

	"github.com/earth92/appsuite-middleware-sub014/internal/config"
	"github.com/earth92/appsuite-middleware-sub014/internal/metrics"
)

// Bind strategies supported by the authenticator.
const (
	StrategyDNTemplate     = "dn-template"
	StrategySearchThenBind = "search-then-bind"
)

var (
	// ErrInvalidCredentials is returned when the directory rejects the bind.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserNotFound is returned when no directory entry matches the login.
	ErrUserNotFound = errors.New("user not found in directory")
	// ErrAmbiguousUser is returned when the search filter matches more than one entry.
	ErrAmbiguousUser = errors.New("login matches multiple directory entries")
)

// Identity is the directory record of an authenticated user.
type Identity struct {
	DN          string
	UID         string
	DisplayName string
	Mail        string
}

// Conn is the subset of the go-ldap connection used by the authenticator,
// narrow enough for tests to fake.
type Conn interface {
	Bind(username, password string) error
	Search(req *goldap.SearchRequest) (*goldap.SearchResult, error)
	Close() error
}

// Authenticator resolves and verifies user credentials against an LDAP
// directory. One connection is dialed per attempt; the directory server is
// expected to sit close by.
type Authenticator struct {
	cfg  *config.Config
	dial func(ctx context.Context) (Conn, error)
}

func NewAuthenticator(cfg *config.Config) *Authenticator {
	a := &Authenticator{cfg: cfg}
	a.dial = a.dialDirectory
	return a
}

// Authenticate verifies login/password against the directory and returns the
// resolved identity. The zero-length password is rejected up front: an LDAP
// simple bind with an empty password is an anonymous bind and would "succeed".
func (a *Authenticator) Authenticate(ctx context.Context, login, password string) (*Identity, error) {
	if strings.TrimSpace(login) == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	start := time.Now()
	identity, err := a.authenticate(ctx, login, password)
	switch {
	case err == nil:
		metrics.ObserveLDAPBind("ok", start)
	case errors.Is(err, ErrInvalidCredentials) || errors.Is(err, ErrUserNotFound):
		metrics.ObserveLDAPBind("denied", start)
	default:
		metrics.ObserveLDAPBind("error", start)
	}
	return identity, err
}

func (a *Authenticator) authenticate(ctx context.Context, login, password string) (*Identity, error) {
	conn, err := a.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial directory: %w", err)
	}
	defer conn.Close()

	switch a.cfg.LDAP.BindStrategy {
	case StrategyDNTemplate:
		return a.bindWithTemplate(conn, login, password)
	case StrategySearchThenBind:
		return a.searchThenBind(conn, login, password)
	default:
		return nil, fmt.Errorf("unknown bind strategy %q", a.cfg.LDAP.BindStrategy)
	}
}

func (a *Authenticator) bindWithTemplate(conn Conn, login, password string) (*Identity, error) {
	dn := strings.ReplaceAll(a.cfg.LDAP.DNTemplate, "%s", escapeDN(login))
	if err := conn.Bind(dn, password); err != nil {
		if isInvalidCredentials(err) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("bind %s: %w", dn, err)
	}

	identity, err := a.readIdentity(conn, dn)
	if err != nil {
		// The bind succeeded; a missing self-entry still authenticates.
		return &Identity{DN: dn, UID: login}, nil
	}
	return identity, nil
}

func (a *Authenticator) searchThenBind(conn Conn, login, password string) (*Identity, error) {
	if a.cfg.LDAP.AdminDN != "" {
		if err := conn.Bind(a.cfg.LDAP.AdminDN, a.cfg.LDAP.AdminPassword); err != nil {
			return nil, fmt.Errorf("admin bind: %w", err)
		}
	}

	filter := strings.ReplaceAll(a.cfg.LDAP.SearchFilter, "%s", goldap.EscapeFilter(login))
	req := goldap.NewSearchRequest(
		a.cfg.LDAP.BaseDN,
		goldap.ScopeWholeSubtree, goldap.NeverDerefAliases, 2, 0, false,
		filter,
		[]string{a.cfg.LDAP.AttrUID, a.cfg.LDAP.AttrName, a.cfg.LDAP.AttrMail},
		nil,
	)

	res, err := conn.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", filter, err)
	}
	switch len(res.Entries) {
	case 0:
		return nil, ErrUserNotFound
	case 1:
	default:
		return nil, ErrAmbiguousUser
	}

	entry := res.Entries[0]
	if err := conn.Bind(entry.DN, password); err != nil {
		if isInvalidCredentials(err) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("bind %s: %w", entry.DN, err)
	}

	return a.identityFromEntry(entry), nil
}

func (a *Authenticator) readIdentity(conn Conn, dn string) (*Identity, error) {
	req := goldap.NewSearchRequest(
		dn,
		goldap.ScopeBaseObject, goldap.NeverDerefAliases, 1, 0, false,
		"(objectClass=*)",
		[]string{a.cfg.LDAP.AttrUID, a.cfg.LDAP.AttrName, a.cfg.LDAP.AttrMail},
		nil,
	)
	res, err := conn.Search(req)
	if err != nil {
		return nil, err
	}
	if len(res.Entries) == 0 {
		return nil, ErrUserNotFound
	}
	return a.identityFromEntry(res.Entries[0]), nil
}

func (a *Authenticator) identityFromEntry(entry *goldap.Entry) *Identity {
	return &Identity{
		DN:          entry.DN,
		UID:         entry.GetAttributeValue(a.cfg.LDAP.AttrUID),
		DisplayName: entry.GetAttributeValue(a.cfg.LDAP.AttrName),
		Mail:        entry.GetAttributeValue(a.cfg.LDAP.AttrMail),
	}
}

func (a *Authenticator) dialDirectory(ctx context.Context) (Conn, error) {
	dialer := &net.Dialer{Timeout: a.cfg.LDAP.ConnectTimeout}
	conn, err := goldap.DialURL(a.cfg.LDAP.URI, goldap.DialWithDialer(dialer))
	if err != nil {
		return nil, err
	}
	conn.SetTimeout(a.cfg.LDAP.ConnectTimeout)

	if a.cfg.LDAP.StartTLS {
		host := hostFromURI(a.cfg.LDAP.URI)
		if err := conn.StartTLS(&tls.Config{ServerName: host}); err != nil {
			conn.Close()
			return nil, fmt.Errorf("starttls: %w", err)
		}
	}
	return conn, nil
}

func isInvalidCredentials(err error) bool {
	return goldap.IsErrorWithCode(err, goldap.LDAPResultInvalidCredentials)
}

func hostFromURI(uri string) string {
	s := uri
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return host
	}
	return s
}

// escapeDN escapes a login for substitution into a DN template per RFC 4514.
func escapeDN(value string) string {
	var b strings.Builder
	for i, r := range value {
		switch r {
		case ',', '+', '"', '\\', '<', '>', ';', '=':
			b.WriteByte('\\')
			b.WriteRune(r)
		case '#':
			if i == 0 {
				b.WriteByte('\\')
			}
			b.WriteRune(r)
		case ' ':
			if i == 0 || i == len(value)-1 {
				b.WriteByte('\\')
			}
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
