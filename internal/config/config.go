package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr string
	BaseURL    string

	DB struct {
		DSN string
	}

	LDAP struct {
		URI            string
		StartTLS       bool
		BaseDN         string
		BindStrategy   string // "dn-template" or "search-then-bind"
		DNTemplate     string
		SearchFilter   string
		AdminDN        string
		AdminPassword  string
		AttrUID        string
		AttrMail       string
		AttrName       string
		ConnectTimeout time.Duration
	}

	SchedJoules struct {
		BaseURL       string
		APIKey        string
		DefaultLocale string
		CacheTTL      time.Duration
		CacheEntries  int
	}

	Push struct {
		APNsKeyFile    string
		APNsKeyID      string
		APNsTeamID     string
		APNsTopic      string
		APNsProduction bool
		WebhookSecret  string
	}

	Session struct {
		Secret string
	}

	PrometheusEnabled bool
	TrustedProxies    []string
}

func Load() (*Config, error) {
	cfg := read()

	if cfg.DB.DSN == "" {
		return nil, errors.New("APP_DB_DSN is required (or set APP_DB_HOST, APP_DB_NAME, APP_DB_USER, and APP_DB_PASSWORD)")
	}
	if cfg.LDAP.URI == "" {
		return nil, errors.New("APP_LDAP_URI is required")
	}
	switch cfg.LDAP.BindStrategy {
	case "dn-template":
		if cfg.LDAP.DNTemplate == "" {
			return nil, errors.New("APP_LDAP_DN_TEMPLATE is required for the dn-template bind strategy")
		}
	case "search-then-bind":
		if cfg.LDAP.BaseDN == "" {
			return nil, errors.New("APP_LDAP_BASE_DN is required for the search-then-bind strategy")
		}
	default:
		return nil, fmt.Errorf("unknown APP_LDAP_BIND_STRATEGY %q", cfg.LDAP.BindStrategy)
	}
	if cfg.Session.Secret == "" {
		return nil, errors.New("APP_SESSION_SECRET is required")
	}
	if len(cfg.Session.Secret) < 32 {
		return nil, fmt.Errorf("APP_SESSION_SECRET must be at least 32 characters long (got %d)", len(cfg.Session.Secret))
	}

	if len(cfg.TrustedProxies) == 0 {
		fmt.Println("WARNING: No APP_TRUSTED_PROXIES configured. The server will trust all proxies - not recommended for public environments.")
	}

	return cfg, nil
}

// LoadDB reads only the database configuration. CLIs that never serve
// traffic use it so they do not demand the full server environment.
func LoadDB() (*Config, error) {
	cfg := read()
	if cfg.DB.DSN == "" {
		return nil, errors.New("APP_DB_DSN is required (or set APP_DB_HOST, APP_DB_NAME, APP_DB_USER, and APP_DB_PASSWORD)")
	}
	return cfg, nil
}

func read() *Config {
	cfg := &Config{}

	cfg.ListenAddr = getenvDefault("APP_LISTEN_ADDR", ":8080")
	cfg.BaseURL = getenvDefault("APP_BASE_URL", "http://localhost:8080")
	cfg.DB.DSN = os.Getenv("APP_DB_DSN")

	if cfg.DB.DSN == "" {
		host := os.Getenv("APP_DB_HOST")
		name := os.Getenv("APP_DB_NAME")
		user := os.Getenv("APP_DB_USER")
		password := os.Getenv("APP_DB_PASSWORD")
		port := getenvDefault("APP_DB_PORT", "5432")
		sslmode := getenvDefault("APP_DB_SSLMODE", "disable")

		if host != "" && name != "" && user != "" && password != "" {
			cfg.DB.DSN = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, password, host, port, name, sslmode)
		}
	}

	cfg.LDAP.URI = os.Getenv("APP_LDAP_URI")
	cfg.LDAP.StartTLS = getenvBool("APP_LDAP_STARTTLS", false)
	cfg.LDAP.BaseDN = os.Getenv("APP_LDAP_BASE_DN")
	cfg.LDAP.BindStrategy = getenvDefault("APP_LDAP_BIND_STRATEGY", "search-then-bind")
	cfg.LDAP.DNTemplate = os.Getenv("APP_LDAP_DN_TEMPLATE")
	cfg.LDAP.SearchFilter = getenvDefault("APP_LDAP_SEARCH_FILTER", "(uid=%s)")
	cfg.LDAP.AdminDN = os.Getenv("APP_LDAP_ADMIN_DN")
	cfg.LDAP.AdminPassword = os.Getenv("APP_LDAP_ADMIN_PASSWORD")
	cfg.LDAP.AttrUID = getenvDefault("APP_LDAP_ATTR_UID", "uid")
	cfg.LDAP.AttrMail = getenvDefault("APP_LDAP_ATTR_MAIL", "mail")
	cfg.LDAP.AttrName = getenvDefault("APP_LDAP_ATTR_NAME", "cn")
	cfg.LDAP.ConnectTimeout = getenvDuration("APP_LDAP_CONNECT_TIMEOUT", 10*time.Second)

	cfg.SchedJoules.BaseURL = getenvDefault("APP_SCHEDJOULES_BASE_URL", "https://api.schedjoules.com")
	cfg.SchedJoules.APIKey = os.Getenv("APP_SCHEDJOULES_API_KEY")
	cfg.SchedJoules.DefaultLocale = getenvDefault("APP_SCHEDJOULES_LOCALE", "en")
	cfg.SchedJoules.CacheTTL = getenvDuration("APP_SCHEDJOULES_CACHE_TTL", time.Hour)
	cfg.SchedJoules.CacheEntries = getenvInt("APP_SCHEDJOULES_CACHE_ENTRIES", 1000)

	cfg.Push.APNsKeyFile = os.Getenv("APP_PUSH_APNS_KEY_FILE")
	cfg.Push.APNsKeyID = os.Getenv("APP_PUSH_APNS_KEY_ID")
	cfg.Push.APNsTeamID = os.Getenv("APP_PUSH_APNS_TEAM_ID")
	cfg.Push.APNsTopic = os.Getenv("APP_PUSH_APNS_TOPIC")
	cfg.Push.APNsProduction = getenvBool("APP_PUSH_APNS_PRODUCTION", false)
	cfg.Push.WebhookSecret = os.Getenv("APP_PUSH_WEBHOOK_SECRET")

	cfg.Session.Secret = os.Getenv("APP_SESSION_SECRET")
	cfg.PrometheusEnabled = getenvBool("APP_PROMETHEUS_ENDPOINT_ENABLED", false)
	cfg.TrustedProxies = getenvList("APP_TRUSTED_PROXIES")

	return cfg
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getenvList(key string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, item := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return nil
}
