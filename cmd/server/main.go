package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	appauth "github.com/earth92/appsuite-middleware-sub014/internal/auth"
	"github.com/earth92/appsuite-middleware-sub014/internal/config"
	httpserver "github.com/earth92/appsuite-middleware-sub014/internal/http"
	"github.com/earth92/appsuite-middleware-sub014/internal/ldap"
	"github.com/earth92/appsuite-middleware-sub014/internal/oauth"
	"github.com/earth92/appsuite-middleware-sub014/internal/push"
	"github.com/earth92/appsuite-middleware-sub014/internal/report"
	"github.com/earth92/appsuite-middleware-sub014/internal/schedjoules"
	"github.com/earth92/appsuite-middleware-sub014/internal/store"
)

func main() {
	log.Println("Starting groupware middleware server...")
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatalf("failed to create db pool: %v", err)
	}
	defer pool.Close()

	if err := store.ApplyMigrations(ctx, pool); err != nil {
		log.Fatalf("failed to apply migrations: %v", err)
	}

	stor := store.New(pool)
	sessionManager := appauth.NewSessionManager(cfg)
	directory := ldap.NewAuthenticator(cfg)
	authService := appauth.NewService(directory, stor, sessionManager)

	sjClient := schedjoules.NewClient(cfg.SchedJoules.BaseURL, cfg.SchedJoules.APIKey, cfg.SchedJoules.DefaultLocale, nil)
	sjCache := schedjoules.NewCache(sjClient, cfg.SchedJoules.CacheTTL, cfg.SchedJoules.CacheEntries)

	ws := push.NewWebSocketGateway()
	transports := []push.Transport{ws}
	if cfg.Push.WebhookSecret != "" {
		transports = append(transports, push.NewWebhookTransport(cfg.Push.WebhookSecret, nil))
	}
	if cfg.Push.APNsKeyFile != "" {
		apns, err := push.NewAPNsTransport(cfg.Push.APNsKeyFile, cfg.Push.APNsKeyID, cfg.Push.APNsTeamID, cfg.Push.APNsTopic, cfg.Push.APNsProduction)
		if err != nil {
			log.Fatalf("failed to initialize APNs transport: %v", err)
		}
		transports = append(transports, apns)
	}

	registry := push.NewRegistry(stor.PushSubscriptions, transports...)
	if err := registry.Load(ctx); err != nil {
		log.Fatalf("failed to load push subscriptions: %v", err)
	}

	for _, account := range watchedAccounts() {
		watcher := push.NewIMAPWatcher(account, registry)
		go watcher.Run(ctx)
	}
	go purgeExpiredSubscriptions(ctx, stor)

	oauthService := oauth.NewService(stor.OAuthAccounts, oauthProviders(cfg)...)
	reporter := report.NewReporter(pool)

	api := httpserver.NewHandler(cfg, stor, sjCache, registry, ws, oauthService, reporter)
	r := httpserver.NewRouter(cfg, stor, authService, api)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("server listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
	ws.Close()
}

// oauthProviders reads provider registrations from the environment. Each id
// in APP_OAUTH_PROVIDERS expects APP_OAUTH_<ID>_CLIENT_ID, _CLIENT_SECRET,
// _AUTH_URL, _TOKEN_URL, and optionally _ISSUER and _SCOPES.
func oauthProviders(cfg *config.Config) []*oauth.Provider {
	var providers []*oauth.Provider
	for _, id := range strings.Split(os.Getenv("APP_OAUTH_PROVIDERS"), ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		prefix := "APP_OAUTH_" + strings.ToUpper(id) + "_"
		p, err := oauth.ProviderFromEnv(id, prefix, strings.TrimRight(cfg.BaseURL, "/")+"/auth/oauth/callback")
		if err != nil {
			log.Fatalf("oauth provider %s: %v", id, err)
		}
		providers = append(providers, p)
	}
	return providers
}

// watchedAccounts parses APP_IMAP_WATCH, a semicolon-separated list of
// userID|label|host:port|username|password[|mailbox[|auth]] entries where
// auth is "login" (default) or "sasl" for SASL PLAIN.
func watchedAccounts() []push.MailAccount {
	accounts, err := parseWatchedAccounts(os.Getenv("APP_IMAP_WATCH"))
	if err != nil {
		log.Fatalf("APP_IMAP_WATCH: %v", err)
	}
	return accounts
}

func parseWatchedAccounts(raw string) ([]push.MailAccount, error) {
	if raw == "" {
		return nil, nil
	}
	var accounts []push.MailAccount
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		fields := strings.Split(entry, "|")
		if len(fields) < 5 {
			return nil, fmt.Errorf("malformed entry %q", entry)
		}
		userID, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed user id in entry %q", entry)
		}
		account := push.MailAccount{
			UserID:   userID,
			Label:    fields[1],
			Addr:     fields[2],
			Username: fields[3],
			Password: fields[4],
		}
		if len(fields) > 5 {
			account.Mailbox = fields[5]
		}
		if len(fields) > 6 {
			switch fields[6] {
			case "sasl":
				account.UseSASL = true
			case "login", "":
			default:
				return nil, fmt.Errorf("unknown auth mode %q in entry %q", fields[6], entry)
			}
		}
		accounts = append(accounts, account)
	}
	return accounts, nil
}

func purgeExpiredSubscriptions(ctx context.Context, stor *store.Store) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := stor.PushSubscriptions.PurgeExpired(ctx, time.Now())
			if err != nil {
				log.Printf("[WARN] purge expired push subscriptions: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("[INFO] purged %d expired push subscriptions", n)
			}
		}
	}
}
