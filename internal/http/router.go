package httpserver

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/earth92/appsuite-middleware-sub014/internal/auth"
	"github.com/earth92/appsuite-middleware-sub014/internal/config"
	"github.com/earth92/appsuite-middleware-sub014/internal/http/csrf"
	"github.com/earth92/appsuite-middleware-sub014/internal/http/ratelimit"
	"github.com/earth92/appsuite-middleware-sub014/internal/metrics"
	"github.com/earth92/appsuite-middleware-sub014/internal/store"
)

// NewRouter wires all HTTP routes.
func NewRouter(cfg *config.Config, st *store.Store, authService *auth.Service, api *Handler) http.Handler {
	r := chi.NewRouter()

	// Auth endpoints: 5 requests per second, burst of 10
	authRateLimiter := ratelimit.NewIPRateLimiter(rate.Limit(5), 10, 5*time.Minute, cfg.TrustedProxies)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(overrideMethod)
	r.Use(metrics.Middleware())

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := st.HealthCheck(ctx); err != nil {
			http.Error(w, "unready", http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if cfg.PrometheusEnabled {
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			metrics.Handler().ServeHTTP(w, r)
		})
	}

	r.Route("/auth", func(r chi.Router) {
		r.Use(authRateLimiter.Middleware())
		r.Post("/login", authService.HandleLogin)
		r.With(authService.RequireSession).Post("/logout", authService.HandleLogout)

		// Third-party account linking; the user must already have a session.
		r.Group(func(r chi.Router) {
			r.Use(authService.RequireSession)
			r.Get("/oauth/{provider}/init", api.OAuthInit)
			r.Get("/oauth/callback", api.OAuthCallback)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(authService.RequireSession)
		r.Use(csrf.Middleware(cfg))

		r.Route("/api/chronos/schedjoules", func(r chi.Router) {
			r.Get("/pages", api.SchedJoulesRoot)
			r.Get("/pages/search", api.SchedJoulesSearch)
			r.Get("/pages/{id}", api.SchedJoulesPage)
			r.Get("/languages", api.SchedJoulesLanguages)
			r.Get("/countries", api.SchedJoulesCountries)
		})

		r.Post("/api/chronos/itip/analyze", api.AnalyzeITIP)

		r.Put("/api/chronos/alarm/{uid}/ack", api.AcknowledgeAlarm)
		r.Put("/api/chronos/alarm/{uid}/snooze", api.SnoozeAlarm)

		r.Route("/api/push/subscriptions", func(r chi.Router) {
			r.Get("/", api.ListSubscriptions)
			r.Post("/", api.CreateSubscription)
			r.Delete("/{id}", api.DeleteSubscription)
		})
		r.Get("/ws", api.WebSocket)

		r.Get("/api/oauth/providers", api.OAuthProviders)
		r.Get("/api/oauth/accounts", api.ListOAuthAccounts)
		r.Delete("/api/oauth/accounts/{id}", api.DeleteOAuthAccount)

		r.Get("/api/report", api.Report)
	})

	return r
}

func overrideMethod(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := r.Method
		if r.Method == http.MethodPost {
			if m := strings.TrimSpace(r.PostFormValue("_method")); m != "" {
				method = m
			} else if m := strings.TrimSpace(r.URL.Query().Get("_method")); m != "" {
				method = m
			}
		}
		switch strings.ToUpper(method) {
		case http.MethodPut, http.MethodDelete:
			r.Method = strings.ToUpper(method)
		}
		next.ServeHTTP(w, r)
	})
}
