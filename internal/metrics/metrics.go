package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ctxKey string

const (
	routeLabelKey   ctxKey = "metrics_route"
	requestIDCtxKey ctxKey = "metrics_request_id"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "appsuite_http_requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"method", "route"})

	httpErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "appsuite_http_errors_total",
		Help: "Total number of HTTP requests resulting in server errors.",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "appsuite_http_request_duration_seconds",
		Help:    "Histogram of latencies for HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	dbLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "appsuite_db_latency_seconds",
		Help:    "Histogram of database operation latencies.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "route"})

	ldapBindDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "appsuite_ldap_bind_duration_seconds",
		Help:    "Histogram of LDAP bind latencies per outcome.",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	upstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "appsuite_upstream_requests_total",
		Help: "Requests issued to the calendar metadata upstream, by cache outcome.",
	}, []string{"outcome"})

	pushDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "appsuite_push_deliveries_total",
		Help: "Push notification delivery attempts per transport and outcome.",
	}, []string{"transport", "outcome"})

	pushSubscriptions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "appsuite_push_subscriptions",
		Help: "Currently registered push subscriptions per transport.",
	}, []string{"transport"})
)

// Middleware records request metrics and enriches the context with labels for downstream instrumentation.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := routePattern(r)
			reqID := middleware.GetReqID(r.Context())

			ctx := context.WithValue(r.Context(), routeLabelKey, route)
			if reqID != "" {
				ctx = context.WithValue(ctx, requestIDCtxKey, reqID)
			}

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(ctx))

			status := ww.Status()
			method := r.Method
			duration := time.Since(start).Seconds()
			statusCode := strconv.Itoa(status)

			httpRequestsTotal.WithLabelValues(method, route).Inc()
			httpRequestDuration.WithLabelValues(method, route, statusCode).Observe(duration)
			if status >= http.StatusInternalServerError {
				httpErrorsTotal.WithLabelValues(method, route, statusCode).Inc()
			}
		})
	}
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDBLatency records database latency for a given operation, associating it with request labels when available.
func ObserveDBLatency(ctx context.Context, operation string, start time.Time) {
	route := routeFromContext(ctx)
	dbLatency.WithLabelValues(operation, route).Observe(time.Since(start).Seconds())
}

// ObserveLDAPBind records the latency of one LDAP authentication attempt.
func ObserveLDAPBind(outcome string, start time.Time) {
	ldapBindDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}

// CountUpstreamRequest tallies a metadata proxy request. Outcome is one of
// "hit", "miss", "revalidated", or "error".
func CountUpstreamRequest(outcome string) {
	upstreamRequests.WithLabelValues(outcome).Inc()
}

// CountPushDelivery tallies a push delivery attempt.
func CountPushDelivery(transport, outcome string) {
	pushDeliveries.WithLabelValues(transport, outcome).Inc()
}

// SetPushSubscriptions updates the subscription gauge for a transport.
func SetPushSubscriptions(transport string, n int) {
	pushSubscriptions.WithLabelValues(transport).Set(float64(n))
}

// RequestIDFromContext extracts the request ID stored by the metrics middleware.
func RequestIDFromContext(ctx context.Context) string {
	if reqID, ok := ctx.Value(requestIDCtxKey).(string); ok {
		return reqID
	}
	return ""
}

func routeFromContext(ctx context.Context) string {
	if route, ok := ctx.Value(routeLabelKey).(string); ok && route != "" {
		return route
	}
	return "unknown"
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := strings.TrimSpace(rctx.RoutePattern()); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
