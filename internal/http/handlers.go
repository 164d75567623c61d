package httpserver

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/go-chi/chi/v5"

	"github.com/earth92/appsuite-middleware-sub014/internal/auth"
	"github.com/earth92/appsuite-middleware-sub014/internal/chronos/alarm"
	"github.com/earth92/appsuite-middleware-sub014/internal/chronos/itip"
	"github.com/earth92/appsuite-middleware-sub014/internal/config"
	httperrors "github.com/earth92/appsuite-middleware-sub014/internal/http/errors"
	"github.com/earth92/appsuite-middleware-sub014/internal/oauth"
	"github.com/earth92/appsuite-middleware-sub014/internal/push"
	"github.com/earth92/appsuite-middleware-sub014/internal/report"
	"github.com/earth92/appsuite-middleware-sub014/internal/schedjoules"
	"github.com/earth92/appsuite-middleware-sub014/internal/store"
)

// Handler carries the services the API routes need.
type Handler struct {
	cfg         *config.Config
	store       *store.Store
	schedjoules *schedjoules.Cache
	registry    *push.Registry
	ws          *push.WebSocketGateway
	oauth       *oauth.Service
	reporter    *report.Reporter
}

func NewHandler(cfg *config.Config, st *store.Store, sj *schedjoules.Cache, registry *push.Registry, ws *push.WebSocketGateway, oauthSvc *oauth.Service, reporter *report.Reporter) *Handler {
	return &Handler{
		cfg:         cfg,
		store:       st,
		schedjoules: sj,
		registry:    registry,
		ws:          ws,
		oauth:       oauthSvc,
		reporter:    reporter,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// --- SchedJoules proxy ---

func (h *Handler) serveDocument(w http.ResponseWriter, r *http.Request, doc *schedjoules.Document, err error) {
	if err != nil {
		switch {
		case errors.Is(err, schedjoules.ErrNotFound):
			httperrors.NotFoundError(w, r)
		case errors.Is(err, schedjoules.ErrUpstream):
			httperrors.BadGatewayError(w, r, err, "calendar directory unavailable")
		default:
			httperrors.InternalError(w, r, err, "calendar directory proxy")
		}
		return
	}

	body := schedjoules.RewriteLinks(doc.Body,
		h.cfg.SchedJoules.BaseURL,
		strings.TrimRight(h.cfg.BaseURL, "/")+"/api/chronos/schedjoules")

	contentType := doc.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	if doc.ETag != "" {
		w.Header().Set("ETag", doc.ETag)
	}
	w.Write(body)
}

func (h *Handler) SchedJoulesRoot(w http.ResponseWriter, r *http.Request) {
	doc, err := h.schedjoules.Browse(r.Context(), 0, r.URL.Query().Get("locale"), r.URL.Query().Get("location"))
	h.serveDocument(w, r, doc, err)
}

func (h *Handler) SchedJoulesPage(w http.ResponseWriter, r *http.Request) {
	pageID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || pageID < 1 {
		httperrors.BadRequestError(w, r, err, "invalid page id")
		return
	}
	doc, err := h.schedjoules.Browse(r.Context(), pageID, r.URL.Query().Get("locale"), r.URL.Query().Get("location"))
	h.serveDocument(w, r, doc, err)
}

func (h *Handler) SchedJoulesSearch(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		httperrors.BadRequestError(w, r, errors.New("missing q"), "query required")
		return
	}
	doc, err := h.schedjoules.Search(r.Context(), query, r.URL.Query().Get("locale"))
	h.serveDocument(w, r, doc, err)
}

func (h *Handler) SchedJoulesLanguages(w http.ResponseWriter, r *http.Request) {
	doc, err := h.schedjoules.Languages(r.Context())
	h.serveDocument(w, r, doc, err)
}

func (h *Handler) SchedJoulesCountries(w http.ResponseWriter, r *http.Request) {
	doc, err := h.schedjoules.Countries(r.Context())
	h.serveDocument(w, r, doc, err)
}

// --- iTIP analysis ---

// storedEvents adapts the event repository to the analyzer's lookup
// interface, scoped to one user.
type storedEvents struct {
	events store.EventRepository
	userID int64
}

func (s storedEvents) Lookup(ctx context.Context, uid, recurrenceID string) (*itip.StoredEvent, error) {
	row, err := s.events.Get(ctx, s.userID, uid, recurrenceID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	cal, err := ical.NewDecoder(strings.NewReader(row.RawICAL)).Decode()
	if err != nil {
		return nil, fmt.Errorf("decode stored event %s: %w", uid, err)
	}
	comp := findEvent(cal, recurrenceID)
	if comp == nil {
		return nil, fmt.Errorf("stored object %s has no matching VEVENT", uid)
	}
	return &itip.StoredEvent{
		UID:          row.UID,
		RecurrenceID: row.RecurrenceID,
		Sequence:     row.Sequence,
		DTStamp:      row.DTStamp,
		Component:    comp,
	}, nil
}

func findEvent(cal *ical.Calendar, recurrenceID string) *ical.Component {
	for _, child := range cal.Children {
		if child.Name != ical.CompEvent {
			continue
		}
		rid := ""
		if prop := child.Props.Get(ical.PropRecurrenceID); prop != nil {
			rid = strings.TrimSpace(prop.Value)
		}
		if rid == recurrenceID {
			return child
		}
	}
	return nil
}

type analyzeChange struct {
	Type         string   `json:"type"`
	UID          string   `json:"uid"`
	RecurrenceID string   `json:"recurrence_id,omitempty"`
	Annotations  []string `json:"annotations,omitempty"`
	Attendee     any      `json:"attendee,omitempty"`
}

func (h *Handler) AnalyzeITIP(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	msg, err := itip.ParseMessage(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		httperrors.BadRequestError(w, r, err, "invalid scheduling message")
		return
	}

	analyzer := itip.NewAnalyzer(storedEvents{events: h.store.Events, userID: user.ID})
	analysis, err := analyzer.Analyze(r.Context(), msg)
	if err != nil {
		httperrors.BadRequestError(w, r, err, "unanalyzable scheduling message")
		return
	}

	changes := make([]analyzeChange, 0, len(analysis.Changes))
	for _, c := range analysis.Changes {
		ac := analyzeChange{
			Type:         string(c.Type),
			UID:          c.UID,
			RecurrenceID: c.RecurrenceID,
			Annotations:  c.Annotations,
		}
		if c.Attendee != nil {
			ac.Attendee = map[string]string{
				"email":    c.Attendee.Email,
				"partstat": c.Attendee.PartStat,
				"comment":  c.Attendee.Comment,
			}
		}
		changes = append(changes, ac)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"method":  string(analysis.Method),
		"changes": changes,
		"actions": analysis.Actions,
	})
}

// --- Alarms ---

type alarmRequest struct {
	AlarmUID string    `json:"alarm_uid"`
	At       time.Time `json:"at"`
	Until    time.Time `json:"until"`
}

func (h *Handler) AcknowledgeAlarm(w http.ResponseWriter, r *http.Request) {
	h.updateAlarm(w, r, false)
}

func (h *Handler) SnoozeAlarm(w http.ResponseWriter, r *http.Request) {
	h.updateAlarm(w, r, true)
}

// updateAlarm rewrites the VALARM inside the stored object and records the
// action in the alarm state table.
func (h *Handler) updateAlarm(w http.ResponseWriter, r *http.Request, snooze bool) {
	user, _ := auth.UserFromContext(r.Context())
	uid := chi.URLParam(r, "uid")

	var req alarmRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		httperrors.BadRequestError(w, r, err, "invalid body")
		return
	}
	if req.AlarmUID == "" {
		httperrors.BadRequestError(w, r, errors.New("missing alarm_uid"), "alarm_uid required")
		return
	}
	if snooze && req.Until.IsZero() {
		httperrors.BadRequestError(w, r, errors.New("missing until"), "until required")
		return
	}
	if req.At.IsZero() {
		req.At = time.Now().UTC()
	}

	row, err := h.store.Events.Get(r.Context(), user.ID, uid, "")
	if err != nil {
		httperrors.InternalError(w, r, err, "load event")
		return
	}
	if row == nil {
		httperrors.NotFoundError(w, r)
		return
	}

	cal, err := ical.NewDecoder(strings.NewReader(row.RawICAL)).Decode()
	if err != nil {
		httperrors.InternalError(w, r, err, "decode stored event")
		return
	}
	event := findEvent(cal, "")
	if event == nil {
		httperrors.NotFoundError(w, r)
		return
	}

	if snooze {
		err = alarm.Snooze(event, req.AlarmUID, req.Until)
	} else {
		err = alarm.Acknowledge(event, req.AlarmUID, req.At)
	}
	if err != nil {
		httperrors.NotFoundError(w, r)
		return
	}

	var buf strings.Builder
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		httperrors.InternalError(w, r, err, "encode event")
		return
	}
	row.RawICAL = buf.String()
	if _, err := h.store.Events.Upsert(r.Context(), *row); err != nil {
		httperrors.InternalError(w, r, err, "persist event")
		return
	}

	if snooze {
		err = h.store.AlarmStates.Snooze(r.Context(), user.ID, uid, req.AlarmUID, req.Until)
	} else {
		err = h.store.AlarmStates.Acknowledge(r.Context(), user.ID, uid, req.AlarmUID, req.At)
	}
	if err != nil {
		httperrors.InternalError(w, r, err, "record alarm state")
		return
	}

	next, _, ok := alarm.NextEventTrigger(event, time.Now())
	resp := map[string]any{"uid": uid, "alarm_uid": req.AlarmUID}
	if ok {
		resp["next_trigger"] = next.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Push subscriptions ---

type subscribeRequest struct {
	Transport string     `json:"transport"`
	Token     string     `json:"token"`
	Client    string     `json:"client"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func (h *Handler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	subs, err := h.registry.Subscriptions(r.Context(), user.ID)
	if err != nil {
		httperrors.InternalError(w, r, err, "list subscriptions")
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

func (h *Handler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	var req subscribeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		httperrors.BadRequestError(w, r, err, "invalid body")
		return
	}
	if req.Transport == "" || (req.Token == "" && req.Transport != "websocket") {
		httperrors.BadRequestError(w, r, errors.New("missing transport or token"), "transport and token required")
		return
	}

	sub, err := h.registry.Subscribe(r.Context(), user.ID, req.Transport, req.Token, req.Client, req.ExpiresAt)
	if err != nil {
		httperrors.BadRequestError(w, r, err, "cannot register subscription")
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (h *Handler) DeleteSubscription(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	if err := h.registry.Unsubscribe(r.Context(), user.ID, chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httperrors.NotFoundError(w, r)
			return
		}
		httperrors.InternalError(w, r, err, "delete subscription")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	h.ws.HandleUpgrade(w, r, user.ID)
}

// --- OAuth ---

const oauthStateCookie = "appsuite_oauth_state"

func (h *Handler) OAuthProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"providers": h.oauth.Providers()})
}

func (h *Handler) OAuthInit(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		httperrors.InternalError(w, r, err, "generate state")
		return
	}
	state := base64.RawURLEncoding.EncodeToString(buf)

	authURL, err := h.oauth.AuthorizationURL(provider, state)
	if err != nil {
		httperrors.NotFoundError(w, r)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state + ":" + provider,
		Path:     "/auth/oauth",
		MaxAge:   600,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (h *Handler) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	cookie, err := r.Cookie(oauthStateCookie)
	if err != nil {
		httperrors.BadRequestError(w, r, err, "missing oauth state")
		return
	}
	state, provider, ok := strings.Cut(cookie.Value, ":")
	if !ok || state == "" || r.URL.Query().Get("state") != state {
		httperrors.BadRequestError(w, r, errors.New("state mismatch"), "invalid oauth state")
		return
	}
	http.SetCookie(w, &http.Cookie{Name: oauthStateCookie, Value: "", Path: "/auth/oauth", MaxAge: -1})

	code := r.URL.Query().Get("code")
	if code == "" {
		httperrors.BadRequestError(w, r, errors.New("missing code"), "authorization code required")
		return
	}

	account, err := h.oauth.HandleCallback(r.Context(), provider, user.ID, code)
	if err != nil {
		httperrors.BadGatewayError(w, r, err, "authorization failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":       account.ID,
		"provider": account.Provider,
		"mail":     account.Mail,
	})
}

func (h *Handler) ListOAuthAccounts(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	accounts, err := h.oauth.List(r.Context(), user.ID)
	if err != nil {
		httperrors.InternalError(w, r, err, "list oauth accounts")
		return
	}

	// Tokens never leave the server.
	type accountView struct {
		ID          int64     `json:"id"`
		Provider    string    `json:"provider"`
		Mail        string    `json:"mail,omitempty"`
		Scopes      []string  `json:"scopes,omitempty"`
		Expiry      time.Time `json:"expiry"`
		NeedsReauth bool      `json:"needs_reauth"`
	}
	views := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		views = append(views, accountView{
			ID:          a.ID,
			Provider:    a.Provider,
			Mail:        a.Mail,
			Scopes:      a.Scopes,
			Expiry:      a.Expiry,
			NeedsReauth: a.NeedsReauth,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) DeleteOAuthAccount(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httperrors.BadRequestError(w, r, err, "invalid account id")
		return
	}
	if err := h.oauth.Delete(r.Context(), user.ID, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httperrors.NotFoundError(w, r)
			return
		}
		httperrors.InternalError(w, r, err, "delete oauth account")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Report ---

func (h *Handler) Report(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")
	format := r.URL.Query().Get("format")
	if format == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	} else {
		format = "json"
		w.Header().Set("Content-Type", "application/json")
	}

	var (
		rep report.TextWriter
		err error
	)
	switch kind {
	case "push":
		rep, err = h.reporter.Push(r.Context())
	case "usage", "":
		rep, err = h.reporter.Usage(r.Context())
	default:
		httperrors.BadRequestError(w, r, fmt.Errorf("unknown kind %q", kind), "unknown report kind")
		return
	}
	if err != nil {
		httperrors.InternalError(w, r, err, "assemble report")
		return
	}
	if err := report.Render(w, format, rep); err != nil {
		httperrors.LogError(r, "render report", err)
	}
}
