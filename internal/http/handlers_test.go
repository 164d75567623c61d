package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/earth92/appsuite-middleware-sub014/internal/auth"
	"github.com/earth92/appsuite-middleware-sub014/internal/config"
	"github.com/earth92/appsuite-middleware-sub014/internal/push"
	"github.com/earth92/appsuite-middleware-sub014/internal/schedjoules"
	"github.com/earth92/appsuite-middleware-sub014/internal/store"
)

var testUser = &store.User{ID: 7, LoginName: "alice", Mail: "alice@example.com"}

func newTestRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(auth.WithUser(req.Context(), testUser)))
		})
	})
	r.Get("/api/chronos/schedjoules/pages/{id}", h.SchedJoulesPage)
	r.Post("/api/chronos/itip/analyze", h.AnalyzeITIP)
	r.Put("/api/chronos/alarm/{uid}/ack", h.AcknowledgeAlarm)
	r.Put("/api/chronos/alarm/{uid}/snooze", h.SnoozeAlarm)
	r.Post("/api/push/subscriptions", h.CreateSubscription)
	return r
}

type fakeEventRepo struct {
	events  map[string]store.Event
	upserts []store.Event
}

func newFakeEventRepo(events ...store.Event) *fakeEventRepo {
	repo := &fakeEventRepo{events: make(map[string]store.Event)}
	for _, e := range events {
		repo.events[e.UID+"|"+e.RecurrenceID] = e
	}
	return repo
}

func (f *fakeEventRepo) Upsert(_ context.Context, event store.Event) (*store.Event, error) {
	f.events[event.UID+"|"+event.RecurrenceID] = event
	f.upserts = append(f.upserts, event)
	return &event, nil
}

func (f *fakeEventRepo) Get(_ context.Context, _ int64, uid, recurrenceID string) (*store.Event, error) {
	e, ok := f.events[uid+"|"+recurrenceID]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (f *fakeEventRepo) ListByUID(_ context.Context, _ int64, uid string) ([]store.Event, error) {
	var out []store.Event
	for _, e := range f.events {
		if e.UID == uid {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeEventRepo) DeleteByUID(_ context.Context, _ int64, uid string) error {
	for k, e := range f.events {
		if e.UID == uid {
			delete(f.events, k)
		}
	}
	return nil
}

func (f *fakeEventRepo) DeleteInstance(_ context.Context, _ int64, uid, recurrenceID string) error {
	delete(f.events, uid+"|"+recurrenceID)
	return nil
}

type fakeAlarmStates struct {
	acked   []string
	snoozed []string
}

func (f *fakeAlarmStates) Get(_ context.Context, _ int64, _, _ string) (*store.AlarmState, error) {
	return nil, nil
}

func (f *fakeAlarmStates) ListForEvent(_ context.Context, _ int64, _ string) ([]store.AlarmState, error) {
	return nil, nil
}

func (f *fakeAlarmStates) Acknowledge(_ context.Context, _ int64, eventUID, alarmUID string, _ time.Time) error {
	f.acked = append(f.acked, eventUID+"/"+alarmUID)
	return nil
}

func (f *fakeAlarmStates) Snooze(_ context.Context, _ int64, eventUID, alarmUID string, _ time.Time) error {
	f.snoozed = append(f.snoozed, eventUID+"/"+alarmUID)
	return nil
}

func (f *fakeAlarmStates) DeleteForEvent(_ context.Context, _ int64, _ string) error { return nil }

type fakeSubRepo struct {
	subs map[string]store.PushSubscription
}

func (f *fakeSubRepo) Create(_ context.Context, sub store.PushSubscription) (*store.PushSubscription, error) {
	if f.subs == nil {
		f.subs = make(map[string]store.PushSubscription)
	}
	f.subs[sub.ID] = sub
	return &sub, nil
}

func (f *fakeSubRepo) GetByID(_ context.Context, _ int64, id string) (*store.PushSubscription, error) {
	s, ok := f.subs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &s, nil
}

func (f *fakeSubRepo) ListByUser(_ context.Context, userID int64) ([]store.PushSubscription, error) {
	var out []store.PushSubscription
	for _, s := range f.subs {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSubRepo) ListByTransport(_ context.Context, transport string) ([]store.PushSubscription, error) {
	var out []store.PushSubscription
	for _, s := range f.subs {
		if s.Transport == transport {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSubRepo) Delete(_ context.Context, _ int64, id string) error {
	delete(f.subs, id)
	return nil
}

func (f *fakeSubRepo) DeleteByToken(_ context.Context, _, _ string) error { return nil }

func (f *fakeSubRepo) PurgeExpired(_ context.Context, _ time.Time) (int64, error) { return 0, nil }

func testConfig() *config.Config {
	cfg := &config.Config{BaseURL: "https://app.example.com"}
	return cfg
}

func ics(raw string) string {
	return strings.ReplaceAll(strings.TrimLeft(raw, "\n"), "\n", "\r\n")
}

func TestSchedJoulesPageRewritesLinks(t *testing.T) {
	var upstream *httptest.Server
	upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pages/42" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"item_id":42,"url":"` + upstream.URL + `/pages/43"}`))
	}))
	defer upstream.Close()

	cfg := testConfig()
	cfg.SchedJoules.BaseURL = upstream.URL
	client := schedjoules.NewClient(upstream.URL, "key", "en", upstream.Client())
	cache := schedjoules.NewCache(client, time.Minute, 16)
	h := NewHandler(cfg, &store.Store{}, cache, nil, nil, nil, nil)

	rec := httptest.NewRecorder()
	newTestRouter(h).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/chronos/schedjoules/pages/42", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if !strings.Contains(body, "https://app.example.com/api/chronos/schedjoules/pages/43") {
		t.Errorf("upstream link not rewritten: %s", body)
	}
	if strings.Contains(body, upstream.URL) {
		t.Errorf("upstream base leaked to the client: %s", body)
	}
}

func TestSchedJoulesPageErrors(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer upstream.Close()

	cfg := testConfig()
	cfg.SchedJoules.BaseURL = upstream.URL
	cache := schedjoules.NewCache(schedjoules.NewClient(upstream.URL, "key", "en", upstream.Client()), time.Minute, 16)
	h := NewHandler(cfg, &store.Store{}, cache, nil, nil, nil, nil)
	router := newTestRouter(h)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/chronos/schedjoules/pages/99", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for missing upstream page, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/chronos/schedjoules/pages/abc", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for non-numeric page id, got %d", rec.Code)
	}
}

func TestAnalyzeITIPRequest(t *testing.T) {
	h := NewHandler(testConfig(), &store.Store{Events: newFakeEventRepo()}, nil, nil, nil, nil, nil)

	body := ics(`
BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//test//EN
METHOD:REQUEST
BEGIN:VEVENT
UID:evt-1
SEQUENCE:0
DTSTAMP:20240601T120000Z
DTSTART:20240610T100000Z
DTEND:20240610T110000Z
SUMMARY:Standup
ORGANIZER:mailto:organizer@example.com
ATTENDEE;PARTSTAT=NEEDS-ACTION:mailto:alice@example.com
END:VEVENT
END:VCALENDAR
`)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/chronos/itip/analyze", strings.NewReader(body))
	newTestRouter(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Method  string `json:"method"`
		Changes []struct {
			Type string `json:"type"`
			UID  string `json:"uid"`
		} `json:"changes"`
		Actions []string `json:"actions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Method != "REQUEST" {
		t.Errorf("expected method REQUEST, got %q", resp.Method)
	}
	if len(resp.Changes) != 1 || resp.Changes[0].Type != "new" || resp.Changes[0].UID != "evt-1" {
		t.Errorf("unexpected changes: %+v", resp.Changes)
	}
	found := false
	for _, a := range resp.Actions {
		if a == "accept" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected accept action, got %v", resp.Actions)
	}
}

func TestAnalyzeITIPRejectsNonSchedulingData(t *testing.T) {
	h := NewHandler(testConfig(), &store.Store{Events: newFakeEventRepo()}, nil, nil, nil, nil, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/chronos/itip/analyze", strings.NewReader("not an icalendar stream"))
	newTestRouter(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func alarmEventRow() store.Event {
	return store.Event{
		UserID: testUser.ID,
		UID:    "evt-1",
		RawICAL: ics(`
BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//test//EN
BEGIN:VEVENT
UID:evt-1
DTSTAMP:20240601T120000Z
DTSTART:20240610T100000Z
DTEND:20240610T110000Z
SUMMARY:Standup
BEGIN:VALARM
UID:alarm-1
ACTION:DISPLAY
DESCRIPTION:Reminder
TRIGGER:-PT10M
END:VALARM
END:VEVENT
END:VCALENDAR
`),
	}
}

func TestAcknowledgeAlarm(t *testing.T) {
	events := newFakeEventRepo(alarmEventRow())
	alarms := &fakeAlarmStates{}
	h := NewHandler(testConfig(), &store.Store{Events: events, AlarmStates: alarms}, nil, nil, nil, nil, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/api/chronos/alarm/evt-1/ack",
		strings.NewReader(`{"alarm_uid":"alarm-1","at":"2024-06-10T09:55:00Z"}`))
	newTestRouter(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(events.upserts) != 1 {
		t.Fatalf("expected one upsert, got %d", len(events.upserts))
	}
	if !strings.Contains(events.upserts[0].RawICAL, "ACKNOWLEDGED") {
		t.Errorf("acknowledgement not written back into the stored object")
	}
	if len(alarms.acked) != 1 || alarms.acked[0] != "evt-1/alarm-1" {
		t.Errorf("alarm state not recorded: %v", alarms.acked)
	}
}

func TestSnoozeAlarm(t *testing.T) {
	events := newFakeEventRepo(alarmEventRow())
	alarms := &fakeAlarmStates{}
	h := NewHandler(testConfig(), &store.Store{Events: events, AlarmStates: alarms}, nil, nil, nil, nil, nil)
	router := newTestRouter(h)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/api/chronos/alarm/evt-1/snooze",
		strings.NewReader(`{"alarm_uid":"alarm-1"}`))
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without until, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPut, "/api/chronos/alarm/evt-1/snooze",
		strings.NewReader(`{"alarm_uid":"alarm-1","until":"2024-06-10T10:05:00Z"}`))
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(alarms.snoozed) != 1 || alarms.snoozed[0] != "evt-1/alarm-1" {
		t.Errorf("snooze not recorded: %v", alarms.snoozed)
	}
	if !strings.Contains(events.upserts[len(events.upserts)-1].RawICAL, "20240610T100500Z") {
		t.Errorf("snoozed trigger not written back into the stored object")
	}
}

func TestAlarmForUnknownEvent(t *testing.T) {
	h := NewHandler(testConfig(), &store.Store{Events: newFakeEventRepo(), AlarmStates: &fakeAlarmStates{}}, nil, nil, nil, nil, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/api/chronos/alarm/nope/ack",
		strings.NewReader(`{"alarm_uid":"alarm-1"}`))
	newTestRouter(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestCreateSubscription(t *testing.T) {
	repo := &fakeSubRepo{}
	registry := push.NewRegistry(repo, push.NewWebSocketGateway())
	h := NewHandler(testConfig(), &store.Store{}, nil, registry, nil, nil, nil)
	router := newTestRouter(h)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/push/subscriptions",
		strings.NewReader(`{"transport":"websocket","client":"web"}`))
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(repo.subs) != 1 {
		t.Errorf("expected one persisted subscription, got %d", len(repo.subs))
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/push/subscriptions",
		strings.NewReader(`{"transport":"apns"}`))
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without token, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/push/subscriptions",
		strings.NewReader(`{"transport":"carrier-pigeon","token":"coo"}`))
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown transport, got %d", rec.Code)
	}
}
