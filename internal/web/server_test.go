package web

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"meterdash/internal/automation"
	"meterdash/internal/broadcast"
	"meterdash/internal/cache"
	"meterdash/internal/config"
	"meterdash/internal/db"
	"meterdash/internal/metrics"
	"meterdash/internal/models"
	"meterdash/internal/sender"
	"meterdash/internal/source"
	"meterdash/internal/synth"
	"meterdash/internal/tickets"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

type fixture struct {
	srv     *Server
	handler http.Handler
	store   *tickets.Store
	hub     *broadcast.Hub
	calls   []string
	status  int
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	write := func(name string, lines ...string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(strings.Join(lines, "\n")), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	write("device1.csv",
		"date,equipment,maxKwH,maxDemand",
		"01-12-2025 00:00:00,MFM 1,100,2",
		"01-12-2025 01:00:00,MFM 1,104,4",
		"not a date,MFM 1,1,1",
		"01-12-2025 02:00:00,MFM 1,110,6",
	)
	write("daily.csv",
		"Tenx Health Technologies",
		",",
		"Description,SequenceNo,1-Dec-2025",
		"MFM 1,1,120.5",
		",2,",
		"MFM 2,3,80",
	)

	sqldb, err := db.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = sqldb.Close() })
	if err := db.Migrate(sqldb); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	f := &fixture{status: http.StatusOK}
	loader := source.NewLoader([]string{dir})
	series := cache.New([]source.Spec{
		{ID: "1", File: "device1.csv", Equipment: "MFM 1"},
		{ID: "2", File: "device2.csv", Equipment: "MFM 2"},
	}, loader, source.NewNormalizer([]string{"02-01-2006 15:04:05"}, time.UTC), testLogger())
	gen := synth.NewGenerator(series, map[string]string{"1": "MFM 1", "2": "MFM 2"}, time.UTC)

	auto := automation.New(config.Automation{
		BaseURL:       "http://n8n.local",
		CallbackURL:   "http://dash.local/webhook",
		Timeout:       time.Second,
		EnergyAlert:   "/webhook/energy-alert",
		TicketSubmit:  "/webhook/ticket-submit",
		DataSync:      "/webhook/data-sync",
		EnergyData:    "/webhook/energy-data",
		TicketHistory: "/webhook/tickets",
	})
	auto.HTTP = &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		f.calls = append(f.calls, r.Method+" "+r.URL.Path)
		body := `{"ok":true}`
		if r.URL.Path == "/webhook/tickets" {
			body = `[{"ticketId":"T2","subject":"newer"},{"ticketId":"T1","subject":"older","priority":"low"}]`
		}
		return &http.Response{StatusCode: f.status, Body: io.NopCloser(strings.NewReader(body)), Header: make(http.Header)}, nil
	})}

	f.store = tickets.NewStore(tickets.DefaultCapacity)
	f.hub = broadcast.NewHub(16, testLogger())
	f.srv = NewServer(Deps{
		Series:     series,
		Loader:     loader,
		Daily:      source.Spec{ID: "daily", File: "daily.csv", Marker: "Description"},
		Generator:  gen,
		Tickets:    f.store,
		Syncer:     tickets.NewSyncer(auto, f.store, testLogger()),
		Hub:        f.hub,
		Automation: auto,
		Sender:     sender.NewService(gen, nil, nil, time.Hour, testLogger()),
		Repo:       db.NewRepository(sqldb),
		Metrics:    metrics.New(),
	}, testLogger())
	t.Cleanup(func() { _ = f.srv.Sender.Close() })
	f.handler = f.srv.Routes()
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(method, path, rd))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHistoricalAndErrors(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/energy/device/1/historical", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	readings := decode[[]models.Reading](t, rec)
	if len(readings) != 3 || readings[2].Demand != 6 || readings[0].EquipmentTag != "MFM 1" {
		t.Fatalf("readings = %+v", readings)
	}

	if rec := f.do(t, http.MethodGet, "/api/energy/device/9/historical", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown device status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/energy/device/2/historical", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing source status = %d", rec.Code)
	}
}

func TestHourlySkipsUnavailableDevices(t *testing.T) {
	f := newFixture(t)
	readings := decode[[]models.Reading](t, f.do(t, http.MethodGet, "/api/energy/hourly", ""))
	if len(readings) != 3 {
		t.Fatalf("readings = %d", len(readings))
	}
}

func TestStatisticsDegradePerDevice(t *testing.T) {
	f := newFixture(t)
	out := decode[map[string]deviceStats](t, f.do(t, http.MethodGet, "/api/energy/statistics", ""))
	one := out["1"]
	if one.Error != "" || one.Demand.Avg != 4 || one.Demand.Max != 6 {
		t.Fatalf("device 1 = %+v", one)
	}
	// Interval energy: 104-100, 110-104.
	if one.Consumption.Avg != 5 || one.Consumption.Min != 4 {
		t.Fatalf("device 1 consumption = %+v", one.Consumption)
	}
	two := out["2"]
	if two.Error == "" || two.Demand != (models.Statistics{}) {
		t.Fatalf("device 2 = %+v", two)
	}
}

func TestDailyRecords(t *testing.T) {
	f := newFixture(t)
	rows := decode[[]map[string]string](t, f.do(t, http.MethodGet, "/api/energy/daily", ""))
	if len(rows) != 2 || rows[0]["Description"] != "MFM 1" || rows[1]["1-Dec-2025"] != "80" {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestGenerateDummy(t *testing.T) {
	f := newFixture(t)
	out := decode[[]generated](t, f.do(t, http.MethodPost, "/api/energy/generate-dummy?breach=true", ""))
	if len(out) != 2 {
		t.Fatalf("entries = %d", len(out))
	}
	if out[0].Error != "" || out[0].Demand < out[0].Stats.Max || !out[0].ForcedBreach {
		t.Fatalf("device 1 = %+v", out[0])
	}
	if out[1].DeviceID != "2" || out[1].Error == "" {
		t.Fatalf("device 2 = %+v", out[1])
	}
}

func TestWebhookMergesTicketBearingEvents(t *testing.T) {
	f := newFixture(t)
	sub := f.hub.Subscribe()

	rec := f.do(t, http.MethodPost, "/webhook", `{"ticketId":"T1","subject":"A","priority":"low"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	f.do(t, http.MethodPost, "/webhook", `{"ticketId":"T1","priority":"high"}`)
	f.do(t, http.MethodPost, "/webhook", `{"workflow":"heartbeat"}`)

	list := f.store.List()
	if len(list) != 1 || list[0].Priority != models.PriorityHigh || list[0].Subject != "A" || list[0].Source != "n8n" {
		t.Fatalf("tickets = %+v", list)
	}
	if got := len(sub.C()); got != 1 {
		t.Fatalf("relayed events = %d, want 1", got)
	}
	var ev broadcast.Event
	if err := json.Unmarshal(<-sub.C(), &ev); err != nil || ev.Type != broadcast.TypeAutomation {
		t.Fatalf("event = %+v err %v", ev, err)
	}
}

func TestTicketWebhookAssignsIdentity(t *testing.T) {
	f := newFixture(t)
	resp := decode[struct {
		Action string        `json:"action"`
		Ticket models.Ticket `json:"ticket"`
	}](t, f.do(t, http.MethodPost, "/webhook/ticket", `{"message":"meter offline","alertType":"night_anomaly"}`))
	if !strings.HasPrefix(resp.Ticket.ID, "T-") || resp.Action != string(tickets.ActionCreated) {
		t.Fatalf("response = %+v", resp)
	}
	if resp.Ticket.Subject != tickets.WebhookSubject || resp.Ticket.Status != models.TicketOpen || resp.Ticket.Description != "meter offline" {
		t.Fatalf("ticket = %+v", resp.Ticket)
	}

	f.do(t, http.MethodPost, "/webhook/ticket", `{"ticketId":"T-5","subject":"Night spike"}`)
	f.do(t, http.MethodPost, "/webhook/ticket", `{"ticketId":"T-5","status":"closed"}`)
	got, _ := f.store.Get("T-5")
	if got.Subject != "Night spike" || got.Status != models.TicketClosed {
		t.Fatalf("updated ticket = %+v", got)
	}
}

func TestSubmitTicket(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(t, http.MethodPost, "/api/tickets", `{"description":"no subject"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing subject status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/tickets", `{not json`); rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed status = %d", rec.Code)
	}

	if rec := f.do(t, http.MethodPost, "/api/tickets", `{"subject":"x","priority":"urgent","status":"banana"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("out-of-set status = %d", rec.Code)
	}
	if f.store.Len() != 0 {
		t.Fatalf("rejected ticket stored: %+v", f.store.List())
	}

	rec := f.do(t, http.MethodPost, "/api/tickets", `{"subject":"Check MFM 2","priority":"critical"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body)
	}
	resp := decode[struct {
		Forwarded bool          `json:"forwarded"`
		Ticket    models.Ticket `json:"ticket"`
	}](t, rec)
	if !resp.Forwarded || resp.Ticket.Origin != models.OriginManual || resp.Ticket.Priority != models.PriorityCritical {
		t.Fatalf("response = %+v", resp)
	}
	if len(f.calls) != 1 || f.calls[0] != "POST /webhook/ticket-submit" {
		t.Fatalf("calls = %v", f.calls)
	}
}

func TestSyncTicketsMergesOldestFirst(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/tickets/sync", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	list := f.store.List()
	if len(list) != 2 || list[0].ID != "T2" || list[1].ID != "T1" {
		t.Fatalf("tickets = %+v", list)
	}
}

func TestAutomationFailureIs502(t *testing.T) {
	f := newFixture(t)
	f.status = http.StatusInternalServerError
	rec := f.do(t, http.MethodPost, "/api/n8n/energy-alert", `{"equipment":"MFM 1","consumption":30}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode[map[string]any](t, rec)
	if body["success"] != false || body["error"] == "" {
		t.Fatalf("body = %v", body)
	}
}

func TestAutoSenderControlIsIdempotent(t *testing.T) {
	f := newFixture(t)
	type reply struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	if r := decode[reply](t, f.do(t, http.MethodPost, "/api/stop-auto-sender", "")); r.Success || r.Message != "Auto sender is not running" {
		t.Fatalf("stop idle = %+v", r)
	}
	if r := decode[reply](t, f.do(t, http.MethodPost, "/api/start-auto-sender", "")); !r.Success {
		t.Fatalf("start = %+v", r)
	}
	if r := decode[reply](t, f.do(t, http.MethodPost, "/api/start-auto-sender", "")); r.Success || r.Message != "Auto sender is already running" {
		t.Fatalf("start again = %+v", r)
	}
	if r := decode[map[string]any](t, f.do(t, http.MethodGet, "/api/auto-sender-status", "")); r["running"] != true {
		t.Fatalf("status = %v", r)
	}
	if r := decode[reply](t, f.do(t, http.MethodPost, "/api/stop-auto-sender", "")); !r.Success {
		t.Fatalf("stop = %+v", r)
	}
}

func TestEnergyUpdateBroadcasts(t *testing.T) {
	f := newFixture(t)
	sub := f.hub.Subscribe()
	rec := f.do(t, http.MethodPost, "/api/energy/hourly", `{"equipment":"MFM 1","consumption":12}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var ev broadcast.Event
	if err := json.Unmarshal(<-sub.C(), &ev); err != nil || ev.Type != broadcast.TypeEnergyUpdate {
		t.Fatalf("event = %+v err %v", ev, err)
	}
}

func TestWebSocketSendsSnapshotFirst(t *testing.T) {
	f := newFixture(t)
	if _, err := f.store.Apply(tickets.PathRealtime, models.TicketPatch{ID: "T1"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev struct {
		Type string          `json:"type"`
		Data []models.Ticket `json:"data"`
	}
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != broadcast.TypeTicketsSnapshot || len(ev.Data) != 1 || ev.Data[0].ID != "T1" {
		t.Fatalf("snapshot = %+v", ev)
	}
}

func TestReadyzAndMetrics(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(t, http.MethodGet, "/readyz", ""); rec.Code != http.StatusOK {
		t.Fatalf("readyz = %d", rec.Code)
	}
	f.do(t, http.MethodGet, "/api/tickets", "")
	rec := f.do(t, http.MethodGet, "/metrics", "")
	if !strings.Contains(rec.Body.String(), `meterdash_http_requests_total{route="/api/tickets`) {
		t.Fatalf("route not counted:\n%s", rec.Body.String())
	}
}

func TestDispatchesAndBreachesEmpty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.srv.Repo.InsertDispatches(ctx, []models.Dispatch{{TS: time.Now().UTC(), Type: automation.TypeEnergyAlert, Target: "x", Status: "sent"}})
	items := decode[[]models.Dispatch](t, f.do(t, http.MethodGet, "/api/dispatches?type=energy_alert", ""))
	if len(items) != 1 {
		t.Fatalf("dispatches = %+v", items)
	}
	breaches := decode[[]models.Breach](t, f.do(t, http.MethodGet, "/api/breaches?range=1h", ""))
	if len(breaches) != 0 {
		t.Fatalf("breaches = %+v", breaches)
	}
}
