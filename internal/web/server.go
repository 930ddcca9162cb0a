package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"meterdash/internal/automation"
	"meterdash/internal/broadcast"
	"meterdash/internal/cache"
	"meterdash/internal/db"
	"meterdash/internal/metrics"
	"meterdash/internal/models"
	"meterdash/internal/sender"
	"meterdash/internal/source"
	"meterdash/internal/stats"
	"meterdash/internal/synth"
	"meterdash/internal/tickets"
)

var errMalformedInput = errors.New("malformed input")

const maxBody = 1 << 20

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Deps are the components the HTTP surface reads from and drives. Daily
// with an empty File disables the combined export endpoint.
type Deps struct {
	Series     *cache.Cache
	Loader     *source.Loader
	Daily      source.Spec
	Generator  *synth.Generator
	Tickets    *tickets.Store
	Syncer     *tickets.Syncer
	Hub        *broadcast.Hub
	Automation *automation.Client
	Sender     *sender.Service
	Repo       *db.Repository
	Metrics    *metrics.Metrics
}

type Server struct {
	Deps
	log *slog.Logger
	now func() time.Time
}

func NewServer(deps Deps, logger *slog.Logger) *Server {
	return &Server{Deps: deps, log: logger, now: time.Now}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logMiddleware(s.log))
	r.Use(s.Metrics.Middleware(routePattern))

	r.Route("/api/energy", func(r chi.Router) {
		r.Get("/hourly", s.handleHourly)
		r.Post("/hourly", s.handleEnergyUpdate)
		r.Get("/daily", s.handleDaily)
		r.Get("/device/{deviceId}/historical", s.handleHistorical)
		r.Get("/statistics", s.handleStatistics)
		r.Post("/generate-dummy", s.handleGenerate)
	})
	r.Route("/api/tickets", func(r chi.Router) {
		r.Get("/", s.handleTickets)
		r.Post("/", s.handleSubmitTicket)
		r.Post("/sync", s.handleSyncTickets)
		r.Get("/{ticketId}/history", s.handleTicketHistory)
	})
	r.Route("/api/n8n", func(r chi.Router) {
		r.Post("/energy-alert", s.handleEnergyAlert)
		r.Post("/submit-ticket", s.handleForwardTicket)
		r.Post("/sync", s.handleDataSync)
		r.Get("/config", s.handleAutomationConfig)
	})
	r.Post("/webhook", s.handleWebhook)
	r.Post("/webhook/ticket", s.handleTicketWebhook)

	r.Post("/api/send-dummy-data", s.handleSendOnce)
	r.Post("/api/start-auto-sender", s.handleStartSender)
	r.Post("/api/stop-auto-sender", s.handleStopSender)
	r.Get("/api/auto-sender-status", s.handleSenderStatus)

	r.Get("/api/dispatches", s.handleDispatches)
	r.Get("/api/breaches", s.handleBreaches)
	r.Get("/ws", s.handleWebSocket)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if s.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.Metrics.Handler())
	}
	return r
}

func (s *Server) handleHourly(w http.ResponseWriter, r *http.Request) {
	out := []models.Reading{}
	for _, id := range s.Series.Devices() {
		readings, err := s.Series.Load(id)
		if err != nil {
			s.log.Warn("device history unavailable", "device", id, "err", err)
			continue
		}
		out = append(out, readings...)
	}
	writeJSON(w, out)
}

func (s *Server) handleEnergyUpdate(w http.ResponseWriter, r *http.Request) {
	body, err := decodeObject(r, true)
	if err != nil {
		writeError(w, err)
		return
	}
	s.Hub.Publish(broadcast.Event{Type: broadcast.TypeEnergyUpdate, Data: body})
	writeJSON(w, map[string]any{"status": "success", "message": "Energy data received and broadcasted", "data": body})
}

func (s *Server) handleDaily(w http.ResponseWriter, r *http.Request) {
	if s.Daily.File == "" {
		writeJSON(w, []map[string]string{})
		return
	}
	t, err := s.Loader.Load(s.Daily)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, t.Records())
}

func (s *Server) handleHistorical(w http.ResponseWriter, r *http.Request) {
	readings, err := s.Series.Load(chi.URLParam(r, "deviceId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, readings)
}

type deviceStats struct {
	Demand      models.Statistics `json:"demand"`
	Consumption models.Statistics `json:"consumption"`
	Error       string            `json:"error,omitempty"`
}

// handleStatistics never fails as a whole; a device without history reports
// empty statistics and the reason.
func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]deviceStats, len(s.Series.Devices()))
	for _, id := range s.Series.Devices() {
		readings, err := s.Series.Load(id)
		entry := deviceStats{
			Demand:      stats.ComputeStats(readings, stats.Demand),
			Consumption: stats.ComputeStats(readings, stats.IntervalEnergy),
		}
		if err != nil {
			entry.Error = err.Error()
		}
		out[id] = entry
	}
	writeJSON(w, out)
}

type generated struct {
	models.SyntheticReading
	Error string `json:"error,omitempty"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	breach, _ := strconv.ParseBool(r.URL.Query().Get("breach"))
	results := s.Generator.GenerateAll(breach)
	out := make([]generated, 0, len(results))
	for _, res := range results {
		if res.Err != nil {
			out = append(out, generated{SyntheticReading: models.SyntheticReading{DeviceID: res.DeviceID}, Error: res.Err.Error()})
			continue
		}
		out = append(out, generated{SyntheticReading: res.Reading})
	}
	writeJSON(w, out)
}

func (s *Server) handleTickets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Tickets.List())
}

// handleSubmitTicket creates a manual ticket locally and forwards it to the
// automation backend when one is configured. A failed forward does not undo
// the local ticket.
func (s *Server) handleSubmitTicket(w http.ResponseWriter, r *http.Request) {
	body, err := decodeObject(r, false)
	if err != nil {
		writeError(w, err)
		return
	}
	subject, _ := body["subject"].(string)
	if strings.TrimSpace(subject) == "" {
		writeError(w, fmt.Errorf("%w: subject is required", errMalformedInput))
		return
	}
	if bad := tickets.InvalidEnums(body); len(bad) > 0 {
		writeError(w, fmt.Errorf("%w: unsupported value for %s", errMalformedInput, strings.Join(bad, ", ")))
		return
	}
	patch := tickets.DecodeEvent(body)
	patch.ID = tickets.NewID()
	change, err := s.Tickets.Apply(tickets.PathManual, patch)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]any{"success": true, "ticket": change.Ticket, "forwarded": false}
	if s.Automation.Enabled() {
		if _, err := s.Automation.SubmitTicket(r.Context(), ticketFields(change.Ticket)); err != nil {
			s.log.Warn("manual ticket not forwarded", "ticket", change.Ticket.ID, "err", err)
			resp["forwardError"] = err.Error()
		} else {
			resp["forwarded"] = true
		}
	}
	writeJSONStatus(w, http.StatusCreated, resp)
}

func (s *Server) handleSyncTickets(w http.ResponseWriter, r *http.Request) {
	changes, err := s.Syncer.Sync(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"success": true, "merged": len(changes), "tickets": s.Tickets.List()})
}

func (s *Server) handleTicketHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	events, err := s.Repo.TicketHistory(r.Context(), chi.URLParam(r, "ticketId"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, events)
}

func (s *Server) handleEnergyAlert(w http.ResponseWriter, r *http.Request) {
	s.forward(w, r, s.Automation.EnergyAlert)
}

func (s *Server) handleForwardTicket(w http.ResponseWriter, r *http.Request) {
	s.forward(w, r, s.Automation.SubmitTicket)
}

func (s *Server) forward(w http.ResponseWriter, r *http.Request, call func(ctx context.Context, fields map[string]any) (automation.Response, error)) {
	body, err := decodeObject(r, true)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := call(r.Context(), body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"success": true, "data": res.Body})
}

func (s *Server) handleDataSync(w http.ResponseWriter, r *http.Request) {
	hourly := []models.Reading{}
	for _, id := range s.Series.Devices() {
		if readings, err := s.Series.Load(id); err == nil {
			hourly = append(hourly, readings...)
		}
	}
	daily := []map[string]string{}
	if s.Daily.File != "" {
		if t, err := s.Loader.Load(s.Daily); err == nil {
			daily = t.Records()
		} else {
			s.log.Warn("combined export unavailable", "err", err)
		}
	}
	res, err := s.Automation.DataSync(r.Context(), map[string]any{"hourlyData": hourly, "dailyData": daily})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"success": true, "data": res.Body})
}

func (s *Server) handleAutomationConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.Automation.Config()
	writeJSON(w, map[string]any{
		"isConfigured": s.Automation.Enabled(),
		"baseUrl":      cfg.BaseURL,
		"webhooks":     cfg,
	})
}

// handleWebhook accepts any event pushed back by the automation backend.
// Ticket-bearing events are merged and reach observers through the store's
// watchers; anything else is relayed as is.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := decodeObject(r, false)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]any{"status": "success", "message": "Update broadcasted"}
	if !tickets.IsTicketBearing(body) {
		s.Hub.Publish(broadcast.Event{Type: broadcast.TypeAutomation, Data: body})
		writeJSON(w, resp)
		return
	}
	change, err := s.Tickets.Apply(tickets.PathRealtime, pushedPatch(body))
	if err != nil {
		writeError(w, err)
		return
	}
	resp["ticket"] = change.Ticket
	resp["action"] = change.Action
	writeJSON(w, resp)
}

// handleTicketWebhook treats every event as a ticket, assigning an identity
// when the event has none. A new ticket without a subject gets WebhookSubject.
func (s *Server) handleTicketWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := decodeObject(r, false)
	if err != nil {
		writeError(w, err)
		return
	}
	patch := pushedPatch(body)
	if patch.ID == "" {
		patch.ID = tickets.NewID()
	}
	if patch.Subject == nil {
		if _, ok := s.Tickets.Get(patch.ID); !ok {
			subject := tickets.WebhookSubject
			patch.Subject = &subject
		}
	}
	change, err := s.Tickets.Apply(tickets.PathRealtime, patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"status": "success", "action": change.Action, "ticket": change.Ticket})
}

func pushedPatch(body map[string]any) models.TicketPatch {
	p := tickets.DecodeEvent(body)
	if p.Source == nil {
		src := "n8n"
		p.Source = &src
	}
	return p
}

func (s *Server) handleSendOnce(w http.ResponseWriter, r *http.Request) {
	body, err := decodeObject(r, true)
	if err != nil {
		writeError(w, err)
		return
	}
	force, _ := body["forceAnomaly"].(bool)
	if v := r.URL.Query().Get("breach"); v != "" {
		force, _ = strconv.ParseBool(v)
	}
	deliveries, err := s.Sender.SendOnce(r.Context(), force)
	if err != nil {
		writeJSONStatus(w, http.StatusServiceUnavailable, map[string]any{"success": false, "error": err.Error()})
		return
	}
	success := true
	for _, d := range deliveries {
		if d.Error != "" {
			success = false
		}
	}
	writeJSON(w, map[string]any{"success": success, "dataSent": deliveries})
}

func (s *Server) handleStartSender(w http.ResponseWriter, r *http.Request) {
	st, started := s.Sender.Start()
	msg := "Auto sender started at " + st.Interval + " interval"
	if !started {
		msg = "Auto sender is already running"
	}
	writeJSON(w, map[string]any{"success": started, "message": msg, "status": st})
}

func (s *Server) handleStopSender(w http.ResponseWriter, r *http.Request) {
	st, stopped := s.Sender.Stop()
	msg := "Auto sender stopped"
	if !stopped {
		msg = "Auto sender is not running"
	}
	writeJSON(w, map[string]any{"success": stopped, "message": msg, "status": st})
}

func (s *Server) handleSenderStatus(w http.ResponseWriter, r *http.Request) {
	st := s.Sender.Status()
	msg := "Auto sender is stopped"
	if st.Running {
		msg = "Auto sender is running"
	}
	writeJSON(w, map[string]any{"running": st.Running, "message": msg, "status": st})
}

func (s *Server) handleDispatches(w http.ResponseWriter, r *http.Request) {
	items, err := s.Repo.RecentDispatches(r.Context(), r.URL.Query().Get("type"), queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, items)
}

func (s *Server) handleBreaches(w http.ResponseWriter, r *http.Request) {
	since := s.now().Add(-parseRange(r.URL.Query().Get("range"))).UTC()
	items, err := s.Repo.RecentBreaches(r.Context(), since, queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, items)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade", "err", err)
		return
	}
	broadcast.Serve(s.Hub, conn, func() []byte {
		b, err := json.Marshal(broadcast.Event{Type: broadcast.TypeTicketsSnapshot, Data: s.Tickets.List(), TS: s.now().UTC()})
		if err != nil {
			return nil
		}
		return b
	}, s.log)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.Repo.Ping(r.Context()); err != nil {
		http.Error(w, "db not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func ticketFields(t models.Ticket) map[string]any {
	fields := map[string]any{
		"ticketId":    t.ID,
		"subject":     t.Subject,
		"description": t.Description,
		"status":      t.Status,
		"priority":    t.Priority,
		"origin":      t.Origin,
	}
	if t.Equipment != "" {
		fields["equipment"] = t.Equipment
	}
	return fields
}

// decodeObject reads a JSON object body. An empty body is an empty object
// when optional is set.
func decodeObject(r *http.Request, optional bool) (map[string]any, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedInput, err)
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		if optional {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("%w: empty body", errMalformedInput)
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedInput, err)
	}
	if body == nil {
		return nil, fmt.Errorf("%w: body must be a JSON object", errMalformedInput)
	}
	return body, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errMalformedInput), errors.Is(err, tickets.ErrMissingID):
		return http.StatusBadRequest
	case errors.Is(err, cache.ErrUnknownDevice), errors.Is(err, source.ErrSourceNotFound), errors.Is(err, synth.ErrNoHistory):
		return http.StatusNotFound
	case errors.Is(err, source.ErrHeaderNotFound), errors.Is(err, source.ErrSourceUnreadable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, automation.ErrNotConfigured):
		return http.StatusServiceUnavailable
	case errors.Is(err, automation.ErrExternalCallFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps err onto a status. Automation failures carry the
// success flag the dashboard checks.
func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	body := map[string]any{"error": err.Error()}
	if status == http.StatusBadGateway || status == http.StatusServiceUnavailable {
		body["success"] = false
	}
	writeJSONStatus(w, status, body)
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func queryInt(r *http.Request, key string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && v > 0 {
		return v
	}
	return def
}

func parseRange(v string) time.Duration {
	if v == "" {
		return 24 * time.Hour
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 24 * time.Hour
	}
	return d
}
