package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"meterdash/internal/config"
	"meterdash/internal/models"
)

var (
	ErrExternalCallFailed = errors.New("external call failed")
	ErrNotConfigured      = errors.New("automation webhook not configured")
)

// Payload types understood by the automation backend.
const (
	TypeEnergyAlert      = "energy_alert"
	TypeTicketSubmission = "ticket_submission"
	TypeDataSync         = "data_sync"
	TypeEnergyData       = "energy_data"
	TypeTicketHistory    = "ticket_history"
)

// Client talks to the workflow automation backend with plain
// request/response calls. It never retries.
type Client struct {
	cfg  config.Automation
	HTTP *http.Client
	now  func() time.Time

	// OnDispatch, when set, observes every outbound call.
	OnDispatch func(models.Dispatch)
}

func New(cfg config.Automation) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{cfg: cfg, HTTP: &http.Client{Timeout: timeout}, now: time.Now}
}

func (c *Client) Config() config.Automation { return c.cfg }

func (c *Client) Enabled() bool { return c.cfg.BaseURL != "" }

// URL resolves a webhook path against the base URL. Absolute URLs pass
// through unchanged.
func (c *Client) URL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.cfg.BaseURL + "/" + strings.TrimLeft(path, "/")
}

// Response is the decoded body of a successful call.
type Response struct {
	Status int `json:"status"`
	Body   any `json:"body,omitempty"`
}

func (c *Client) EnergyAlert(ctx context.Context, fields map[string]any) (Response, error) {
	return c.Send(ctx, TypeEnergyAlert, c.cfg.EnergyAlert, fields)
}

func (c *Client) SubmitTicket(ctx context.Context, fields map[string]any) (Response, error) {
	return c.Send(ctx, TypeTicketSubmission, c.cfg.TicketSubmit, fields)
}

func (c *Client) DataSync(ctx context.Context, fields map[string]any) (Response, error) {
	return c.Send(ctx, TypeDataSync, c.cfg.DataSync, fields)
}

func (c *Client) EnergyData(ctx context.Context, p models.EnergyPayload) (Response, error) {
	return c.Send(ctx, TypeEnergyData, c.cfg.EnergyData, map[string]any{
		"equipment":   p.Equipment,
		"consumption": p.Consumption,
		"readingTime": p.Timestamp,
	})
}

// Send posts {type, ...fields, callbackUrl, timestamp} to path. Any 2xx
// response is success; everything else, including a timeout, is
// ErrExternalCallFailed.
func (c *Client) Send(ctx context.Context, kind, path string, fields map[string]any) (Response, error) {
	if path == "" || !c.Enabled() {
		return Response{}, fmt.Errorf("%w: %s", ErrNotConfigured, kind)
	}
	payload := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		payload[k] = v
	}
	payload["type"] = kind
	payload["callbackUrl"] = c.cfg.CallbackURL
	payload["timestamp"] = c.now().UTC().Format(time.RFC3339Nano)
	b, err := json.Marshal(payload)
	if err != nil {
		return Response{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return c.do(ctx, kind, http.MethodPost, c.URL(path), bytes.NewReader(b))
}

// FetchTickets pulls ticket history. The backend may answer with a bare
// array or with {"tickets": [...]}.
func (c *Client) FetchTickets(ctx context.Context) ([]map[string]any, error) {
	if c.cfg.TicketHistory == "" || !c.Enabled() {
		return nil, fmt.Errorf("%w: %s", ErrNotConfigured, TypeTicketHistory)
	}
	res, err := c.do(ctx, TypeTicketHistory, http.MethodGet, c.URL(c.cfg.TicketHistory), nil)
	if err != nil {
		return nil, err
	}
	switch body := res.Body.(type) {
	case []any:
		return objects(body), nil
	case map[string]any:
		if list, ok := body["tickets"].([]any); ok {
			return objects(list), nil
		}
		return []map[string]any{body}, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %s: unexpected body %T", ErrExternalCallFailed, TypeTicketHistory, body)
	}
}

func (c *Client) do(ctx context.Context, kind, method, url string, body io.Reader) (Response, error) {
	start := c.now()
	res, err := c.roundTrip(ctx, method, url, body)
	d := models.Dispatch{TS: start.UTC(), Type: kind, Target: url, Status: "sent", DurationMS: c.now().Sub(start).Milliseconds()}
	if err != nil {
		d.Status = "failed"
		d.Error = err.Error()
	}
	if c.OnDispatch != nil {
		c.OnDispatch(d)
	}
	return res, err
}

func (c *Client) roundTrip(ctx context.Context, method, url string, body io.Reader) (Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return Response{}, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	res, err := c.HTTP.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrExternalCallFailed, err)
	}
	defer res.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return Response{Status: res.StatusCode}, fmt.Errorf("%w: status %d: %s", ErrExternalCallFailed, res.StatusCode, snippet(raw))
	}
	out := Response{Status: res.StatusCode}
	if len(bytes.TrimSpace(raw)) > 0 {
		var v any
		if json.Unmarshal(raw, &v) == nil {
			out.Body = v
		} else {
			out.Body = string(raw)
		}
	}
	return out, nil
}

func objects(list []any) []map[string]any {
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		return s[:200]
	}
	return s
}
