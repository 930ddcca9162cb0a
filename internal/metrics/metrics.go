package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the process collectors on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	reg *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	merges       *prometheus.CounterVec
	dropped      prometheus.Counter
	dispatches   *prometheus.CounterVec
	sourceLoads  *prometheus.CounterVec
	observers    prometheus.Gauge
	readings     *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meterdash_http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "meterdash_http_request_duration_seconds",
			Help:    "HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		merges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meterdash_ticket_merges_total",
			Help: "Ticket merges by origin path and result.",
		}, []string{"path", "result"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meterdash_broadcast_dropped_total",
			Help: "Events dropped from lagging observer queues.",
		}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meterdash_dispatch_total",
			Help: "Outbound calls by payload type and result.",
		}, []string{"type", "result"}),
		sourceLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meterdash_source_loads_total",
			Help: "Tabular source loads by result.",
		}, []string{"result"}),
		observers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meterdash_observers",
			Help: "Connected websocket observers.",
		}),
		readings: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meterdash_device_readings",
			Help: "Cached readings per device.",
		}, []string{"device"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.httpDuration,
		m.merges,
		m.dropped,
		m.dispatches,
		m.sourceLoads,
		m.observers,
		m.readings,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// Hijack lets websocket upgrades pass through the recorder.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// Middleware records request counts and durations. route names the label
// value for a request, typically the matched route pattern.
func (m *Metrics) Middleware(route func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m == nil {
				next.ServeHTTP(w, r)
				return
			}
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rec, r)
			name := route(r)
			m.httpRequests.WithLabelValues(name, strconv.Itoa(rec.status)).Inc()
			m.httpDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		})
	}
}

func (m *Metrics) TicketMerged(path, result string) {
	if m == nil {
		return
	}
	m.merges.WithLabelValues(path, result).Inc()
}

func (m *Metrics) BroadcastDropped(n int) {
	if m == nil {
		return
	}
	m.dropped.Add(float64(n))
}

func (m *Metrics) Dispatched(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.dispatches.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) SourceLoaded(device string, readings int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.sourceLoads.WithLabelValues("error").Inc()
		return
	}
	m.sourceLoads.WithLabelValues("ok").Inc()
	m.readings.WithLabelValues(device).Set(float64(readings))
}

func (m *Metrics) Observers(n int) {
	if m == nil {
		return
	}
	m.observers.Set(float64(n))
}
