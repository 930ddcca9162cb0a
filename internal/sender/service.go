package sender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"meterdash/internal/automation"
	"meterdash/internal/models"
	"meterdash/internal/synth"
)

const DefaultInterval = 30 * time.Second

var ErrNothingGenerated = errors.New("no device produced a reading")

type Generator interface {
	GenerateAll(forceBreach bool) []synth.Result
}

type Watcher interface {
	Evaluate(ctx context.Context, r models.SyntheticReading)
}

// Delivery is the outcome of publishing one reading to one sink.
type Delivery struct {
	DeviceID    string    `json:"deviceId"`
	Equipment   string    `json:"equipment"`
	Consumption float64   `json:"consumption"`
	Timestamp   time.Time `json:"timestamp"`
	Sink        string    `json:"sink,omitempty"`
	Error       string    `json:"error,omitempty"`
}

type Status struct {
	Running   bool       `json:"running"`
	Interval  string     `json:"interval"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	LastRun   *time.Time `json:"lastRun,omitempty"`
	Cycles    int        `json:"cycles"`
	LastError string     `json:"lastError,omitempty"`
	Sinks     []string   `json:"sinks"`
}

// Service pushes one synthetic reading per device to every sink, once on
// demand or periodically between Start and Stop. A failed cycle is not
// retried; the next tick is the retry.
type Service struct {
	gen      Generator
	sinks    []Sink
	watch    Watcher
	log      *slog.Logger
	interval time.Duration
	now      func() time.Time

	// OnReading observes every generated reading. OnDispatch observes
	// publishes to sinks that do not record their own dispatches.
	OnReading  func(models.SyntheticReading)
	OnDispatch func(models.Dispatch)

	base       context.Context
	baseCancel context.CancelFunc

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time
	lastRun   time.Time
	cycles    int
	lastErr   string
}

func NewService(gen Generator, sinks []Sink, watch Watcher, interval time.Duration, logger *slog.Logger) *Service {
	if interval <= 0 {
		interval = DefaultInterval
	}
	base, cancel := context.WithCancel(context.Background())
	return &Service{
		gen: gen, sinks: sinks, watch: watch, log: logger, interval: interval, now: time.Now,
		base: base, baseCancel: cancel,
	}
}

// Start begins periodic sending. It reports false when already running.
func (s *Service) Start() (Status, bool) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return s.Status(), false
	}
	ctx, cancel := context.WithCancel(s.base)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.startedAt = s.now()
	s.mu.Unlock()

	go s.loop(ctx, done)
	s.log.Info("auto sender started", "interval", s.interval)
	return s.Status(), true
}

// Stop ends periodic sending and waits for an in-flight cycle to finish. It
// reports false when not running.
func (s *Service) Stop() (Status, bool) {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return s.Status(), false
	}
	s.cancel()
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()
	<-done
	s.log.Info("auto sender stopped")
	return s.Status(), true
}

func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{Running: s.cancel != nil, Interval: s.interval.String(), Cycles: s.cycles, LastError: s.lastErr, Sinks: s.sinkNames()}
	if st.Running {
		t := s.startedAt
		st.StartedAt = &t
	}
	if !s.lastRun.IsZero() {
		t := s.lastRun
		st.LastRun = &t
	}
	return st
}

// Close stops the loop, waits for an in-flight cycle and closes the sinks.
func (s *Service) Close() error {
	s.Stop()
	s.baseCancel()
	var errs []error
	for _, sink := range s.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s sink: %w", sink.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(s.interval)
	defer t.Stop()
	s.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.cycle(ctx)
		}
	}
}

func (s *Service) cycle(ctx context.Context) {
	_, err := s.SendOnce(ctx, false)
	s.mu.Lock()
	s.cycles++
	s.lastRun = s.now()
	s.lastErr = ""
	if err != nil {
		s.lastErr = err.Error()
	}
	s.mu.Unlock()
}

// SendOnce generates one reading per device and publishes it to every sink.
// Devices that cannot generate are skipped; the error is non-nil only when
// no device produced a reading.
func (s *Service) SendOnce(ctx context.Context, forceBreach bool) ([]Delivery, error) {
	var (
		out  []Delivery
		errs []error
	)
	for _, res := range s.gen.GenerateAll(forceBreach) {
		if res.Err != nil {
			s.log.Warn("generate reading", "device", res.DeviceID, "err", res.Err)
			errs = append(errs, fmt.Errorf("device %s: %w", res.DeviceID, res.Err))
			continue
		}
		r := res.Reading
		if s.OnReading != nil {
			s.OnReading(r)
		}
		if s.watch != nil {
			s.watch.Evaluate(ctx, r)
		}
		p := models.EnergyPayload{Equipment: r.Equipment, Consumption: r.Demand, Timestamp: r.Timestamp}
		if len(s.sinks) == 0 {
			out = append(out, delivery(r, p, "", nil))
			continue
		}
		for _, sink := range s.sinks {
			err := s.publish(ctx, sink, p)
			if err != nil {
				s.log.Warn("publish reading", "sink", sink.Name(), "equipment", p.Equipment, "err", err)
			}
			out = append(out, delivery(r, p, sink.Name(), err))
		}
	}
	if len(out) == 0 && len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrNothingGenerated, errors.Join(errs...))
	}
	return out, nil
}

func (s *Service) publish(ctx context.Context, sink Sink, p models.EnergyPayload) error {
	start := s.now()
	err := sink.Publish(ctx, p)
	if _, ok := sink.(*WebhookSink); ok || s.OnDispatch == nil {
		return err
	}
	d := models.Dispatch{TS: start.UTC(), Type: automation.TypeEnergyData, Target: sink.Name(), Status: "sent", DurationMS: s.now().Sub(start).Milliseconds()}
	if err != nil {
		d.Status = "failed"
		d.Error = err.Error()
	}
	s.OnDispatch(d)
	return err
}

func (s *Service) sinkNames() []string {
	out := make([]string, len(s.sinks))
	for i, sink := range s.sinks {
		out[i] = sink.Name()
	}
	return out
}

func delivery(r models.SyntheticReading, p models.EnergyPayload, sink string, err error) Delivery {
	d := Delivery{DeviceID: r.DeviceID, Equipment: p.Equipment, Consumption: p.Consumption, Timestamp: p.Timestamp, Sink: sink}
	if err != nil {
		d.Error = err.Error()
	}
	return d
}
