package broadcast

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Event types sent to observers.
const (
	TypeTicketsSnapshot = "tickets-snapshot"
	TypeNewTicket       = "new-ticket"
	TypeTicketUpdated   = "ticket-updated"
	TypeEnergyUpdate    = "energy-update"
	TypeAutomation      = "n8n-update"
	TypeSyntheticData   = "synthetic-reading"
)

type Event struct {
	Type string    `json:"type"`
	Data any       `json:"data"`
	TS   time.Time `json:"ts"`
}

const DefaultBuffer = 64

// Subscriber owns a bounded queue of encoded events. When the queue is full
// the oldest queued event is dropped to make room.
type Subscriber struct {
	ch      chan []byte
	dropped atomic.Int64
}

func (s *Subscriber) C() <-chan []byte { return s.ch }

// Dropped counts events evicted from this subscriber's queue.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

type Hub struct {
	mu     sync.Mutex
	subs   map[*Subscriber]struct{}
	buffer int
	log    *slog.Logger
	now    func() time.Time

	// OnDrop and OnCount are optional observers for dropped events and
	// subscriber count changes. OnCount runs under the hub lock so counts
	// arrive in order; it must not call back into the hub.
	OnDrop  func(n int)
	OnCount func(n int)
}

func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{subs: map[*Subscriber]struct{}{}, buffer: buffer, log: logger, now: time.Now}
}

func (h *Hub) Subscribe() *Subscriber {
	s := &Subscriber{ch: make(chan []byte, h.buffer)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.count(len(h.subs))
	h.mu.Unlock()
	return s
}

// Unsubscribe removes s and closes its queue. It is safe to call twice.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	if _, ok := h.subs[s]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.subs, s)
	close(s.ch)
	h.count(len(h.subs))
	h.mu.Unlock()
}

func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Publish encodes ev once and queues it for every subscriber without
// blocking. Events published by one caller reach each subscriber in order.
func (h *Hub) Publish(ev Event) {
	if ev.TS.IsZero() {
		ev.TS = h.now().UTC()
	}
	msg, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("encode broadcast event", "type", ev.Type, "err", err)
		return
	}
	dropped := 0
	h.mu.Lock()
	for s := range h.subs {
		if !offer(s, msg) {
			dropped++
		}
	}
	h.mu.Unlock()
	if dropped > 0 {
		h.log.Debug("broadcast dropped oldest events", "type", ev.Type, "subscribers", dropped)
		if h.OnDrop != nil {
			h.OnDrop(dropped)
		}
	}
}

// offer queues msg on s, evicting the oldest queued message if full. It
// reports false when something was dropped.
func offer(s *Subscriber, msg []byte) bool {
	select {
	case s.ch <- msg:
		return true
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	s.dropped.Add(1)
	select {
	case s.ch <- msg:
	default:
	}
	return false
}

func (h *Hub) count(n int) {
	if h.OnCount != nil {
		h.OnCount(n)
	}
}
