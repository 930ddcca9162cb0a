package journal

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"meterdash/internal/models"
)

type memStore struct {
	mu         sync.Mutex
	dispatches []models.Dispatch
	events     []models.TicketEvent
	batches    int
}

func (m *memStore) InsertDispatches(_ context.Context, items []models.Dispatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatches = append(m.dispatches, items...)
	m.batches++
	return nil
}

func (m *memStore) InsertTicketEvents(_ context.Context, items []models.TicketEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, items...)
	m.batches++
	return nil
}

func (m *memStore) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dispatches), len(m.events)
}

func newWriter(s Store) *Writer {
	return NewWriter(s, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestWriterFlushesOnShutdown(t *testing.T) {
	store := &memStore{}
	w := newWriter(store)
	w.interval = time.Hour
	ctx, cancel := context.WithCancel(context.Background())

	w.Dispatch(models.Dispatch{Type: "energy_alert", Status: "sent"})
	w.TicketEvent(models.TicketEvent{TicketID: "T1", Action: "created"})
	w.TicketEvent(models.TicketEvent{TicketID: "T1", Action: "updated"})
	go w.Run(ctx)
	cancel()

	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("writer did not stop")
	}
	d, e := store.counts()
	if d != 1 || e != 2 {
		t.Fatalf("persisted %d dispatches, %d events", d, e)
	}
}

func TestWriterFlushesFullBatch(t *testing.T) {
	store := &memStore{}
	w := newWriter(store)
	w.interval = time.Hour
	w.batch = 3
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	for i := 0; i < 3; i++ {
		w.Dispatch(models.Dispatch{Type: "energy_data"})
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if d, _ := store.counts(); d == 3 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("full batch was not flushed before the interval")
}

func TestWriterDropsWhenQueueFull(t *testing.T) {
	w := newWriter(&memStore{})
	for i := 0; i < queueSize+5; i++ {
		w.Dispatch(models.Dispatch{})
	}
	if w.Dropped() != 5 {
		t.Fatalf("dropped = %d, want 5", w.Dropped())
	}
}
