package journal

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"meterdash/internal/models"
)

const (
	DefaultBatch    = 200
	DefaultInterval = 2 * time.Second
	queueSize       = 1024
)

type Store interface {
	InsertDispatches(ctx context.Context, items []models.Dispatch) error
	InsertTicketEvents(ctx context.Context, items []models.TicketEvent) error
}

type entry struct {
	dispatch *models.Dispatch
	event    *models.TicketEvent
}

// Writer appends audit records to the store in batches. Enqueueing never
// blocks; when the queue is full the record is counted and dropped.
type Writer struct {
	repo     Store
	log      *slog.Logger
	in       chan entry
	batch    int
	interval time.Duration
	dropped  atomic.Int64
	done     chan struct{}
}

func NewWriter(repo Store, logger *slog.Logger) *Writer {
	return &Writer{
		repo:     repo,
		log:      logger,
		in:       make(chan entry, queueSize),
		batch:    DefaultBatch,
		interval: DefaultInterval,
		done:     make(chan struct{}),
	}
}

func (w *Writer) Dispatch(d models.Dispatch) {
	w.enqueue(entry{dispatch: &d})
}

func (w *Writer) TicketEvent(e models.TicketEvent) {
	w.enqueue(entry{event: &e})
}

func (w *Writer) Dropped() int64 { return w.dropped.Load() }

// Done is closed once Run has flushed and returned.
func (w *Writer) Done() <-chan struct{} { return w.done }

func (w *Writer) enqueue(e entry) {
	select {
	case w.in <- e:
	default:
		if w.dropped.Add(1)%100 == 1 {
			w.log.Warn("journal queue full, dropping records", "dropped", w.dropped.Load())
		}
	}
}

// Run flushes batches until ctx is cancelled, then drains the queue once
// more before returning.
func (w *Writer) Run(ctx context.Context) {
	defer close(w.done)
	t := time.NewTicker(w.interval)
	defer t.Stop()
	var (
		dispatches []models.Dispatch
		events     []models.TicketEvent
	)
	flush := func(ctx context.Context) {
		if len(dispatches) > 0 {
			if err := w.repo.InsertDispatches(ctx, dispatches); err != nil {
				w.log.Error("insert dispatches", "err", err, "count", len(dispatches))
			}
			dispatches = dispatches[:0]
		}
		if len(events) > 0 {
			if err := w.repo.InsertTicketEvents(ctx, events); err != nil {
				w.log.Error("insert ticket events", "err", err, "count", len(events))
			}
			events = events[:0]
		}
	}
	add := func(e entry) {
		if e.dispatch != nil {
			dispatches = append(dispatches, *e.dispatch)
		}
		if e.event != nil {
			events = append(events, *e.event)
		}
	}
	for {
		select {
		case <-ctx.Done():
		drain:
			for {
				select {
				case e := <-w.in:
					add(e)
				default:
					break drain
				}
			}
			flush(context.WithoutCancel(ctx))
			return
		case e := <-w.in:
			add(e)
			if len(dispatches)+len(events) >= w.batch {
				flush(ctx)
			}
		case <-t.C:
			flush(ctx)
		}
	}
}
