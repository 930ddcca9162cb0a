package tickets

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"meterdash/internal/models"
)

const DefaultCapacity = 50

// Merge paths.
const (
	PathHistorical = "historical"
	PathRealtime   = "realtime"
	PathManual     = "manual"
)

type Action string

const (
	ActionCreated   Action = "created"
	ActionUpdated   Action = "updated"
	ActionUnchanged Action = "unchanged"
)

// DefaultSubject names tickets created without one. Tickets pushed to the
// ticket webhook use WebhookSubject instead.
const (
	DefaultSubject = "System Alert"
	WebhookSubject = "Auto-generated Ticket"
)

var ErrMissingID = errors.New("ticket event has no identity")

// Change describes one applied merge.
type Change struct {
	Path   string
	Action Action
	Ticket models.Ticket
}

// Store keeps the most recently touched tickets, newest first. Every event,
// whichever path delivered it, goes through the same merge.
type Store struct {
	mu       sync.Mutex
	capacity int
	items    []models.Ticket
	now      func() time.Time
	watchers []func(Change)
}

func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{capacity: capacity, now: time.Now}
}

// OnChange registers fn to observe every applied merge. Watchers run while
// the store is locked, in merge order, and must not block or call back into
// the store.
func (s *Store) OnChange(fn func(Change)) {
	s.mu.Lock()
	s.watchers = append(s.watchers, fn)
	s.mu.Unlock()
}

func NewID() string {
	return "T-" + uuid.NewString()
}

// Apply merges one ticket-bearing event. Fields present on the event
// overwrite stored ones, absent fields are kept, and the ticket moves to the
// front. The tail is evicted beyond capacity.
func (s *Store) Apply(path string, p models.TicketPatch) (Change, error) {
	if p.ID == "" {
		return Change{}, ErrMissingID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apply(path, p), nil
}

// MergeAll applies a batch in order under one lock. Events without identity
// are skipped.
func (s *Store) MergeAll(path string, patches []models.TicketPatch) []Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Change, 0, len(patches))
	for _, p := range patches {
		if p.ID == "" {
			continue
		}
		out = append(out, s.apply(path, p))
	}
	return out
}

func (s *Store) apply(path string, p models.TicketPatch) Change {
	now := s.now().UTC()
	idx := s.indexOf(p.ID)

	var (
		t      models.Ticket
		action Action
	)
	if idx < 0 {
		t = newTicket(p.ID, path, now)
		merge(&t, p)
		action = ActionCreated
	} else {
		t = s.items[idx]
		action = ActionUnchanged
		if merge(&t, p) {
			t.UpdatedAt = now
			action = ActionUpdated
		}
		s.items = append(s.items[:idx], s.items[idx+1:]...)
	}

	s.items = append(s.items, models.Ticket{})
	copy(s.items[1:], s.items)
	s.items[0] = t
	if len(s.items) > s.capacity {
		clear(s.items[s.capacity:])
		s.items = s.items[:s.capacity]
	}

	c := Change{Path: path, Action: action, Ticket: t}
	for _, fn := range s.watchers {
		fn(c)
	}
	return c
}

func (s *Store) indexOf(id string) int {
	for i := range s.items {
		if s.items[i].ID == id {
			return i
		}
	}
	return -1
}

// List returns the retained tickets, newest first.
func (s *Store) List() []models.Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Ticket, len(s.items))
	copy(out, s.items)
	return out
}

func (s *Store) Get(id string) (models.Ticket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexOf(id); i >= 0 {
		return s.items[i], true
	}
	return models.Ticket{}, false
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func newTicket(id, path string, now time.Time) models.Ticket {
	t := models.Ticket{
		ID:        id,
		Subject:   DefaultSubject,
		Status:    models.TicketOpen,
		Priority:  models.PriorityMedium,
		Origin:    models.OriginAutomated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if path == PathManual {
		t.Origin = models.OriginManual
		t.Source = "dashboard"
	}
	return t
}

// merge copies the fields present on p into t and reports whether anything
// changed.
func merge(t *models.Ticket, p models.TicketPatch) bool {
	changed := false
	changed = setValue(&t.Subject, p.Subject) || changed
	changed = setValue(&t.Description, p.Description) || changed
	changed = setValue(&t.Status, p.Status) || changed
	changed = setValue(&t.Priority, p.Priority) || changed
	changed = setValue(&t.Origin, p.Origin) || changed
	changed = setValue(&t.Source, p.Source) || changed
	changed = setValue(&t.AlertType, p.AlertType) || changed
	changed = setValue(&t.Equipment, p.Equipment) || changed
	changed = setPointer(&t.MeasuredValue, p.MeasuredValue) || changed
	changed = setPointer(&t.ExpectedValue, p.ExpectedValue) || changed
	changed = setPointer(&t.IsNightWindow, p.IsNightWindow) || changed
	changed = setValue(&t.AnalysisNote, p.AnalysisNote) || changed
	return changed
}

func setValue[T comparable](dst *T, src *T) bool {
	if src == nil || *dst == *src {
		return false
	}
	*dst = *src
	return true
}

func setPointer[T comparable](dst **T, src *T) bool {
	if src == nil {
		return false
	}
	if *dst != nil && **dst == *src {
		return false
	}
	v := *src
	*dst = &v
	return true
}
