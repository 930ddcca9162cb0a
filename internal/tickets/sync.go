package tickets

import (
	"context"
	"fmt"
	"log/slog"

	"meterdash/internal/models"
)

type Fetcher interface {
	FetchTickets(ctx context.Context) ([]map[string]any, error)
}

// Syncer pulls ticket history from the automation backend and merges it
// through the same path as pushed events.
type Syncer struct {
	fetch Fetcher
	store *Store
	log   *slog.Logger
}

func NewSyncer(fetch Fetcher, store *Store, logger *slog.Logger) *Syncer {
	return &Syncer{fetch: fetch, store: store, log: logger}
}

// Sync merges the fetched history oldest first, so the newest ticket ends
// up at the front of the store.
func (s *Syncer) Sync(ctx context.Context) ([]Change, error) {
	raw, err := s.fetch.FetchTickets(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch ticket history: %w", err)
	}
	patches := make([]models.TicketPatch, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		if !IsTicketBearing(raw[i]) {
			continue
		}
		patches = append(patches, DecodeEvent(raw[i]))
	}
	changes := s.store.MergeAll(PathHistorical, patches)
	s.log.Info("ticket history merged", "fetched", len(raw), "merged", len(changes))
	return changes, nil
}
