package retention

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

type recordingPruner struct {
	cutoffs []time.Time
	err     error
}

func (p *recordingPruner) DeleteOlderThan(_ context.Context, cutoff time.Time) error {
	p.cutoffs = append(p.cutoffs, cutoff)
	return p.err
}

func TestRunUsesRetentionWindow(t *testing.T) {
	p := &recordingPruner{}
	s := NewService(p, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	now := time.Date(2026, 3, 15, 6, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.Run(context.Background())
	p.err = errors.New("locked")
	s.Run(context.Background())

	if len(p.cutoffs) != 2 {
		t.Fatalf("calls = %d", len(p.cutoffs))
	}
	if want := now.AddDate(0, 0, -DefaultDays); !p.cutoffs[0].Equal(want) {
		t.Fatalf("cutoff = %v, want %v", p.cutoffs[0], want)
	}
}
