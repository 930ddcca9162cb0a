package retention

import (
	"context"
	"log/slog"
	"time"
)

const DefaultDays = 14

type Pruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) error
}

// Service prunes the audit journal. The live ticket store is not touched.
type Service struct {
	repo          Pruner
	retentionDays int
	log           *slog.Logger
	now           func() time.Time
}

func NewService(repo Pruner, days int, logger *slog.Logger) *Service {
	if days <= 0 {
		days = DefaultDays
	}
	return &Service{repo: repo, retentionDays: days, log: logger, now: time.Now}
}

func (s *Service) Cutoff() time.Time {
	return s.now().UTC().AddDate(0, 0, -s.retentionDays)
}

func (s *Service) Run(ctx context.Context) {
	cutoff := s.Cutoff()
	if err := s.repo.DeleteOlderThan(ctx, cutoff); err != nil {
		s.log.Error("retention cleanup failed", "err", err)
		return
	}
	s.log.Info("retention cleanup completed", "cutoff", cutoff, "days", s.retentionDays)
}
