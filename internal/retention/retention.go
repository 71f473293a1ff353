// Package retention periodically prunes update records and expired rate
// counters.
package retention

import (
	"context"
	"log"
	"time"

	"wallet-pass-backend/config"
	"wallet-pass-backend/internal/store"
)

// CounterPruner removes expired shared counters.
type CounterPruner interface {
	Prune(ctx context.Context, now time.Time) (int64, error)
}

// Service deletes update records older than the retention window.
type Service struct {
	cfg      config.RetentionConfig
	store    store.Store
	counters CounterPruner
	now      func() time.Time
}

// NewService creates a retention service. counters may be nil when the
// in-memory limiter is used.
func NewService(cfg config.RetentionConfig, s store.Store, counters CounterPruner) *Service {
	return &Service{
		cfg:      cfg,
		store:    s,
		counters: counters,
		now:      time.Now,
	}
}

// Run prunes once immediately and then on every interval until ctx ends.
func (s *Service) Run(ctx context.Context) {
	log.Printf("Starting retention service (keep %d days, every %s)...", s.cfg.UpdateRecordDays, s.cfg.Interval)

	s.PruneOnce(ctx)

	timer := time.NewTimer(s.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Retention service shutting down.")
			return
		case <-timer.C:
			s.PruneOnce(ctx)
			timer.Reset(s.cfg.Interval)
		}
	}
}

// PruneOnce runs a single pruning cycle and reports what it removed.
func (s *Service) PruneOnce(ctx context.Context) (updates, counters int64) {
	now := s.now().UTC()
	cutoff := now.AddDate(0, 0, -s.cfg.UpdateRecordDays)

	updates, err := s.store.PrunePassUpdates(ctx, cutoff)
	if err != nil {
		log.Printf("Error pruning update records: %v", err)
	} else if updates > 0 {
		log.Printf("Pruned %d update records older than %s", updates, cutoff.Format(time.RFC3339))
	}

	if s.counters != nil {
		counters, err = s.counters.Prune(ctx, now)
		if err != nil {
			log.Printf("Error pruning rate counters: %v", err)
		}
	}
	return updates, counters
}
