// Package retention runs the periodic cleanup pass: expiring old messages
// from the in-memory buffers and the database, and parting channels nobody
// has asked about in a while.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/onnwee/recent-messages/telemetry"
)

// Registry is the sweep surface of the channel registry.
type Registry interface {
	VacuumBuffers(now time.Time)
	Sweep(now time.Time)
}

// Store is the persistence vacuum surface.
type Store interface {
	VacuumMessages(ctx context.Context, cutoff time.Time) (int64, error)
}

// Scheduler ties the cleanup passes to a single ticker.
type Scheduler struct {
	registry  Registry
	store     Store
	period    time.Duration
	retention time.Duration

	now func() time.Time
}

func NewScheduler(registry Registry, store Store, period, retention time.Duration) *Scheduler {
	return &Scheduler{
		registry:  registry,
		store:     store,
		period:    period,
		retention: retention,
		now:       time.Now,
	}
}

// Run executes the cleanup pass every period until ctx is cancelled. The
// first pass runs one period after start, not immediately, so startup is not
// serialized behind a full vacuum.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	now := s.now()
	s.registry.VacuumBuffers(now)
	s.registry.Sweep(now)

	deleted, err := s.store.VacuumMessages(ctx, now.Add(-s.retention))
	if err != nil {
		slog.Warn("database vacuum failed", slog.Any("err", err))
	} else if deleted > 0 {
		slog.Debug("vacuumed persisted messages", slog.Int64("deleted", deleted))
	}
	telemetry.IncVacuumRuns()
}
