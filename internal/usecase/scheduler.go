package usecase

import (
	"context"
	"taskorch/internal/ports"
	"time"

	"github.com/rs/zerolog"
)

var _ ports.Scheduler = (*Scheduler)(nil)

// Scheduler runs the two maintenance actions on independent tickers: purging
// old terminal tasks and reclaiming tasks whose lock lease expired.
type Scheduler struct {
	Svc               *Service
	CleanupInterval   time.Duration
	HeartbeatInterval time.Duration
	Retention         time.Duration
	Log               zerolog.Logger
}

func NewScheduler(svc *Service, cleanup, heartbeat, retention time.Duration, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		Svc:               svc,
		CleanupInterval:   cleanup,
		HeartbeatInterval: heartbeat,
		Retention:         retention,
		Log:               log,
	}
}

func (s *Scheduler) Run(ctx context.Context) error {
	cleanup := time.NewTicker(s.CleanupInterval)
	defer cleanup.Stop()
	heartbeat := time.NewTicker(s.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-heartbeat.C:
			s.Reclaim(ctx)
		case <-cleanup.C:
			s.Cleanup(ctx)
		}
	}
}

// Reclaim is one heartbeat tick. Errors are logged; the next tick retries.
func (s *Scheduler) Reclaim(ctx context.Context) []string {
	ids, err := s.Svc.ReclaimExpired(ctx)
	if err != nil {
		s.Log.Error().Err(err).Msg("reclaim expired leases")
	}
	if len(ids) > 0 {
		s.Log.Info().Strs("task_ids", ids).Msg("reclaimed tasks")
	}
	return ids
}

// Cleanup is one cleanup tick.
func (s *Scheduler) Cleanup(ctx context.Context) int {
	n, err := s.Svc.PurgeTerminal(ctx, s.Svc.clock.Now().Add(-s.Retention))
	if err != nil {
		s.Log.Error().Err(err).Msg("purge terminal tasks")
	}
	return n
}
