package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"taskorch/internal/app"
	"time"

	"github.com/rs/zerolog/log"
)

type Config struct {
	ConsumerName string
	Workers      int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	// DrainTimeout bounds how long in-flight executions may finish after ctx
	// is done before they are interrupted.
	DrainTimeout time.Duration
	// Background also runs the scheduler and monitor loops.
	Background bool
}

// Run starts the consumers (and optionally the background loops) and blocks
// until ctx is done. Consumers are named <ConsumerName>-<n> when more than
// one runs.
func Run(ctx context.Context, a *app.App, cfg Config) error {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}

	var wg sync.WaitGroup
	spawn := func(name string, run func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Ctx(ctx).Error().Err(err).Msgf("%s stopped with error", name)
			}
		}()
	}

	if cfg.Background {
		spawn("scheduler", a.Scheduler.Run)
		spawn("monitor", a.Monitor.Run)
	}
	for i := 1; i <= cfg.Workers; i++ {
		name := cfg.ConsumerName
		if cfg.Workers > 1 {
			name = fmt.Sprintf("%s-%d", cfg.ConsumerName, i)
		}
		c := a.Consumer(name, cfg.BaseBackoff, cfg.MaxBackoff)
		spawn("consumer "+name, c.Run)
	}
	log.Ctx(ctx).Info().Int("workers", cfg.Workers).Bool("background", cfg.Background).Msg("worker started")

	<-ctx.Done()
	log.Ctx(ctx).Info().Msg("worker is shutting down")

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.DrainTimeout)
	defer cancel()
	err := a.Service.Shutdown(drainCtx)
	wg.Wait()
	if err != nil {
		return fmt.Errorf("drain executions: %w", err)
	}
	log.Ctx(ctx).Info().Msg("worker stopped")
	return nil
}
