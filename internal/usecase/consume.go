package usecase

import (
	"context"
	"taskorch/internal/domain"
	"taskorch/pkg/backoff"
	"time"

	"github.com/rs/zerolog"
)

// Consumer is a worker loop: acquire, execute, repeat. When nothing is
// available it sleeps with growing jittered backoff.
type Consumer struct {
	Svc         *Service
	HolderID    string
	Filter      domain.Filter
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Log         zerolog.Logger
}

func (c Consumer) Run(ctx context.Context) error {
	idle := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if c.Step(ctx) {
			idle = 0
			continue
		}

		idle++
		delay := backoff.ExponentialJitter(c.BaseBackoff, c.MaxBackoff, idle)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Step acquires and executes at most one task. It reports whether a task was
// acquired.
func (c Consumer) Step(ctx context.Context) bool {
	t, err := c.Svc.Acquire(ctx, c.HolderID, c.Filter)
	if err != nil {
		if domain.CodeOf(err) != domain.CodeNoTaskAvailable {
			c.Log.Error().Err(err).Str("holder", c.HolderID).Msg("acquire task")
		}
		return false
	}

	// Execute logs its own outcome. Cancelling ctx stops the loop but leaves
	// the running execution to Service.Shutdown.
	if _, err := c.Svc.Execute(context.WithoutCancel(ctx), t.ID, c.HolderID); err != nil {
		c.Log.Debug().Err(err).Str("task_id", t.ID).Str("code", string(domain.CodeOf(err))).Msg("execute task")
	}
	return true
}
