package usecase

import (
	"context"
	"errors"
	"fmt"
	"taskorch/internal/domain"
)

// Execute runs the task held by holder through its executor, bounded by the
// task timeout. Success completes the task; any failure, including a result
// tagged as failure, takes the retry edge.
// The lock is released in both cases.
func (s *Service) Execute(ctx context.Context, id, holder string) (domain.TaskResult, error) {
	task, err := s.repo.Get(ctx, id)
	if err != nil {
		return domain.TaskResult{}, err
	}
	if err := checkRunning(&task); err != nil {
		return domain.TaskResult{}, err
	}
	if _, err := s.locks.Renew(ctx, id, holder, task.Timeout+s.policy.LockLease); err != nil {
		return domain.TaskResult{}, err
	}
	if err := checkHolder(&task, holder); err != nil {
		return domain.TaskResult{}, err
	}

	runCtx, cancel, err := s.track(ctx, id)
	if err != nil {
		return domain.TaskResult{}, err
	}
	defer s.untrack(id, cancel)

	// A cancel that landed before track found nothing to interrupt.
	task, err = s.repo.Get(ctx, id)
	if err != nil {
		return domain.TaskResult{}, err
	}
	if err := checkHolder(&task, holder); err != nil {
		return domain.TaskResult{}, err
	}

	execCtx, cancelTimeout := context.WithTimeoutCause(runCtx, task.Timeout, errTaskTimeout)
	defer cancelTimeout()

	executor := s.executors.Resolve(ctx, task.Mode)
	log := s.log.With().Str("task_id", id).Str("holder", holder).Str("executor", executor.Name()).Logger()
	log.Debug().Msg("executing task")

	res, execErr := executor.Execute(execCtx, task)
	cause := context.Cause(execCtx)

	// Bookkeeping must land even when the caller's context is gone.
	bg := context.WithoutCancel(ctx)

	if errors.Is(cause, errTaskCancelled) {
		return domain.TaskResult{}, domain.Wrap(domain.CodeConflict, id, errTaskCancelled, "execution interrupted")
	}

	timedOut := errors.Is(cause, errTaskTimeout)
	if execErr == nil && !timedOut && res.Status == domain.ResultFailure {
		execErr = errors.New(failureReason(res))
	}
	if execErr == nil && !timedOut {
		if res.Status == "" {
			res.Status = domain.ResultSuccess
		}
		if res.Executor == "" {
			res.Executor = executor.Name()
		}
		_, err := s.repo.Update(bg, id, func(t *domain.Task) error {
			if err := checkHolder(t, holder); err != nil {
				return err
			}
			return t.Complete(res, s.clock.Now())
		})
		if err != nil {
			return domain.TaskResult{}, err
		}
		s.release(bg, id, holder)
		log.Info().Dur("duration", res.Duration).Msg("task completed")
		return res, nil
	}

	if execErr == nil {
		execErr = cause
	}
	var failure *domain.Error
	switch {
	case timedOut:
		failure = domain.Wrap(domain.CodeTimeout, id, execErr, fmt.Sprintf("execution exceeded %s", task.Timeout))
	default:
		failure = domain.Wrap(domain.CodeExecution, id, execErr, "execution failed")
	}

	updated, err := s.repo.Update(bg, id, func(t *domain.Task) error {
		if err := checkHolder(t, holder); err != nil {
			return err
		}
		return t.FailAttempt(failure.Error(), s.clock.Now())
	})
	if err != nil {
		return domain.TaskResult{}, err
	}
	s.release(bg, id, holder)

	ev := log.Warn()
	if updated.Status == domain.StatusFailed {
		ev = log.Error()
	}
	ev.Err(execErr).
		Str("status", string(updated.Status)).
		Int("retry_count", updated.RetryCount).
		Int("max_retries", updated.MaxRetries).
		Msg("task attempt failed")
	return domain.TaskResult{}, failure
}

func (s *Service) track(ctx context.Context, id string) (context.Context, context.CancelCauseFunc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return nil, nil, domain.Wrap(domain.CodeInternal, id, errServiceShutdown, "execution rejected")
	}
	if _, ok := s.inflight[id]; ok {
		return nil, nil, domain.NewError(domain.CodeConflict, id, "task is already executing")
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	s.inflight[id] = cancel
	s.wg.Add(1)
	return runCtx, cancel, nil
}

func (s *Service) untrack(id string, cancel context.CancelCauseFunc) {
	cancel(nil)
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
	s.wg.Done()
}
