package usecase

import (
	"context"
	"errors"
	"iter"
	"sync"
	"taskorch/internal/domain"
	"taskorch/internal/infra/clock"
	"taskorch/internal/ports"
	"time"

	"github.com/rs/zerolog"
)

// Policy is the configuration the service enforces.
type Policy struct {
	MaxRetriesCeiling int
	DefaultMaxRetries int
	DefaultTimeout    time.Duration
	LockLease         time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetriesCeiling: 10,
		DefaultMaxRetries: 3,
		DefaultTimeout:    10 * time.Minute,
		LockLease:         time.Minute,
	}
}

var (
	errTaskCancelled   = errors.New("task cancelled")
	errServiceShutdown = errors.New("service shutting down")
	errTaskTimeout     = errors.New("task timeout exceeded")
)

// Service owns the task lifecycle. Every state change goes through
// TaskRepository.Update so the state machine is enforced in one place.
type Service struct {
	repo      ports.TaskRepository
	locks     ports.LockManager
	executors ports.ExecutorResolver
	policy    Policy
	clock     ports.Clock
	ids       ports.IDGenerator
	log       zerolog.Logger

	mu       sync.Mutex
	inflight map[string]context.CancelCauseFunc
	closing  bool
	wg       sync.WaitGroup
}

type Option func(*Service)

func WithClock(c ports.Clock) Option {
	return func(s *Service) { s.clock = c }
}

func WithIDGenerator(g ports.IDGenerator) Option {
	return func(s *Service) { s.ids = g }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = l }
}

func WithPolicy(p Policy) Option {
	return func(s *Service) { s.policy = p }
}

func NewService(repo ports.TaskRepository, locks ports.LockManager, executors ports.ExecutorResolver, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		locks:     locks,
		executors: executors,
		policy:    DefaultPolicy(),
		clock:     clock.System{},
		ids:       clock.UUID{},
		log:       zerolog.Nop(),
		inflight:  make(map[string]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Policy() Policy { return s.policy }

func (s *Service) Get(ctx context.Context, id string) (domain.Task, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, f domain.Filter) (iter.Seq[domain.Task], error) {
	return s.repo.List(ctx, f)
}

// Acquire hands the first eligible task matching f to holder. Candidates that
// lose a lock race or change state before the update are skipped.
func (s *Service) Acquire(ctx context.Context, holder string, f domain.Filter) (domain.Task, error) {
	if holder == "" {
		return domain.Task{}, domain.NewError(domain.CodeValidation, "", "holder id is required")
	}
	f, ok := f.Acquirable()
	if !ok {
		return domain.Task{}, domain.NewError(domain.CodeNoTaskAvailable, "", "filter excludes acquirable statuses")
	}
	limit := f.Limit
	f.Limit = 0

	seq, err := s.repo.List(ctx, f)
	if err != nil {
		return domain.Task{}, err
	}
	tried := 0
	for cand := range seq {
		if limit > 0 && tried >= limit {
			break
		}
		tried++

		task, err := s.tryAcquire(ctx, cand.ID, holder)
		switch domain.CodeOf(err) {
		case "":
			s.log.Info().Str("task_id", task.ID).Str("holder", holder).Int("retry_count", task.RetryCount).Msg("task acquired")
			return task, nil
		case domain.CodeAlreadyAcquired, domain.CodeConflict, domain.CodeNotFound:
			continue
		default:
			return domain.Task{}, err
		}
	}
	return domain.Task{}, domain.NewError(domain.CodeNoTaskAvailable, "", "no task available")
}

func (s *Service) tryAcquire(ctx context.Context, id, holder string) (domain.Task, error) {
	if _, err := s.locks.Acquire(ctx, id, holder, s.policy.LockLease); err != nil {
		return domain.Task{}, err
	}
	task, err := s.repo.Update(ctx, id, func(t *domain.Task) error {
		if !t.Status.Acquirable() {
			return domain.NewError(domain.CodeConflict, id, "task is "+string(t.Status))
		}
		return t.Start(holder, s.clock.Now())
	})
	if err != nil {
		if rerr := s.locks.Release(ctx, id, holder); rerr != nil {
			s.log.Warn().Err(rerr).Str("task_id", id).Msg("release after failed acquire")
		}
		return domain.Task{}, err
	}
	return task, nil
}

// Complete records a result reported asynchronously by the holder. A result
// tagged as failure takes the retry edge instead of completing the task.
func (s *Service) Complete(ctx context.Context, id, holder string, res domain.TaskResult) (domain.Task, error) {
	cur, err := s.repo.Get(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if err := checkRunning(&cur); err != nil {
		return domain.Task{}, err
	}
	if _, err := s.locks.Renew(ctx, id, holder, s.policy.LockLease); err != nil {
		return domain.Task{}, err
	}
	if res.Status == "" {
		res.Status = domain.ResultSuccess
	}
	if !res.Status.Valid() {
		return domain.Task{}, domain.NewError(domain.CodeValidation, id, "unknown result status "+string(res.Status))
	}
	task, err := s.repo.Update(ctx, id, func(t *domain.Task) error {
		if err := checkHolder(t, holder); err != nil {
			return err
		}
		if res.Status == domain.ResultFailure {
			return t.FailAttempt(failureReason(res), s.clock.Now())
		}
		return t.Complete(res, s.clock.Now())
	})
	if err != nil {
		return domain.Task{}, err
	}
	s.release(ctx, id, holder)
	if task.Status == domain.StatusCompleted {
		s.log.Info().Str("task_id", id).Str("holder", holder).Msg("task completed")
	} else {
		s.log.Warn().Str("task_id", id).Str("holder", holder).Str("status", string(task.Status)).
			Int("retry_count", task.RetryCount).Msg("reported attempt failed")
	}
	return task, nil
}

// failureReason is the last_error recorded for a result tagged as failure.
func failureReason(res domain.TaskResult) string {
	if res.Output == "" {
		return "executor reported failure"
	}
	return "executor reported failure: " + res.Output
}

// Cancel moves a non-terminal task to Cancelled, drops its lock and
// interrupts an in-flight execution in this process.
func (s *Service) Cancel(ctx context.Context, id string) (domain.Task, error) {
	task, err := s.repo.Update(ctx, id, func(t *domain.Task) error {
		if t.Status.IsTerminal() {
			return domain.NewError(domain.CodeConflict, id, "task already "+string(t.Status))
		}
		return t.TransitionTo(domain.StatusCancelled, s.clock.Now())
	})
	if err != nil {
		return domain.Task{}, err
	}
	if err := s.locks.ForceRelease(ctx, id); err != nil {
		return task, err
	}

	s.mu.Lock()
	cancel, running := s.inflight[id]
	s.mu.Unlock()
	if running {
		cancel(errTaskCancelled)
	}
	s.log.Info().Str("task_id", id).Bool("interrupted", running).Msg("task cancelled")
	return task, nil
}

// Heartbeat extends the holder's lease.
func (s *Service) Heartbeat(ctx context.Context, id, holder string) (domain.LockTicket, error) {
	return s.locks.Renew(ctx, id, holder, s.policy.LockLease)
}

func (s *Service) Delete(ctx context.Context, id string) error {
	return s.repo.Delete(ctx, id)
}

// Statistics aggregates one pass over every task.
func (s *Service) Statistics(ctx context.Context) (domain.Statistics, error) {
	seq, err := s.repo.List(ctx, domain.Filter{})
	if err != nil {
		return domain.Statistics{}, err
	}
	c := domain.NewStatisticsCollector()
	for t := range seq {
		c.Add(&t)
	}
	return c.Result(), nil
}

// ReclaimExpired reaps expired leases and puts their tasks through the retry
// edge, exactly as a failed execution would. Running tasks left without any
// ticket (an expired ticket taken over by an acquirer that then lost the state
// race and released it) are reclaimed the same way.
func (s *Service) ReclaimExpired(ctx context.Context) ([]string, error) {
	tickets, err := s.locks.ReapExpired(ctx)
	if err != nil {
		return nil, err
	}
	var reclaimed []string
	for _, tk := range tickets {
		ok, err := s.failHeld(ctx, tk.TaskID, tk.HolderID, "lease expired for holder "+tk.HolderID)
		if err != nil {
			return reclaimed, err
		}
		if ok {
			reclaimed = append(reclaimed, tk.TaskID)
		}
	}

	orphans, err := s.reclaimOrphans(ctx)
	return append(reclaimed, orphans...), err
}

// reclaimHolder owns the ticket taken while an orphaned task is reclaimed.
const reclaimHolder = "taskorch-reclaimer"

func (s *Service) reclaimOrphans(ctx context.Context) ([]string, error) {
	seq, err := s.repo.List(ctx, domain.Filter{Statuses: []domain.TaskStatus{domain.StatusRunning}})
	if err != nil {
		return nil, err
	}
	var reclaimed []string
	for t := range seq {
		// a live ticket means a holder is still on it
		_, err := s.locks.Acquire(ctx, t.ID, reclaimHolder, s.policy.LockLease)
		switch domain.CodeOf(err) {
		case "":
		case domain.CodeAlreadyAcquired:
			continue
		default:
			return reclaimed, err
		}
		ok, err := s.failHeld(ctx, t.ID, t.WorkerID, "no live lease for holder "+t.WorkerID)
		s.release(ctx, t.ID, reclaimHolder)
		if err != nil {
			return reclaimed, err
		}
		if ok {
			reclaimed = append(reclaimed, t.ID)
		}
	}
	return reclaimed, nil
}

// failHeld applies the retry edge if id is still Running under holder. It
// reports false when the task has moved on.
func (s *Service) failHeld(ctx context.Context, id, holder, reason string) (bool, error) {
	task, err := s.repo.Update(ctx, id, func(t *domain.Task) error {
		if t.Status != domain.StatusRunning || t.WorkerID != holder {
			return domain.NewError(domain.CodeConflict, t.ID, "task moved on")
		}
		return t.FailAttempt(reason, s.clock.Now())
	})
	switch domain.CodeOf(err) {
	case "":
		s.log.Warn().Str("task_id", id).Str("holder", holder).Str("status", string(task.Status)).Msg("task reclaimed")
		return true, nil
	case domain.CodeConflict, domain.CodeNotFound:
		return false, nil
	}
	return false, err
}

// PurgeTerminal deletes terminal tasks last updated before olderThan.
func (s *Service) PurgeTerminal(ctx context.Context, olderThan time.Time) (int, error) {
	seq, err := s.repo.List(ctx, domain.Filter{Statuses: []domain.TaskStatus{
		domain.StatusCompleted, domain.StatusFailed, domain.StatusCancelled,
	}})
	if err != nil {
		return 0, err
	}
	n := 0
	for t := range seq {
		if !t.UpdatedAt.Before(olderThan) {
			continue
		}
		err := s.repo.Delete(ctx, t.ID)
		switch domain.CodeOf(err) {
		case "":
			n++
		case domain.CodeConflict, domain.CodeNotFound:
		default:
			return n, err
		}
	}
	if n > 0 {
		s.log.Info().Int("count", n).Time("older_than", olderThan).Msg("purged terminal tasks")
	}
	return n, nil
}

// Shutdown stops new executions and waits for in-flight ones until ctx is
// done, then interrupts the rest and waits for their bookkeeping.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	s.mu.Lock()
	for id, cancel := range s.inflight {
		s.log.Warn().Str("task_id", id).Msg("interrupting execution for shutdown")
		cancel(errServiceShutdown)
	}
	s.mu.Unlock()
	<-done
	return ctx.Err()
}

func (s *Service) release(ctx context.Context, id, holder string) {
	if err := s.locks.Release(ctx, id, holder); err != nil {
		s.log.Warn().Err(err).Str("task_id", id).Str("holder", holder).Msg("release lock")
	}
}

func checkRunning(t *domain.Task) error {
	if t.Status != domain.StatusRunning {
		return domain.NewError(domain.CodeConflict, t.ID, "task is "+string(t.Status))
	}
	return nil
}

func checkHolder(t *domain.Task, holder string) error {
	if err := checkRunning(t); err != nil {
		return err
	}
	if t.WorkerID != holder {
		return domain.NewError(domain.CodeAuthorization, t.ID, "task held by "+t.WorkerID)
	}
	return nil
}
