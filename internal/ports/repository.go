package ports

import (
	"context"
	"iter"
	"taskorch/internal/domain"
	"time"
)

// Mutator edits a task in place inside TaskRepository.Update. Returning an
// error aborts the update and leaves the stored record untouched.
type Mutator func(t *domain.Task) error

type TaskRepository interface {
	// Insert fails with CodeDuplicateID when the id is taken.
	Insert(ctx context.Context, t domain.Task) error
	Get(ctx context.Context, id string) (domain.Task, error)
	// Update applies mutate atomically and returns the stored result.
	Update(ctx context.Context, id string, mutate Mutator) (domain.Task, error)
	// List returns a restartable sequence ordered by domain.Less. The sequence
	// is a snapshot taken by List, so callers may update tasks while ranging.
	List(ctx context.Context, f domain.Filter) (iter.Seq[domain.Task], error)
	// Delete removes a terminal task; CodeConflict otherwise.
	Delete(ctx context.Context, id string) error
}

type LockManager interface {
	// Acquire never blocks; contention yields CodeAlreadyAcquired.
	Acquire(ctx context.Context, taskID, holderID string, lease time.Duration) (domain.LockTicket, error)
	Renew(ctx context.Context, taskID, holderID string, lease time.Duration) (domain.LockTicket, error)
	Release(ctx context.Context, taskID, holderID string) error
	// ForceRelease drops any ticket on taskID regardless of holder.
	ForceRelease(ctx context.Context, taskID string) error
	// ReapExpired removes every ticket whose lease has elapsed and returns them.
	ReapExpired(ctx context.Context) ([]domain.LockTicket, error)
}

type Clock interface {
	Now() time.Time
}

type IDGenerator interface {
	NewID() string
}
