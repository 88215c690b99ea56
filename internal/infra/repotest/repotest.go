// Package repotest holds behavior suites shared by every TaskRepository and
// LockManager implementation.
package repotest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"taskorch/internal/domain"
	"taskorch/internal/infra/clock"
	"taskorch/internal/ports"
	"testing"
	"time"
)

var Epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// NewTask builds a pending task with deterministic timestamps.
func NewTask(id string, p domain.Priority, created time.Time) domain.Task {
	return domain.Task{
		ID:          id,
		WorkContext: "/tmp",
		Prompt:      "echo " + id,
		Priority:    p,
		Status:      domain.StatusPending,
		Mode:        domain.ExecutionMode{Kind: domain.ExecutorStandard},
		MaxRetries:  2,
		Timeout:     time.Minute,
		CreatedAt:   created,
		UpdatedAt:   created,
	}
}

func collect(t *testing.T, repo ports.TaskRepository, f domain.Filter) []string {
	t.Helper()
	seq, err := repo.List(context.Background(), f)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var ids []string
	for task := range seq {
		ids = append(ids, task.ID)
	}
	return ids
}

// RunRepository exercises the TaskRepository contract against a fresh store
// returned by newRepo for every subtest.
func RunRepository(t *testing.T, newRepo func(t *testing.T) ports.TaskRepository) {
	ctx := context.Background()

	t.Run("InsertGet", func(t *testing.T) {
		repo := newRepo(t)
		in := NewTask("t1", domain.PriorityHigh, Epoch)
		in.Tags = []string{"a", "b"}
		if err := repo.Insert(ctx, in); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		got, err := repo.Get(ctx, "t1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.ID != in.ID || got.Prompt != in.Prompt || got.Priority != in.Priority ||
			!slices.Equal(got.Tags, in.Tags) || !got.CreatedAt.Equal(in.CreatedAt) || got.Timeout != in.Timeout {
			t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, in)
		}
	})

	t.Run("DuplicateID", func(t *testing.T) {
		repo := newRepo(t)
		in := NewTask("t1", domain.PriorityLow, Epoch)
		if err := repo.Insert(ctx, in); err != nil {
			t.Fatal(err)
		}
		if err := repo.Insert(ctx, in); !errors.Is(err, domain.ErrDuplicateID) {
			t.Fatalf("expected duplicate id, got %v", err)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		repo := newRepo(t)
		if _, err := repo.Get(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("Get: %v", err)
		}
		_, err := repo.Update(ctx, "missing", func(*domain.Task) error { return nil })
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("Update: %v", err)
		}
		if err := repo.Delete(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("Delete: %v", err)
		}
	})

	t.Run("UpdateAppliesAndAborts", func(t *testing.T) {
		repo := newRepo(t)
		_ = repo.Insert(ctx, NewTask("t1", domain.PriorityLow, Epoch))

		got, err := repo.Update(ctx, "t1", func(task *domain.Task) error {
			return task.Start("w1", Epoch.Add(time.Second))
		})
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
		if got.Status != domain.StatusRunning || got.WorkerID != "w1" {
			t.Fatalf("returned %+v", got)
		}

		boom := errors.New("boom")
		_, err = repo.Update(ctx, "t1", func(task *domain.Task) error {
			task.Prompt = "mutated"
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected mutator error, got %v", err)
		}
		stored, _ := repo.Get(ctx, "t1")
		if stored.Prompt == "mutated" || stored.Status != domain.StatusRunning {
			t.Fatalf("aborted update leaked: %+v", stored)
		}
	})

	t.Run("ConcurrentUpdatesSerialize", func(t *testing.T) {
		repo := newRepo(t)
		_ = repo.Insert(ctx, NewTask("t1", domain.PriorityLow, Epoch))

		const n = 20
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := repo.Update(ctx, "t1", func(task *domain.Task) error {
					task.RetryCount++
					return nil
				})
				if err != nil {
					t.Errorf("Update: %v", err)
				}
			}()
		}
		wg.Wait()
		got, _ := repo.Get(ctx, "t1")
		if got.RetryCount != n {
			t.Fatalf("lost updates: RetryCount = %d, want %d", got.RetryCount, n)
		}
	})

	t.Run("ListOrderAndFilter", func(t *testing.T) {
		repo := newRepo(t)
		for _, task := range []domain.Task{
			NewTask("b", domain.PriorityMedium, Epoch),
			NewTask("a", domain.PriorityMedium, Epoch),
			NewTask("c", domain.PriorityUrgent, Epoch.Add(time.Hour)),
			NewTask("d", domain.PriorityMedium, Epoch.Add(-time.Hour)),
			NewTask("e", domain.PriorityLow, Epoch.Add(-2*time.Hour)),
		} {
			if err := repo.Insert(ctx, task); err != nil {
				t.Fatal(err)
			}
		}

		if got := collect(t, repo, domain.Filter{}); !slices.Equal(got, []string{"c", "d", "a", "b", "e"}) {
			t.Fatalf("order = %v", got)
		}
		if got := collect(t, repo, domain.Filter{Priorities: []domain.Priority{domain.PriorityMedium}, Limit: 2}); !slices.Equal(got, []string{"d", "a"}) {
			t.Fatalf("priority+limit = %v", got)
		}
		if got := collect(t, repo, domain.Filter{IDPrefix: "e"}); !slices.Equal(got, []string{"e"}) {
			t.Fatalf("prefix = %v", got)
		}
		if got := collect(t, repo, domain.Filter{Statuses: []domain.TaskStatus{domain.StatusRunning}}); len(got) != 0 {
			t.Fatalf("status = %v", got)
		}

		seq, _ := repo.List(ctx, domain.Filter{})
		var first, second int
		for range seq {
			first++
		}
		for range seq {
			second++
		}
		if first != 5 || second != 5 {
			t.Fatalf("sequence not restartable: %d then %d", first, second)
		}
	})

	t.Run("ListEmpty", func(t *testing.T) {
		repo := newRepo(t)
		if got := collect(t, repo, domain.Filter{}); len(got) != 0 {
			t.Fatalf("got %v", got)
		}
	})

	// Acquire updates tasks while ranging over candidates, so the sequence
	// must not hold the store while it is consumed.
	t.Run("ListIsSnapshot", func(t *testing.T) {
		repo := newRepo(t)
		_ = repo.Insert(ctx, NewTask("a", domain.PriorityHigh, Epoch))
		_ = repo.Insert(ctx, NewTask("b", domain.PriorityLow, Epoch))

		seq, err := repo.List(ctx, domain.Filter{})
		if err != nil {
			t.Fatal(err)
		}
		var seen []domain.TaskStatus
		for task := range seq {
			if task.ID == "a" {
				if _, err := repo.Update(ctx, "b", func(b *domain.Task) error {
					return b.Start("w1", Epoch.Add(time.Minute))
				}); err != nil {
					t.Fatalf("Update while ranging: %v", err)
				}
			}
			seen = append(seen, task.Status)
		}
		if !slices.Equal(seen, []domain.TaskStatus{domain.StatusPending, domain.StatusPending}) {
			t.Fatalf("statuses = %v", seen)
		}
		if got, _ := repo.Get(ctx, "b"); got.Status != domain.StatusRunning {
			t.Fatalf("b = %s", got.Status)
		}
	})

	t.Run("DeleteTerminalOnly", func(t *testing.T) {
		repo := newRepo(t)
		_ = repo.Insert(ctx, NewTask("t1", domain.PriorityLow, Epoch))
		if err := repo.Delete(ctx, "t1"); !errors.Is(err, domain.ErrConflict) {
			t.Fatalf("expected conflict, got %v", err)
		}
		_, _ = repo.Update(ctx, "t1", func(task *domain.Task) error {
			return task.TransitionTo(domain.StatusCancelled, Epoch.Add(time.Second))
		})
		if err := repo.Delete(ctx, "t1"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, err := repo.Get(ctx, "t1"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("after delete: %v", err)
		}
	})
}

// RunLockManager exercises the LockManager contract. newLocks receives the
// manual clock the manager must read time from.
func RunLockManager(t *testing.T, newLocks func(t *testing.T, c *clock.Manual) ports.LockManager) {
	ctx := context.Background()
	const lease = 30 * time.Second

	t.Run("AcquireContention", func(t *testing.T) {
		c := clock.NewManual(Epoch)
		locks := newLocks(t, c)
		tk, err := locks.Acquire(ctx, "t1", "w1", lease)
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		if tk.TaskID != "t1" || tk.HolderID != "w1" || !tk.AcquiredAt.Equal(Epoch) || tk.Lease != lease {
			t.Fatalf("ticket = %+v", tk)
		}
		if _, err := locks.Acquire(ctx, "t1", "w2", lease); !errors.Is(err, domain.ErrAlreadyAcquired) {
			t.Fatalf("second acquire: %v", err)
		}
		if _, err := locks.Acquire(ctx, "t2", "w2", lease); err != nil {
			t.Fatalf("unrelated task blocked: %v", err)
		}
	})

	t.Run("AcquireAfterExpiry", func(t *testing.T) {
		c := clock.NewManual(Epoch)
		locks := newLocks(t, c)
		_, _ = locks.Acquire(ctx, "t1", "w1", lease)
		c.Advance(lease)
		tk, err := locks.Acquire(ctx, "t1", "w2", lease)
		if err != nil {
			t.Fatalf("expired ticket not replaced: %v", err)
		}
		if tk.HolderID != "w2" {
			t.Fatalf("holder = %s", tk.HolderID)
		}
	})

	t.Run("RenewRequiresHolder", func(t *testing.T) {
		c := clock.NewManual(Epoch)
		locks := newLocks(t, c)
		_, _ = locks.Acquire(ctx, "t1", "w1", lease)
		if _, err := locks.Renew(ctx, "t1", "w2", lease); !errors.Is(err, domain.ErrAuthorization) {
			t.Fatalf("renew by stranger: %v", err)
		}
		if _, err := locks.Renew(ctx, "t9", "w1", lease); !errors.Is(err, domain.ErrAuthorization) {
			t.Fatalf("renew of missing ticket: %v", err)
		}

		c.Advance(20 * time.Second)
		tk, err := locks.Renew(ctx, "t1", "w1", lease)
		if err != nil {
			t.Fatalf("Renew: %v", err)
		}
		if want := Epoch.Add(50 * time.Second); !tk.ExpiresAt().Equal(want) {
			t.Fatalf("expires at %v, want %v", tk.ExpiresAt(), want)
		}
		c.Advance(20 * time.Second)
		if _, err := locks.Acquire(ctx, "t1", "w2", lease); !errors.Is(err, domain.ErrAlreadyAcquired) {
			t.Fatalf("renewed lease not honored: %v", err)
		}
	})

	t.Run("ReleaseRequiresHolder", func(t *testing.T) {
		c := clock.NewManual(Epoch)
		locks := newLocks(t, c)
		_, _ = locks.Acquire(ctx, "t1", "w1", lease)
		if err := locks.Release(ctx, "t1", "w2"); !errors.Is(err, domain.ErrAuthorization) {
			t.Fatalf("release by stranger: %v", err)
		}
		if err := locks.Release(ctx, "t1", "w1"); err != nil {
			t.Fatalf("Release: %v", err)
		}
		if err := locks.Release(ctx, "t1", "w1"); !errors.Is(err, domain.ErrAuthorization) {
			t.Fatalf("double release: %v", err)
		}
		if _, err := locks.Acquire(ctx, "t1", "w2", lease); err != nil {
			t.Fatalf("acquire after release: %v", err)
		}
	})

	t.Run("ForceRelease", func(t *testing.T) {
		c := clock.NewManual(Epoch)
		locks := newLocks(t, c)
		_, _ = locks.Acquire(ctx, "t1", "w1", lease)
		if err := locks.ForceRelease(ctx, "t1"); err != nil {
			t.Fatal(err)
		}
		if err := locks.ForceRelease(ctx, "t1"); err != nil {
			t.Fatalf("force release of free lock: %v", err)
		}
		if _, err := locks.Acquire(ctx, "t1", "w2", lease); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("ReapExpired", func(t *testing.T) {
		c := clock.NewManual(Epoch)
		locks := newLocks(t, c)
		_, _ = locks.Acquire(ctx, "short", "w1", 10*time.Second)
		_, _ = locks.Acquire(ctx, "long", "w2", time.Hour)

		reaped, err := locks.ReapExpired(ctx)
		if err != nil || len(reaped) != 0 {
			t.Fatalf("premature reap: %v %v", reaped, err)
		}
		c.Advance(10 * time.Second)
		reaped, err = locks.ReapExpired(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(reaped) != 1 || reaped[0].TaskID != "short" || reaped[0].HolderID != "w1" {
			t.Fatalf("reaped = %+v", reaped)
		}
		if err := locks.Release(ctx, "short", "w1"); !errors.Is(err, domain.ErrAuthorization) {
			t.Fatalf("reaped ticket still present: %v", err)
		}
		if err := locks.Release(ctx, "long", "w2"); err != nil {
			t.Fatalf("live ticket reaped: %v", err)
		}
	})

	t.Run("ConcurrentAcquireSingleWinner", func(t *testing.T) {
		c := clock.NewManual(Epoch)
		locks := newLocks(t, c)
		const n = 32
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := locks.Acquire(ctx, "t1", fmt.Sprintf("w%d", i), lease)
				switch {
				case err == nil:
					mu.Lock()
					wins++
					mu.Unlock()
				case !errors.Is(err, domain.ErrAlreadyAcquired):
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()
		if wins != 1 {
			t.Fatalf("%d winners, want 1", wins)
		}
	})
}
