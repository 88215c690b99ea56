package usecase

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"taskorch/internal/domain"
	"taskorch/internal/executor"
	"taskorch/internal/infra/clock"
	"taskorch/internal/infra/memory"
	"taskorch/internal/ports"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

var epoch = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() string { return fmt.Sprintf("task-%03d", s.n.Add(1)) }

type fixture struct {
	svc   *Service
	clock *clock.Manual
	repo  *memory.Repository
	locks *memory.LockManager
	reg   *executor.Registry
	ids   *seqIDs

	mu   sync.Mutex
	next []error
}

func testPolicy() Policy {
	return Policy{
		MaxRetriesCeiling: 5,
		DefaultMaxRetries: 3,
		DefaultTimeout:    time.Minute,
		LockLease:         time.Minute,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{clock: clock.NewManual(epoch), repo: memory.NewRepository()}
	f.locks = memory.NewLockManager(f.clock)
	f.reg = executor.NewRegistry(nil, zerolog.Nop())
	f.reg.Register("script", executor.Func{ExecName: "script", Run: func(ctx context.Context, task domain.Task) (domain.TaskResult, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if len(f.next) == 0 {
			return domain.TaskResult{Output: "ok " + task.ID}, nil
		}
		err := f.next[0]
		f.next = f.next[1:]
		return domain.TaskResult{Output: "ok " + task.ID}, err
	}})
	f.ids = &seqIDs{}
	f.rewire(f.repo, f.locks)
	return f
}

// rewire rebuilds the service over repo and locks, which may wrap the
// fixture's own.
func (f *fixture) rewire(repo ports.TaskRepository, locks ports.LockManager) {
	f.svc = NewService(repo, locks, f.reg,
		WithClock(f.clock),
		WithIDGenerator(f.ids),
		WithPolicy(testPolicy()),
	)
}

// outcomes queues results for the "script" executor; nil means success.
func (f *fixture) outcomes(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next = append(f.next, errs...)
}

func intPtr(i int) *int                          { return &i }
func durPtr(d time.Duration) *time.Duration      { return &d }
func prioPtr(p domain.Priority) *domain.Priority { return &p }
func onlyTask(id string) domain.Filter           { return domain.Filter{IDPrefix: id} }

func scriptMode() domain.ExecutionMode {
	return domain.ExecutionMode{Kind: domain.ExecutorCustom, Name: "script"}
}

func wantCode(t *testing.T, err error, code domain.ErrorCode) {
	t.Helper()
	if got := domain.CodeOf(err); got != code {
		t.Fatalf("error code = %q (%v), want %q", got, err, code)
	}
}

func (f *fixture) create(t *testing.T, mods ...func(*CreateCommand)) domain.Task {
	t.Helper()
	cmd := CreateCommand{WorkContext: "/tmp", Prompt: "echo", Mode: scriptMode()}
	for _, m := range mods {
		m(&cmd)
	}
	task, err := f.svc.Create(context.Background(), cmd)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.clock.Advance(time.Second)
	return task
}

func (f *fixture) get(t *testing.T, id string) domain.Task {
	t.Helper()
	task, err := f.svc.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return task
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		cmd  CreateCommand
	}{
		{"empty work context", CreateCommand{WorkContext: " ", Prompt: "x"}},
		{"empty prompt", CreateCommand{WorkContext: "/tmp"}},
		{"retries above ceiling", CreateCommand{WorkContext: "/tmp", Prompt: "x", MaxRetries: intPtr(6)}},
		{"negative retries", CreateCommand{WorkContext: "/tmp", Prompt: "x", MaxRetries: intPtr(-1)}},
		{"zero timeout", CreateCommand{WorkContext: "/tmp", Prompt: "x", Timeout: durPtr(0)}},
		{"bad priority", CreateCommand{WorkContext: "/tmp", Prompt: "x", Priority: prioPtr(9)}},
		{"bad mode", CreateCommand{WorkContext: "/tmp", Prompt: "x", Mode: domain.ExecutionMode{Kind: domain.ExecutorCustom}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Create(ctx, tt.cmd)
			wantCode(t, err, domain.CodeValidation)
		})
	}

	seq, _ := f.svc.List(ctx, domain.Filter{})
	for task := range seq {
		t.Fatalf("invalid create stored %s", task.ID)
	}
}

func TestCreateDefaultsAndRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.svc.Create(ctx, CreateCommand{
		WorkContext: "/srv/repo",
		Prompt:      "refactor",
		Tags:        []string{"b", "a", "b"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if created.Status != domain.StatusPending || created.Priority != domain.PriorityMedium ||
		created.MaxRetries != 3 || created.Timeout != time.Minute || created.Mode.Kind != domain.ExecutorStandard {
		t.Fatalf("defaults = %+v", created)
	}
	if !reflect.DeepEqual(created.Tags, []string{"a", "b"}) {
		t.Fatalf("tags = %v", created.Tags)
	}

	got := f.get(t, created.ID)
	if !reflect.DeepEqual(got, created) {
		t.Fatalf("round trip:\n got %+v\nwant %+v", got, created)
	}
}

// Scenario A: two failures leave the task Waiting with both retries used, the
// third exhausts the budget.
func TestRetryBudgetScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.create(t, func(c *CreateCommand) {
		c.Priority = prioPtr(domain.PriorityMedium)
		c.MaxRetries = intPtr(2)
	})
	if task.Status != domain.StatusPending {
		t.Fatalf("status = %s", task.Status)
	}

	boom := errors.New("boom")
	f.outcomes(boom, boom, boom)

	want := []struct {
		status domain.TaskStatus
		retry  int
	}{
		{domain.StatusWaiting, 1},
		{domain.StatusWaiting, 2},
		{domain.StatusFailed, 2},
	}
	for i, w := range want {
		acq, err := f.svc.Acquire(ctx, "w1", domain.Filter{})
		if err != nil {
			t.Fatalf("attempt %d acquire: %v", i+1, err)
		}
		if acq.Status != domain.StatusRunning || acq.WorkerID != "w1" {
			t.Fatalf("attempt %d: acquired %+v", i+1, acq)
		}
		f.clock.Advance(time.Second)

		_, err = f.svc.Execute(ctx, task.ID, "w1")
		wantCode(t, err, domain.CodeExecution)
		if !errors.Is(err, boom) {
			t.Fatalf("cause lost: %v", err)
		}

		got := f.get(t, task.ID)
		if got.Status != w.status || got.RetryCount != w.retry {
			t.Fatalf("attempt %d: %s/%d, want %s/%d", i+1, got.Status, got.RetryCount, w.status, w.retry)
		}
		if got.WorkerID != "" || !strings.Contains(got.LastError, "boom") {
			t.Fatalf("attempt %d: worker=%q lastError=%q", i+1, got.WorkerID, got.LastError)
		}
		f.clock.Advance(time.Second)
	}

	_, err := f.svc.Acquire(ctx, "w1", domain.Filter{})
	wantCode(t, err, domain.CodeNoTaskAvailable)
}

func TestExecuteSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.create(t)

	if _, err := f.svc.Acquire(ctx, "w1", domain.Filter{}); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(time.Second)
	res, err := f.svc.Execute(ctx, task.ID, "w1")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Output != "ok "+task.ID || res.Executor != "script" || res.Status != domain.ResultSuccess {
		t.Fatalf("result = %+v", res)
	}

	got := f.get(t, task.ID)
	if got.Status != domain.StatusCompleted || got.Result == nil || got.CompletedAt == nil || got.WorkerID != "" {
		t.Fatalf("task = %+v", got)
	}
	if !got.CreatedAt.Before(*got.StartedAt) || !got.StartedAt.Before(*got.CompletedAt) {
		t.Fatalf("timestamps: %v %v %v", got.CreatedAt, *got.StartedAt, *got.CompletedAt)
	}
	if _, err := f.locks.Acquire(ctx, task.ID, "other", time.Minute); err != nil {
		t.Fatalf("lock not released: %v", err)
	}
}

func TestExecuteRequiresHolder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.create(t)
	_, _ = f.svc.Acquire(ctx, "w1", domain.Filter{})

	_, err := f.svc.Execute(ctx, task.ID, "w2")
	wantCode(t, err, domain.CodeAuthorization)
	if got := f.get(t, task.ID); got.Status != domain.StatusRunning || got.WorkerID != "w1" {
		t.Fatalf("task disturbed: %+v", got)
	}

	_, err = f.svc.Execute(ctx, "missing", "w1")
	wantCode(t, err, domain.CodeNotFound)
}

func TestUnknownCustomExecutorFallsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.create(t, func(c *CreateCommand) {
		c.Mode = domain.ExecutionMode{Kind: domain.ExecutorCustom, Name: "nonexistent"}
	})
	_, _ = f.svc.Acquire(ctx, "w1", domain.Filter{})
	res, err := f.svc.Execute(ctx, task.ID, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Executor != "standard" {
		t.Fatalf("executor = %s", res.Executor)
	}
}

// Scenario B: two holders race for a single pending task.
func TestConcurrentAcquireSingleWinner(t *testing.T) {
	for _, n := range []int{2, 50} {
		t.Run(fmt.Sprintf("%d holders", n), func(t *testing.T) {
			f := newFixture(t)
			task := f.create(t)

			var (
				wg      sync.WaitGroup
				winners atomic.Int32
				empty   atomic.Int32
			)
			start := make(chan struct{})
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(holder string) {
					defer wg.Done()
					<-start
					got, err := f.svc.Acquire(context.Background(), holder, domain.Filter{})
					switch domain.CodeOf(err) {
					case "":
						winners.Add(1)
						if got.ID != task.ID || got.WorkerID != holder {
							t.Errorf("winner got %+v", got)
						}
					case domain.CodeNoTaskAvailable:
						empty.Add(1)
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}(fmt.Sprintf("w%d", i))
			}
			close(start)
			wg.Wait()

			if winners.Load() != 1 || int(empty.Load()) != n-1 {
				t.Fatalf("winners=%d empty=%d", winners.Load(), empty.Load())
			}
		})
	}
}

func TestAcquireSkipsLockedCandidate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.create(t, func(c *CreateCommand) { c.Priority = prioPtr(domain.PriorityUrgent) })
	second := f.create(t)

	// Another process holds the ticket for the best candidate.
	if _, err := f.locks.Acquire(ctx, first.ID, "elsewhere", time.Minute); err != nil {
		t.Fatal(err)
	}
	got, err := f.svc.Acquire(ctx, "w1", domain.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != second.ID {
		t.Fatalf("acquired %s, want %s", got.ID, second.ID)
	}
}

func TestAcquireOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	low := f.create(t, func(c *CreateCommand) { c.Priority = prioPtr(domain.PriorityLow) })
	high1 := f.create(t, func(c *CreateCommand) { c.Priority = prioPtr(domain.PriorityHigh) })
	high2 := f.create(t, func(c *CreateCommand) { c.Priority = prioPtr(domain.PriorityHigh) })
	urgent := f.create(t, func(c *CreateCommand) { c.Priority = prioPtr(domain.PriorityUrgent) })

	for i, want := range []string{urgent.ID, high1.ID, high2.ID, low.ID} {
		got, err := f.svc.Acquire(ctx, fmt.Sprintf("w%d", i), domain.Filter{})
		if err != nil {
			t.Fatal(err)
		}
		if got.ID != want {
			t.Fatalf("acquire %d: got %s, want %s", i, got.ID, want)
		}
	}
	_, err := f.svc.Acquire(ctx, "w9", domain.Filter{})
	wantCode(t, err, domain.CodeNoTaskAvailable)
}

func TestAcquireFilter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.create(t)
	tagged := f.create(t, func(c *CreateCommand) { c.Tags = []string{"gpu"} })

	got, err := f.svc.Acquire(ctx, "w1", domain.Filter{Tags: []string{"gpu"}})
	if err != nil || got.ID != tagged.ID {
		t.Fatalf("got %v, %v", got.ID, err)
	}
	_, err = f.svc.Acquire(ctx, "w1", domain.Filter{Statuses: []domain.TaskStatus{domain.StatusRunning}})
	wantCode(t, err, domain.CodeNoTaskAvailable)
	_, err = f.svc.Acquire(ctx, "", domain.Filter{})
	wantCode(t, err, domain.CodeValidation)
}

// Scenario C: a crashed holder's lease expires, the scheduler reclaims the task
// and a new holder picks it up.
func TestLeaseExpiryReclaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.create(t)
	sched := NewScheduler(f.svc, time.Hour, time.Second, time.Hour, zerolog.Nop())

	if _, err := f.svc.Acquire(ctx, "w1", domain.Filter{}); err != nil {
		t.Fatal(err)
	}
	if ids := sched.Reclaim(ctx); len(ids) != 0 {
		t.Fatalf("reclaimed live lease: %v", ids)
	}

	f.clock.Advance(testPolicy().LockLease + time.Second)
	ids := sched.Reclaim(ctx)
	if !reflect.DeepEqual(ids, []string{task.ID}) {
		t.Fatalf("reclaimed %v", ids)
	}
	got := f.get(t, task.ID)
	if got.Status != domain.StatusWaiting || got.RetryCount != 1 || got.WorkerID != "" {
		t.Fatalf("after reclaim: %+v", got)
	}

	again, err := f.svc.Acquire(ctx, "w2", domain.Filter{})
	if err != nil || again.ID != task.ID || again.WorkerID != "w2" {
		t.Fatalf("re-acquire: %+v, %v", again, err)
	}
	_, err = f.svc.Execute(ctx, task.ID, "w1")
	wantCode(t, err, domain.CodeAuthorization)
}

func TestReclaimExhaustedBudgetFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.create(t, func(c *CreateCommand) { c.MaxRetries = intPtr(0) })
	_, _ = f.svc.Acquire(ctx, "w1", domain.Filter{})
	f.clock.Advance(2 * testPolicy().LockLease)
	if _, err := f.svc.ReclaimExpired(ctx); err != nil {
		t.Fatal(err)
	}
	if got := f.get(t, task.ID); got.Status != domain.StatusFailed {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestHeartbeatKeepsLease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.create(t)
	_, _ = f.svc.Acquire(ctx, "w1", domain.Filter{})

	for i := 0; i < 3; i++ {
		f.clock.Advance(50 * time.Second)
		if _, err := f.svc.Heartbeat(ctx, task.ID, "w1"); err != nil {
			t.Fatalf("heartbeat %d: %v", i, err)
		}
		if ids, _ := f.svc.ReclaimExpired(ctx); len(ids) != 0 {
			t.Fatalf("reclaimed despite heartbeat: %v", ids)
		}
	}
	_, err := f.svc.Heartbeat(ctx, task.ID, "w2")
	wantCode(t, err, domain.CodeAuthorization)
}

// listHook runs fn once, right after the first candidate snapshot is taken.
type listHook struct {
	ports.TaskRepository
	fn func()
}

func (r *listHook) List(ctx context.Context, f domain.Filter) (iter.Seq[domain.Task], error) {
	seq, err := r.TaskRepository.List(ctx, f)
	if err == nil && r.fn != nil {
		fn := r.fn
		r.fn = nil
		fn()
	}
	return seq, err
}

// An acquirer working from a stale snapshot takes over the crashed holder's
// expired ticket, loses the state race and releases it. The task must still
// be reclaimed.
func TestReclaimRunningTaskWithoutTicket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.create(t)

	hook := &listHook{TaskRepository: f.repo}
	f.rewire(hook, f.locks)
	hook.fn = func() {
		if _, err := f.svc.Acquire(ctx, "w1", domain.Filter{}); err != nil {
			t.Errorf("w1 acquire: %v", err)
		}
		f.clock.Advance(2 * testPolicy().LockLease)
	}

	_, err := f.svc.Acquire(ctx, "w2", domain.Filter{})
	wantCode(t, err, domain.CodeNoTaskAvailable)
	if got := f.get(t, task.ID); got.Status != domain.StatusRunning || got.WorkerID != "w1" {
		t.Fatalf("after stale acquire: %s worker=%q", got.Status, got.WorkerID)
	}

	ids, err := f.svc.ReclaimExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(ids, []string{task.ID}) {
		t.Fatalf("reclaimed %v", ids)
	}
	got := f.get(t, task.ID)
	if got.Status != domain.StatusWaiting || got.RetryCount != 1 || got.WorkerID != "" || !strings.Contains(got.LastError, "w1") {
		t.Fatalf("after reclaim: %+v", got)
	}
	if again, err := f.svc.Acquire(ctx, "w3", domain.Filter{}); err != nil || again.ID != task.ID {
		t.Fatalf("re-acquire: %v, %v", again.ID, err)
	}
	if ids, _ := f.svc.ReclaimExpired(ctx); len(ids) != 0 {
		t.Fatalf("reclaimed live holder: %v", ids)
	}
}

// Scenario D: cancelling a running task frees its lock; the task stays
// cancelled and cannot be acquired again.
func TestCancelRunning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	running := f.create(t, func(c *CreateCommand) { c.Priority = prioPtr(domain.PriorityHigh) })
	other := f.create(t)

	if got, _ := f.svc.Acquire(ctx, "w1", domain.Filter{}); got.ID != running.ID {
		t.Fatalf("acquired %s", got.ID)
	}
	cancelled, err := f.svc.Cancel(ctx, running.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cancelled.Status != domain.StatusCancelled || cancelled.WorkerID != "" {
		t.Fatalf("cancelled = %+v", cancelled)
	}
	if _, err := f.locks.Acquire(ctx, running.ID, "probe", time.Minute); err != nil {
		t.Fatalf("lock not released: %v", err)
	}
	_ = f.locks.Release(ctx, running.ID, "probe")

	got, err := f.svc.Acquire(ctx, "w2", domain.Filter{})
	if err != nil || got.ID != other.ID {
		t.Fatalf("w2 got %v, %v", got.ID, err)
	}
	_, err = f.svc.Acquire(ctx, "w3", onlyTask(running.ID))
	wantCode(t, err, domain.CodeNoTaskAvailable)
	if f.get(t, running.ID).Status != domain.StatusCancelled {
		t.Fatal("cancelled task changed state")
	}

	_, err = f.svc.Cancel(ctx, running.ID)
	wantCode(t, err, domain.CodeConflict)
	_, err = f.svc.Cancel(ctx, "missing")
	wantCode(t, err, domain.CodeNotFound)
}

func TestCompleteAsync(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.create(t)
	_, _ = f.svc.Acquire(ctx, "w1", domain.Filter{})
	f.clock.Advance(time.Second)

	res := domain.TaskResult{Output: "reported", Metadata: map[string]string{"pr": "42"}}
	_, err := f.svc.Complete(ctx, task.ID, "w2", res)
	wantCode(t, err, domain.CodeAuthorization)

	done, err := f.svc.Complete(ctx, task.ID, "w1", res)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != domain.StatusCompleted || done.Result.Output != "reported" || done.Result.Status != domain.ResultSuccess {
		t.Fatalf("completed = %+v", done)
	}
	_, err = f.svc.Complete(ctx, task.ID, "w1", res)
	wantCode(t, err, domain.CodeConflict)
}

func TestCompleteWithFailureResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.create(t)
	_, _ = f.svc.Acquire(ctx, "w1", domain.Filter{})

	_, err := f.svc.Complete(ctx, task.ID, "w1", domain.TaskResult{Status: "maybe"})
	wantCode(t, err, domain.CodeValidation)
	if got := f.get(t, task.ID); got.Status != domain.StatusRunning {
		t.Fatalf("rejected result changed status to %s", got.Status)
	}

	got, err := f.svc.Complete(ctx, task.ID, "w1", domain.TaskResult{Status: domain.ResultFailure, Output: "tests red"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusWaiting || got.RetryCount != 1 || got.Result != nil || got.CompletedAt != nil {
		t.Fatalf("after failure result: %+v", got)
	}
	if !strings.Contains(got.LastError, "tests red") {
		t.Fatalf("last_error = %q", got.LastError)
	}
	if _, err := f.svc.Acquire(ctx, "w2", domain.Filter{}); err != nil {
		t.Fatalf("lock kept after failure result: %v", err)
	}
}

func TestExecutorFailureResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.reg.Register("soft", executor.Func{ExecName: "soft", Run: func(context.Context, domain.Task) (domain.TaskResult, error) {
		return domain.TaskResult{Status: domain.ResultFailure, Output: "lint failed"}, nil
	}})
	task := f.create(t, func(c *CreateCommand) {
		c.MaxRetries = intPtr(0)
		c.Mode = domain.ExecutionMode{Kind: domain.ExecutorCustom, Name: "soft"}
	})
	_, _ = f.svc.Acquire(ctx, "w1", domain.Filter{})

	_, err := f.svc.Execute(ctx, task.ID, "w1")
	wantCode(t, err, domain.CodeExecution)
	got := f.get(t, task.ID)
	if got.Status != domain.StatusFailed || got.Result != nil || !strings.Contains(got.LastError, "lint failed") {
		t.Fatalf("after failure result: %+v", got)
	}
	st, err := f.svc.Statistics(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.ByStatus[domain.StatusCompleted] != 0 || st.SuccessRate != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

// taskIn drives a fresh task into the requested status through the service.
func (f *fixture) taskIn(t *testing.T, status domain.TaskStatus) domain.Task {
	t.Helper()
	ctx := context.Background()
	retries := 1
	if status == domain.StatusFailed {
		retries = 0
	}
	task := f.create(t, func(c *CreateCommand) { c.MaxRetries = intPtr(retries) })
	acquire := func() {
		if _, err := f.svc.Acquire(ctx, "w1", onlyTask(task.ID)); err != nil {
			t.Fatalf("setup acquire: %v", err)
		}
	}

	switch status {
	case domain.StatusPending:
	case domain.StatusRunning:
		acquire()
	case domain.StatusWaiting, domain.StatusFailed:
		acquire()
		f.outcomes(errors.New("setup failure"))
		_, _ = f.svc.Execute(ctx, task.ID, "w1")
	case domain.StatusCompleted:
		acquire()
		if _, err := f.svc.Execute(ctx, task.ID, "w1"); err != nil {
			t.Fatal(err)
		}
	case domain.StatusCancelled:
		if _, err := f.svc.Cancel(ctx, task.ID); err != nil {
			t.Fatal(err)
		}
	}
	got := f.get(t, task.ID)
	if got.Status != status {
		t.Fatalf("setup reached %s, want %s", got.Status, status)
	}
	f.clock.Advance(time.Second)
	return got
}

func TestOperationLegalityExhaustive(t *testing.T) {
	ctx := context.Background()
	type op struct {
		name string
		run  func(t *testing.T, f *fixture, id string) (domain.TaskStatus, error)
	}
	ops := []op{
		{"acquire", func(t *testing.T, f *fixture, id string) (domain.TaskStatus, error) {
			got, err := f.svc.Acquire(ctx, "w1", onlyTask(id))
			return got.Status, err
		}},
		{"execute", func(t *testing.T, f *fixture, id string) (domain.TaskStatus, error) {
			_, err := f.svc.Execute(ctx, id, "w1")
			return f.get(t, id).Status, err
		}},
		{"complete", func(t *testing.T, f *fixture, id string) (domain.TaskStatus, error) {
			got, err := f.svc.Complete(ctx, id, "w1", domain.TaskResult{Output: "x"})
			return got.Status, err
		}},
		{"cancel", func(t *testing.T, f *fixture, id string) (domain.TaskStatus, error) {
			got, err := f.svc.Cancel(ctx, id)
			return got.Status, err
		}},
	}

	// Resulting status for legal pairs; absent pairs must be rejected.
	legal := map[string]domain.TaskStatus{
		"pending/acquire":  domain.StatusRunning,
		"waiting/acquire":  domain.StatusRunning,
		"running/execute":  domain.StatusCompleted,
		"running/complete": domain.StatusCompleted,
		"pending/cancel":   domain.StatusCancelled,
		"waiting/cancel":   domain.StatusCancelled,
		"running/cancel":   domain.StatusCancelled,
	}

	for _, status := range domain.Statuses() {
		for _, o := range ops {
			key := string(status) + "/" + o.name
			t.Run(key, func(t *testing.T) {
				f := newFixture(t)
				task := f.taskIn(t, status)
				got, err := o.run(t, f, task.ID)

				want, ok := legal[key]
				if ok {
					if err != nil || got != want {
						t.Fatalf("got %s, %v; want %s", got, err, want)
					}
					return
				}
				wantErr := domain.CodeConflict
				if o.name == "acquire" {
					// acquire is a query: ineligible tasks are simply not candidates.
					wantErr = domain.CodeNoTaskAvailable
				}
				wantCode(t, err, wantErr)
				if after := f.get(t, task.ID); after.Status != status {
					t.Fatalf("rejected op changed status to %s", after.Status)
				}
			})
		}
	}
}

func TestExecuteTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.reg.Register("hang", executor.Func{ExecName: "hang", Run: func(ctx context.Context, _ domain.Task) (domain.TaskResult, error) {
		<-ctx.Done()
		return domain.TaskResult{}, ctx.Err()
	}})
	task := f.create(t, func(c *CreateCommand) {
		c.Timeout = durPtr(20 * time.Millisecond)
		c.Mode = domain.ExecutionMode{Kind: domain.ExecutorCustom, Name: "hang"}
	})
	_, _ = f.svc.Acquire(ctx, "w1", domain.Filter{})

	_, err := f.svc.Execute(ctx, task.ID, "w1")
	wantCode(t, err, domain.CodeTimeout)
	if domain.TaskIDOf(err) != task.ID {
		t.Fatalf("task id missing from %v", err)
	}
	got := f.get(t, task.ID)
	if got.Status != domain.StatusWaiting || got.RetryCount != 1 {
		t.Fatalf("after timeout: %s/%d", got.Status, got.RetryCount)
	}
}

func TestExecuteIgnoringDeadlineStillTimesOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.reg.Register("slow", executor.Func{ExecName: "slow", Run: func(ctx context.Context, _ domain.Task) (domain.TaskResult, error) {
		time.Sleep(40 * time.Millisecond)
		return domain.TaskResult{Output: "late"}, nil
	}})
	task := f.create(t, func(c *CreateCommand) {
		c.Timeout = durPtr(5 * time.Millisecond)
		c.Mode = domain.ExecutionMode{Kind: domain.ExecutorCustom, Name: "slow"}
	})
	_, _ = f.svc.Acquire(ctx, "w1", domain.Filter{})
	_, err := f.svc.Execute(ctx, task.ID, "w1")
	wantCode(t, err, domain.CodeTimeout)
}

func TestCallerDeadlineIsNotTaskTimeout(t *testing.T) {
	f := newFixture(t)
	f.reg.Register("hang", executor.Func{ExecName: "hang", Run: func(ctx context.Context, _ domain.Task) (domain.TaskResult, error) {
		<-ctx.Done()
		return domain.TaskResult{}, ctx.Err()
	}})
	task := f.create(t, func(c *CreateCommand) { c.Mode = domain.ExecutionMode{Kind: domain.ExecutorCustom, Name: "hang"} })
	_, _ = f.svc.Acquire(context.Background(), "w1", domain.Filter{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.svc.Execute(ctx, task.ID, "w1")
	wantCode(t, err, domain.CodeExecution)
	if got := f.get(t, task.ID); got.Status != domain.StatusWaiting || got.RetryCount != 1 {
		t.Fatalf("after caller deadline: %s/%d", got.Status, got.RetryCount)
	}
}

func blockingExecutor(started chan<- string, gate <-chan struct{}) executor.Func {
	return executor.Func{ExecName: "block", Run: func(ctx context.Context, task domain.Task) (domain.TaskResult, error) {
		started <- task.ID
		select {
		case <-ctx.Done():
			return domain.TaskResult{}, ctx.Err()
		case <-gate:
			return domain.TaskResult{Output: "released"}, nil
		}
	}}
}

func (f *fixture) startBlocking(t *testing.T, gate <-chan struct{}) (domain.Task, <-chan error) {
	t.Helper()
	started := make(chan string, 1)
	f.reg.Register("block", blockingExecutor(started, gate))
	task := f.create(t, func(c *CreateCommand) { c.Mode = domain.ExecutionMode{Kind: domain.ExecutorCustom, Name: "block"} })
	if _, err := f.svc.Acquire(context.Background(), "w1", domain.Filter{}); err != nil {
		t.Fatal(err)
	}
	errc := make(chan error, 1)
	go func() {
		_, err := f.svc.Execute(context.Background(), task.ID, "w1")
		errc <- err
	}()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("executor never started")
	}
	return task, errc
}

func TestCancelInterruptsExecution(t *testing.T) {
	f := newFixture(t)
	task, errc := f.startBlocking(t, nil)

	if _, err := f.svc.Cancel(context.Background(), task.ID); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-errc:
		wantCode(t, err, domain.CodeConflict)
	case <-time.After(5 * time.Second):
		t.Fatal("execution not interrupted")
	}
	if got := f.get(t, task.ID); got.Status != domain.StatusCancelled || got.RetryCount != 0 {
		t.Fatalf("after cancel: %+v", got)
	}
}

// renewHook runs fn once after a successful Renew.
type renewHook struct {
	ports.LockManager
	fn func(taskID string)
}

func (l *renewHook) Renew(ctx context.Context, taskID, holderID string, lease time.Duration) (domain.LockTicket, error) {
	tk, err := l.LockManager.Renew(ctx, taskID, holderID, lease)
	if err == nil && l.fn != nil {
		fn := l.fn
		l.fn = nil
		fn(taskID)
	}
	return tk, err
}

func TestCancelBeforeExecutionStarts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var ran atomic.Int32
	f.reg.Register("count", executor.Func{ExecName: "count", Run: func(ctx context.Context, _ domain.Task) (domain.TaskResult, error) {
		ran.Add(1)
		select {
		case <-ctx.Done():
			return domain.TaskResult{}, ctx.Err()
		case <-time.After(5 * time.Second):
			return domain.TaskResult{Output: "done"}, nil
		}
	}})
	task := f.create(t, func(c *CreateCommand) { c.Mode = domain.ExecutionMode{Kind: domain.ExecutorCustom, Name: "count"} })
	if _, err := f.svc.Acquire(ctx, "w1", domain.Filter{}); err != nil {
		t.Fatal(err)
	}

	hook := &renewHook{LockManager: f.locks}
	hook.fn = func(id string) {
		if _, err := f.svc.Cancel(ctx, id); err != nil {
			t.Errorf("cancel: %v", err)
		}
	}
	f.rewire(f.repo, hook)

	_, err := f.svc.Execute(ctx, task.ID, "w1")
	wantCode(t, err, domain.CodeConflict)
	if n := ran.Load(); n != 0 {
		t.Fatalf("executor ran %d times on a cancelled task", n)
	}
	if got := f.get(t, task.ID); got.Status != domain.StatusCancelled {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestShutdownInterruptsInFlight(t *testing.T) {
	f := newFixture(t)
	task, errc := f.startBlocking(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.svc.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Shutdown = %v", err)
	}
	wantCode(t, <-errc, domain.CodeExecution)

	got := f.get(t, task.ID)
	if got.Status != domain.StatusWaiting || got.WorkerID != "" {
		t.Fatalf("interrupted task left as %+v", got)
	}

	if _, err := f.svc.Acquire(context.Background(), "w2", domain.Filter{}); err != nil {
		t.Fatal(err)
	}
	_, err := f.svc.Execute(context.Background(), task.ID, "w2")
	wantCode(t, err, domain.CodeInternal)
}

func TestShutdownDrains(t *testing.T) {
	f := newFixture(t)
	gate := make(chan struct{})
	task, errc := f.startBlocking(t, gate)

	shut := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shut <- f.svc.Shutdown(ctx)
	}()
	close(gate)

	if err := <-errc; err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if err := <-shut; err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := f.get(t, task.ID); got.Status != domain.StatusCompleted {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestStatistics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.taskIn(t, domain.StatusCompleted)
	_ = f.taskIn(t, domain.StatusFailed)
	_ = f.taskIn(t, domain.StatusPending)
	_ = f.taskIn(t, domain.StatusCancelled)

	a, err := f.svc.Statistics(ctx)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := f.svc.Statistics(ctx)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("statistics not idempotent:\n%+v\n%+v", a, b)
	}
	if a.Total != 4 || a.ByStatus[domain.StatusCompleted] != 1 || a.ByStatus[domain.StatusFailed] != 1 {
		t.Fatalf("stats = %+v", a)
	}
	if a.SuccessRate != 0.5 || a.MeanCompletionLatency <= 0 {
		t.Fatalf("rate=%v latency=%v", a.SuccessRate, a.MeanCompletionLatency)
	}

	empty, _ := newFixture(t).svc.Statistics(ctx)
	if empty.Total != 0 || empty.SuccessRate != 0 {
		t.Fatalf("empty = %+v", empty)
	}
}

func TestPurgeTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sched := NewScheduler(f.svc, time.Hour, time.Second, time.Hour, zerolog.Nop())
	done := f.taskIn(t, domain.StatusCompleted)
	pending := f.taskIn(t, domain.StatusPending)

	if n := sched.Cleanup(ctx); n != 0 {
		t.Fatalf("purged %d inside retention", n)
	}
	f.clock.Advance(2 * time.Hour)
	if n := sched.Cleanup(ctx); n != 1 {
		t.Fatalf("purged %d, want 1", n)
	}
	if _, err := f.svc.Get(ctx, done.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("completed task survived: %v", err)
	}
	if _, err := f.svc.Get(ctx, pending.ID); err != nil {
		t.Fatalf("pending task purged: %v", err)
	}
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pending := f.taskIn(t, domain.StatusPending)
	wantCode(t, f.svc.Delete(ctx, pending.ID), domain.CodeConflict)
	failed := f.taskIn(t, domain.StatusFailed)
	if err := f.svc.Delete(ctx, failed.ID); err != nil {
		t.Fatal(err)
	}
}
