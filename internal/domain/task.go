package domain

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusWaiting   TaskStatus = "waiting"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// Statuses lists every status in lifecycle order.
func Statuses() []TaskStatus {
	return []TaskStatus{
		StatusPending, StatusWaiting, StatusRunning,
		StatusCompleted, StatusFailed, StatusCancelled,
	}
}

func (s TaskStatus) Valid() bool {
	return slices.Contains(Statuses(), s)
}

// IsTerminal reports whether no further transition is legal out of s.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Acquirable reports whether a task in status s may be handed to a worker.
func (s TaskStatus) Acquirable() bool {
	return s == StatusPending || s == StatusWaiting
}

var transitions = map[TaskStatus][]TaskStatus{
	StatusPending: {StatusRunning, StatusCancelled},
	StatusWaiting: {StatusRunning, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusWaiting, StatusCancelled},
}

// CanTransition reports whether from -> to is an edge of the task state machine.
func CanTransition(from, to TaskStatus) bool {
	return slices.Contains(transitions[from], to)
}

type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityUrgent
)

var priorityNames = []string{"low", "medium", "high", "urgent"}

func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityUrgent
}

func (p Priority) String() string {
	if !p.Valid() {
		return fmt.Sprintf("priority(%d)", int(p))
	}
	return priorityNames[p]
}

func ParsePriority(s string) (Priority, error) {
	i := slices.Index(priorityNames, strings.ToLower(strings.TrimSpace(s)))
	if i < 0 {
		return 0, fmt.Errorf("unknown priority %q", s)
	}
	return Priority(i), nil
}

func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

type ExecutorKind string

const (
	ExecutorStandard ExecutorKind = "standard"
	ExecutorProcess  ExecutorKind = "process"
	ExecutorCustom   ExecutorKind = "custom"
)

// ExecutionMode declares which executor runs a task. Name is only meaningful
// for ExecutorCustom.
type ExecutionMode struct {
	Kind ExecutorKind `json:"kind"`
	Name string       `json:"name,omitempty"`
}

func (m ExecutionMode) Valid() bool {
	switch m.Kind {
	case ExecutorStandard, ExecutorProcess:
		return true
	case ExecutorCustom:
		return m.Name != ""
	}
	return false
}

func (m ExecutionMode) String() string {
	if m.Kind == ExecutorCustom {
		return "custom:" + m.Name
	}
	return string(m.Kind)
}

// ParseExecutionMode accepts "standard", "process" or "custom:<name>". Empty
// input yields the standard mode.
func ParseExecutionMode(s string) (ExecutionMode, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ExecutionMode{Kind: ExecutorStandard}, nil
	}
	kind, name, _ := strings.Cut(s, ":")
	m := ExecutionMode{Kind: ExecutorKind(kind), Name: name}
	if m.Kind != ExecutorCustom {
		m.Name = ""
	}
	if !m.Valid() {
		return ExecutionMode{}, fmt.Errorf("unknown execution mode %q", s)
	}
	return m, nil
}

type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultFailure ResultStatus = "failure"
)

func (s ResultStatus) Valid() bool {
	return s == ResultSuccess || s == ResultFailure
}

type TaskResult struct {
	Status   ResultStatus      `json:"status"`
	Output   string            `json:"output"`
	Duration time.Duration     `json:"duration"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Executor string            `json:"executor"`
}

func (r TaskResult) Clone() TaskResult {
	if r.Metadata != nil {
		md := make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			md[k] = v
		}
		r.Metadata = md
	}
	return r
}

type Task struct {
	ID          string        `json:"id"`
	WorkContext string        `json:"work_context"`
	Prompt      string        `json:"prompt"`
	Priority    Priority      `json:"priority"`
	Status      TaskStatus    `json:"status"`
	Tags        []string      `json:"tags,omitempty"`
	Mode        ExecutionMode `json:"mode"`
	RetryCount  int           `json:"retry_count"`
	MaxRetries  int           `json:"max_retries"`
	Timeout     time.Duration `json:"timeout"`
	WorkerID    string        `json:"worker_id,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	Result      *TaskResult   `json:"result,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// Clone returns a deep copy so callers never share slices or pointers with a
// repository's canonical record.
func (t *Task) Clone() *Task {
	c := *t
	if t.Tags != nil {
		c.Tags = slices.Clone(t.Tags)
	}
	if t.Result != nil {
		r := t.Result.Clone()
		c.Result = &r
	}
	if t.StartedAt != nil {
		s := *t.StartedAt
		c.StartedAt = &s
	}
	if t.CompletedAt != nil {
		d := *t.CompletedAt
		c.CompletedAt = &d
	}
	return &c
}

// NormalizeTags turns a label list into a sorted set.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag != "" {
			out = append(out, tag)
		}
	}
	slices.Sort(out)
	out = slices.Compact(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

func (t *Task) HasTag(tag string) bool {
	_, ok := slices.BinarySearch(t.Tags, tag)
	return ok
}

// Touch advances UpdatedAt to now, or by one nanosecond when the clock has not
// moved, so every mutation is observable.
func (t *Task) Touch(now time.Time) {
	if !now.After(t.UpdatedAt) {
		now = t.UpdatedAt.Add(time.Nanosecond)
	}
	t.UpdatedAt = now
}

// TransitionTo moves the task along a legal edge and maintains the fields tied
// to each state. Retry accounting is the caller's job (see FailAttempt).
func (t *Task) TransitionTo(to TaskStatus, now time.Time) error {
	if !CanTransition(t.Status, to) {
		return NewError(CodeConflict, t.ID, fmt.Sprintf("illegal transition %s -> %s", t.Status, to))
	}
	t.Status = to
	t.Touch(now)
	switch to {
	case StatusRunning:
		if t.StartedAt == nil {
			s := t.UpdatedAt
			t.StartedAt = &s
		}
	case StatusCompleted:
		c := t.UpdatedAt
		t.CompletedAt = &c
	}
	if to != StatusRunning {
		t.WorkerID = ""
	}
	return nil
}

// Start moves an acquirable task to Running on behalf of holder.
func (t *Task) Start(holder string, now time.Time) error {
	if err := t.TransitionTo(StatusRunning, now); err != nil {
		return err
	}
	t.WorkerID = holder
	return nil
}

// Complete records a successful result.
func (t *Task) Complete(res TaskResult, now time.Time) error {
	if err := t.TransitionTo(StatusCompleted, now); err != nil {
		return err
	}
	r := res.Clone()
	t.Result = &r
	return nil
}

// FailAttempt applies the retry edge for a failed attempt: Waiting with one
// more retry consumed while budget remains, Failed once RetryCount has reached
// MaxRetries.
func (t *Task) FailAttempt(reason string, now time.Time) error {
	next := StatusFailed
	if t.RetryCount < t.MaxRetries {
		next = StatusWaiting
	}
	if err := t.TransitionTo(next, now); err != nil {
		return err
	}
	if next == StatusWaiting {
		t.RetryCount++
	}
	t.LastError = reason
	return nil
}

// Less orders tasks by priority descending, then creation time, then id.
func Less(a, b *Task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// SortTasks sorts in acquisition order.
func SortTasks(tasks []Task) {
	slices.SortFunc(tasks, func(a, b Task) int {
		switch {
		case Less(&a, &b):
			return -1
		case Less(&b, &a):
			return 1
		}
		return 0
	})
}

// LockTicket is an exclusive, time-bounded claim on a task id.
type LockTicket struct {
	TaskID     string        `json:"task_id"`
	HolderID   string        `json:"holder_id"`
	AcquiredAt time.Time     `json:"acquired_at"`
	Lease      time.Duration `json:"lease"`
}

func (l LockTicket) ExpiresAt() time.Time {
	return l.AcquiredAt.Add(l.Lease)
}

// Expired reports whether the lease has elapsed at now.
func (l LockTicket) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt())
}
