// Package memory holds the in-process TaskRepository and LockManager.
package memory

import (
	"context"
	"iter"
	"slices"
	"sync"
	"taskorch/internal/domain"
	"taskorch/internal/ports"
)

var _ ports.TaskRepository = (*Repository)(nil)

type record struct {
	mu      sync.Mutex
	task    domain.Task
	deleted bool
}

// Repository keeps tasks in a map. The map lock only guards membership; each
// record has its own lock so updates to different tasks run in parallel.
type Repository struct {
	mu      sync.RWMutex
	records map[string]*record
}

func NewRepository() *Repository {
	return &Repository{records: make(map[string]*record)}
}

func (r *Repository) Insert(_ context.Context, t domain.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[t.ID]; ok {
		return domain.NewError(domain.CodeDuplicateID, t.ID, "task already exists")
	}
	r.records[t.ID] = &record{task: *t.Clone()}
	return nil
}

func (r *Repository) lookup(id string) (*record, error) {
	r.mu.RLock()
	rec, ok := r.records[id]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.NewError(domain.CodeNotFound, id, "task not found")
	}
	return rec, nil
}

func (r *Repository) Get(_ context.Context, id string) (domain.Task, error) {
	rec, err := r.lookup(id)
	if err != nil {
		return domain.Task{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.deleted {
		return domain.Task{}, domain.NewError(domain.CodeNotFound, id, "task not found")
	}
	return *rec.task.Clone(), nil
}

func (r *Repository) Update(_ context.Context, id string, mutate ports.Mutator) (domain.Task, error) {
	rec, err := r.lookup(id)
	if err != nil {
		return domain.Task{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.deleted {
		return domain.Task{}, domain.NewError(domain.CodeNotFound, id, "task not found")
	}

	work := rec.task.Clone()
	if err := mutate(work); err != nil {
		return domain.Task{}, err
	}
	if work.ID != id {
		return domain.Task{}, domain.NewError(domain.CodeInternal, id, "mutator changed task id")
	}
	rec.task = *work
	return *work.Clone(), nil
}

func (r *Repository) List(_ context.Context, f domain.Filter) (iter.Seq[domain.Task], error) {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	out := make([]domain.Task, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		if !rec.deleted && f.Match(&rec.task) {
			out = append(out, *rec.task.Clone())
		}
		rec.mu.Unlock()
	}
	domain.SortTasks(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return slices.Values(out), nil
}

func (r *Repository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return domain.NewError(domain.CodeNotFound, id, "task not found")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.task.Status.IsTerminal() {
		return domain.NewError(domain.CodeConflict, id, "cannot delete task in status "+string(rec.task.Status))
	}
	rec.deleted = true
	delete(r.records, id)
	return nil
}
