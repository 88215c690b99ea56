// Package sqlite is a single-file TaskRepository. The full task is kept as a
// JSON document; the columns beside it exist for filtering and ordering.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
	"taskorch/internal/domain"
	"taskorch/internal/ports"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	priority   INTEGER NOT NULL,
	worker_id  TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	body       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS tasks_order ON tasks (status, priority DESC, created_at, id);
`

var _ ports.TaskRepository = (*Repository)(nil)

type Repository struct {
	db *sql.DB
}

// Open creates the database at path if needed. ":memory:" is accepted.
// File databases take the write lock when a transaction begins and wait for
// other processes instead of failing with SQLITE_BUSY.
func Open(ctx context.Context, path string) (*Repository, error) {
	dsn := path
	if !strings.HasPrefix(path, ":memory:") && !strings.Contains(path, "?") {
		dsn += "?_txlock=immediate&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// one connection serializes writers and keeps :memory: a single database
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error { return r.db.Close() }

func (r *Repository) Insert(ctx context.Context, t domain.Task) error {
	body, err := json.Marshal(t)
	if err != nil {
		return domain.Wrap(domain.CodeInternal, t.ID, err, "encode task")
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO tasks (id, status, priority, worker_id, created_at, body)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		t.ID, string(t.Status), int(t.Priority), t.WorkerID, t.CreatedAt.UnixNano(), string(body),
	)
	if err != nil {
		return domain.Wrap(domain.CodeInternal, t.ID, err, "insert task")
	}
	if n, err := res.RowsAffected(); err != nil {
		return domain.Wrap(domain.CodeInternal, t.ID, err, "insert task")
	} else if n == 0 {
		return domain.NewError(domain.CodeDuplicateID, t.ID, "task already exists")
	}
	return nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func load(ctx context.Context, q querier, id string) (domain.Task, error) {
	var body string
	err := q.QueryRowContext(ctx, `SELECT body FROM tasks WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, domain.NewError(domain.CodeNotFound, id, "task not found")
	}
	if err != nil {
		return domain.Task{}, domain.Wrap(domain.CodeInternal, id, err, "load task")
	}
	return decode(id, body)
}

func decode(id, body string) (domain.Task, error) {
	var t domain.Task
	if err := json.Unmarshal([]byte(body), &t); err != nil {
		return domain.Task{}, domain.Wrap(domain.CodeInternal, id, err, "decode task")
	}
	return t, nil
}

func (r *Repository) Get(ctx context.Context, id string) (domain.Task, error) {
	return load(ctx, r.db, id)
}

func (r *Repository) Update(ctx context.Context, id string, mutate ports.Mutator) (domain.Task, error) {
	var out domain.Task
	err := r.inTx(ctx, id, func(tx *sql.Tx) error {
		t, err := load(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := mutate(&t); err != nil {
			return err
		}
		if t.ID != id {
			return domain.NewError(domain.CodeInternal, id, "mutator changed task id")
		}
		body, err := json.Marshal(t)
		if err != nil {
			return domain.Wrap(domain.CodeInternal, id, err, "encode task")
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, priority = ?, worker_id = ?, body = ?
			WHERE id = ?`,
			string(t.Status), int(t.Priority), t.WorkerID, string(body), id,
		)
		out = t
		return err
	})
	if err != nil {
		return domain.Task{}, err
	}
	return out, nil
}

// List pushes status, worker and id prefix into SQL; tags are checked on the
// decoded task, so the limit is applied afterwards.
func (r *Repository) List(ctx context.Context, f domain.Filter) (iter.Seq[domain.Task], error) {
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		where = append(where, "status IN ("+strings.Join(marks, ",")+")")
	}
	if len(f.Priorities) > 0 {
		marks := make([]string, len(f.Priorities))
		for i, p := range f.Priorities {
			marks[i] = "?"
			args = append(args, int(p))
		}
		where = append(where, "priority IN ("+strings.Join(marks, ",")+")")
	}
	if f.WorkerID != "" {
		where = append(where, "worker_id = ?")
		args = append(args, f.WorkerID)
	}
	if f.IDPrefix != "" {
		where = append(where, "substr(id, 1, ?) = ?")
		args = append(args, len(f.IDPrefix), f.IDPrefix)
	}

	q := "SELECT id, body FROM tasks"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY priority DESC, created_at ASC, id ASC"

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, domain.Wrap(domain.CodeInternal, "", err, "list tasks")
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, domain.Wrap(domain.CodeInternal, "", err, "scan task")
		}
		t, err := decode(id, body)
		if err != nil {
			return nil, err
		}
		if !f.Match(&t) {
			continue
		}
		out = append(out, t)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Wrap(domain.CodeInternal, "", err, "list tasks")
	}
	return slices.Values(out), nil
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	return r.inTx(ctx, id, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.NewError(domain.CodeNotFound, id, "task not found")
		}
		if err != nil {
			return err
		}
		if !domain.TaskStatus(status).IsTerminal() {
			return domain.NewError(domain.CodeConflict, id, "cannot delete task in status "+status)
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
		return err
	})
}

// inTx commits when fn succeeds. Errors that are not already domain errors
// come from the driver and are reported as internal.
func (r *Repository) inTx(ctx context.Context, id string, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Wrap(domain.CodeInternal, id, err, "begin transaction")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		var de *domain.Error
		if !errors.As(err, &de) {
			return domain.Wrap(domain.CodeInternal, id, err, "sqlite transaction")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return domain.Wrap(domain.CodeInternal, id, err, "commit")
	}
	return nil
}
