package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"slices"
	"taskorch/internal/domain"
	"taskorch/internal/ports"

	"github.com/redis/go-redis/v9"
)

// maxTxRetries bounds optimistic WATCH/MULTI retries under contention.
const maxTxRetries = 200

var _ ports.TaskRepository = (*Client)(nil)

func (c *Client) Insert(ctx context.Context, t domain.Task) error {
	b, err := json.Marshal(t)
	if err != nil {
		return domain.Wrap(domain.CodeInternal, t.ID, err, "encode task")
	}
	key := c.taskKey(t.ID)
	err = c.watch(ctx, t.ID, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return domain.NewError(domain.CodeDuplicateID, t.ID, "task already exists")
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, b, 0)
			pipe.SAdd(ctx, c.indexKey(), t.ID)
			return nil
		})
		return err
	}, key)
	return err
}

func (c *Client) Get(ctx context.Context, id string) (domain.Task, error) {
	return c.load(ctx, c.Rdb, id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (c *Client) load(ctx context.Context, r getter, id string) (domain.Task, error) {
	b, err := r.Get(ctx, c.taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Task{}, domain.NewError(domain.CodeNotFound, id, "task not found")
	}
	if err != nil {
		return domain.Task{}, domain.Wrap(domain.CodeInternal, id, err, "load task")
	}
	var t domain.Task
	if err := json.Unmarshal(b, &t); err != nil {
		return domain.Task{}, domain.Wrap(domain.CodeInternal, id, err, "decode task")
	}
	return t, nil
}

func (c *Client) Update(ctx context.Context, id string, mutate ports.Mutator) (domain.Task, error) {
	key := c.taskKey(id)
	var out domain.Task
	err := c.watch(ctx, id, func(tx *redis.Tx) error {
		t, err := c.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := mutate(&t); err != nil {
			return err
		}
		if t.ID != id {
			return domain.NewError(domain.CodeInternal, id, "mutator changed task id")
		}
		b, err := json.Marshal(t)
		if err != nil {
			return domain.Wrap(domain.CodeInternal, id, err, "encode task")
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, b, 0)
			return nil
		})
		out = t
		return err
	}, key)
	return out, err
}

func (c *Client) List(ctx context.Context, f domain.Filter) (iter.Seq[domain.Task], error) {
	ids, err := c.Rdb.SMembers(ctx, c.indexKey()).Result()
	if err != nil {
		return nil, domain.Wrap(domain.CodeInternal, "", err, "list task ids")
	}
	out := make([]domain.Task, 0, len(ids))
	if len(ids) > 0 {
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = c.taskKey(id)
		}
		vals, err := c.Rdb.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, domain.Wrap(domain.CodeInternal, "", err, "load tasks")
		}
		for i, v := range vals {
			var raw []byte
			switch v := v.(type) {
			case nil:
				// deleted between SMEMBERS and MGET
				continue
			case string:
				raw = []byte(v)
			case []byte:
				raw = v
			default:
				return nil, domain.NewError(domain.CodeInternal, ids[i], fmt.Sprintf("unexpected task type: %T", v))
			}
			var t domain.Task
			if err := json.Unmarshal(raw, &t); err != nil {
				return nil, domain.Wrap(domain.CodeInternal, ids[i], err, "decode task")
			}
			if f.Match(&t) {
				out = append(out, t)
			}
		}
	}
	domain.SortTasks(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return slices.Values(out), nil
}

func (c *Client) Delete(ctx context.Context, id string) error {
	key := c.taskKey(id)
	return c.watch(ctx, id, func(tx *redis.Tx) error {
		t, err := c.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if !t.Status.IsTerminal() {
			return domain.NewError(domain.CodeConflict, id, "cannot delete task in status "+string(t.Status))
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.SRem(ctx, c.indexKey(), id)
			return nil
		})
		return err
	}, key)
}

// watch runs fn in an optimistic transaction, retrying when a watched key
// changed underneath it.
func (c *Client) watch(ctx context.Context, id string, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := c.Rdb.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		var de *domain.Error
		if err != nil && !errors.As(err, &de) {
			return domain.Wrap(domain.CodeInternal, id, err, "redis transaction")
		}
		return err
	}
	return domain.NewError(domain.CodeInternal, id, "redis transaction kept conflicting")
}
