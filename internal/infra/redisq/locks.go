package redisq

import (
	"context"
	"fmt"
	"strconv"
	"taskorch/internal/domain"
	"taskorch/internal/ports"
	"time"

	"github.com/redis/go-redis/v9"
)

// Each ticket is a hash lock:<id>{holder, acquired_at, lease, expires_at} in
// milliseconds; the leases ZSET scores task ids by expiry so reaping only
// scans due entries. Time comes from the caller's clock, not the server's.
var (
	acquireScript = redis.NewScript(`
local exp = redis.call('HGET', KEYS[1], 'expires_at')
if exp and tonumber(exp) > tonumber(ARGV[3]) then
	return {0, redis.call('HGET', KEYS[1], 'holder')}
end
local expires = tonumber(ARGV[3]) + tonumber(ARGV[4])
redis.call('HSET', KEYS[1], 'holder', ARGV[2], 'acquired_at', ARGV[3], 'lease', ARGV[4], 'expires_at', expires)
redis.call('ZADD', KEYS[2], expires, ARGV[1])
return {1, ARGV[2]}
`)

	renewScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'holder') ~= ARGV[2] then
	return -1
end
local acquired = tonumber(redis.call('HGET', KEYS[1], 'acquired_at'))
local expires = tonumber(ARGV[3]) + tonumber(ARGV[4])
redis.call('HSET', KEYS[1], 'lease', expires - acquired, 'expires_at', expires)
redis.call('ZADD', KEYS[2], expires, ARGV[1])
return acquired
`)

	releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'holder') ~= ARGV[2] then
	return 0
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return 1
`)

	reapScript = redis.NewScript(`
local out = {}
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
for _, id in ipairs(ids) do
	local key = ARGV[2] .. id
	local f = redis.call('HMGET', key, 'holder', 'acquired_at', 'lease', 'expires_at')
	if not f[4] then
		redis.call('ZREM', KEYS[1], id)
	elseif tonumber(f[4]) <= tonumber(ARGV[1]) then
		redis.call('DEL', key)
		redis.call('ZREM', KEYS[1], id)
		table.insert(out, id)
		table.insert(out, f[1])
		table.insert(out, f[2])
		table.insert(out, f[3])
	else
		redis.call('ZADD', KEYS[1], f[4], id)
	end
end
return out
`)

	lockScripts = map[string]*redis.Script{
		"acquire": acquireScript,
		"renew":   renewScript,
		"release": releaseScript,
		"reap":    reapScript,
	}
)

// reapBatch caps how many due leases one ReapExpired call inspects.
const reapBatch = 128

var _ ports.LockManager = (*LockManager)(nil)

type LockManager struct {
	C     *Client
	Clock ports.Clock
}

func NewLockManager(c *Client, clock ports.Clock) *LockManager {
	return &LockManager{C: c, Clock: clock}
}

func (l *LockManager) Acquire(ctx context.Context, taskID, holderID string, lease time.Duration) (domain.LockTicket, error) {
	now := l.Clock.Now()
	res, err := acquireScript.Run(ctx, l.C.Rdb,
		[]string{l.C.lockKey(taskID), l.C.leaseKey()},
		taskID, holderID, now.UnixMilli(), lease.Milliseconds(),
	).Slice()
	if err != nil {
		return domain.LockTicket{}, domain.Wrap(domain.CodeInternal, taskID, err, "acquire lock")
	}
	if len(res) != 2 {
		return domain.LockTicket{}, domain.NewError(domain.CodeInternal, taskID, fmt.Sprintf("unexpected acquire reply %v", res))
	}
	if ok, _ := res[0].(int64); ok != 1 {
		return domain.LockTicket{}, domain.NewError(domain.CodeAlreadyAcquired, taskID, fmt.Sprintf("held by %v", res[1]))
	}
	return domain.LockTicket{
		TaskID:     taskID,
		HolderID:   holderID,
		AcquiredAt: msTime(now.UnixMilli()),
		Lease:      lease.Truncate(time.Millisecond),
	}, nil
}

func (l *LockManager) Renew(ctx context.Context, taskID, holderID string, lease time.Duration) (domain.LockTicket, error) {
	now := l.Clock.Now()
	acquired, err := renewScript.Run(ctx, l.C.Rdb,
		[]string{l.C.lockKey(taskID), l.C.leaseKey()},
		taskID, holderID, now.UnixMilli(), lease.Milliseconds(),
	).Int64()
	if err != nil {
		return domain.LockTicket{}, domain.Wrap(domain.CodeInternal, taskID, err, "renew lock")
	}
	if acquired < 0 {
		return domain.LockTicket{}, domain.NewError(domain.CodeAuthorization, taskID, "lock not held by "+holderID)
	}
	expires := now.UnixMilli() + lease.Milliseconds()
	return domain.LockTicket{
		TaskID:     taskID,
		HolderID:   holderID,
		AcquiredAt: msTime(acquired),
		Lease:      time.Duration(expires-acquired) * time.Millisecond,
	}, nil
}

func (l *LockManager) Release(ctx context.Context, taskID, holderID string) error {
	n, err := releaseScript.Run(ctx, l.C.Rdb,
		[]string{l.C.lockKey(taskID), l.C.leaseKey()},
		taskID, holderID,
	).Int64()
	if err != nil {
		return domain.Wrap(domain.CodeInternal, taskID, err, "release lock")
	}
	if n != 1 {
		return domain.NewError(domain.CodeAuthorization, taskID, "lock not held by "+holderID)
	}
	return nil
}

func (l *LockManager) ForceRelease(ctx context.Context, taskID string) error {
	_, err := l.C.Rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, l.C.lockKey(taskID))
		pipe.ZRem(ctx, l.C.leaseKey(), taskID)
		return nil
	})
	if err != nil {
		return domain.Wrap(domain.CodeInternal, taskID, err, "force release lock")
	}
	return nil
}

func (l *LockManager) ReapExpired(ctx context.Context) ([]domain.LockTicket, error) {
	now := l.Clock.Now().UnixMilli()
	flat, err := reapScript.Run(ctx, l.C.Rdb,
		[]string{l.C.leaseKey()},
		now, l.C.lockKey(""), reapBatch,
	).StringSlice()
	if err != nil {
		return nil, domain.Wrap(domain.CodeInternal, "", err, "reap expired locks")
	}
	if len(flat)%4 != 0 {
		return nil, domain.NewError(domain.CodeInternal, "", fmt.Sprintf("unexpected reap reply of %d items", len(flat)))
	}

	tickets := make([]domain.LockTicket, 0, len(flat)/4)
	for i := 0; i < len(flat); i += 4 {
		acquired, _ := strconv.ParseInt(flat[i+2], 10, 64)
		lease, _ := strconv.ParseInt(flat[i+3], 10, 64)
		tickets = append(tickets, domain.LockTicket{
			TaskID:     flat[i],
			HolderID:   flat[i+1],
			AcquiredAt: msTime(acquired),
			Lease:      time.Duration(lease) * time.Millisecond,
		})
	}
	return tickets, nil
}

func msTime(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
