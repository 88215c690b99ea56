package memory

import (
	"context"
	"sync"
	"taskorch/internal/domain"
	"taskorch/internal/ports"
	"time"
)

var _ ports.LockManager = (*LockManager)(nil)

// LockManager is a ticket table keyed by task id.
type LockManager struct {
	clock ports.Clock

	mu      sync.Mutex
	tickets map[string]domain.LockTicket
}

func NewLockManager(clock ports.Clock) *LockManager {
	return &LockManager{clock: clock, tickets: make(map[string]domain.LockTicket)}
}

func (l *LockManager) Acquire(_ context.Context, taskID, holderID string, lease time.Duration) (domain.LockTicket, error) {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, ok := l.tickets[taskID]; ok && !cur.Expired(now) {
		return domain.LockTicket{}, domain.NewError(domain.CodeAlreadyAcquired, taskID, "held by "+cur.HolderID)
	}
	tk := domain.LockTicket{TaskID: taskID, HolderID: holderID, AcquiredAt: now, Lease: lease}
	l.tickets[taskID] = tk
	return tk, nil
}

func (l *LockManager) Renew(_ context.Context, taskID, holderID string, lease time.Duration) (domain.LockTicket, error) {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.tickets[taskID]
	if !ok || cur.HolderID != holderID {
		return domain.LockTicket{}, domain.NewError(domain.CodeAuthorization, taskID, "lock not held by "+holderID)
	}
	cur.Lease = now.Sub(cur.AcquiredAt) + lease
	l.tickets[taskID] = cur
	return cur, nil
}

func (l *LockManager) Release(_ context.Context, taskID, holderID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.tickets[taskID]
	if !ok || cur.HolderID != holderID {
		return domain.NewError(domain.CodeAuthorization, taskID, "lock not held by "+holderID)
	}
	delete(l.tickets, taskID)
	return nil
}

func (l *LockManager) ForceRelease(_ context.Context, taskID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.tickets, taskID)
	return nil
}

func (l *LockManager) ReapExpired(_ context.Context) ([]domain.LockTicket, error) {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	var reaped []domain.LockTicket
	for id, tk := range l.tickets {
		if tk.Expired(now) {
			reaped = append(reaped, tk)
			delete(l.tickets, id)
		}
	}
	return reaped, nil
}
