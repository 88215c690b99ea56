package clock

import (
	"sync"
	"taskorch/internal/ports"
	"time"

	"github.com/google/uuid"
)

var (
	_ ports.Clock       = System{}
	_ ports.Clock       = (*Manual)(nil)
	_ ports.IDGenerator = UUID{}
)

type System struct{}

func (System) Now() time.Time { return time.Now().UTC() }

// Manual is a clock that only moves when told to.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	return m.now
}

func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

type UUID struct{}

func (UUID) NewID() string { return uuid.NewString() }
