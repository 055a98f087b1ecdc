package clock

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
}

type system struct{}

// System returns the wall clock.
func System() Clock { return system{} }

func (system) Now() time.Time { return time.Now() }

// Manual is a settable clock for tests and replays.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

func NewManual(now time.Time) *Manual {
	return &Manual{now: now}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Set(now time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	return m.now
}
