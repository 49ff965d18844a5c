package clock

import (
	"sync"
	"time"
)

// Manual is a Clock whose time only moves when Advance is called. After
// fires immediately and records the requested duration.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	waited []time.Duration
}

var _ Clock = (*Manual)(nil)

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) After(d time.Duration) <-chan time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.waited = append(m.waited, d)
	ch := make(chan time.Time, 1)
	ch <- m.now
	return ch
}

func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// Waited returns every duration passed to After so far.
func (m *Manual) Waited() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Duration, len(m.waited))
	copy(out, m.waited)
	return out
}
