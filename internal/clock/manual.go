package clock

import (
	"sort"
	"sync"
	"time"
)

// Manual is a virtual clock for tests and simulations. Time only moves when
// Advance is called; due callbacks run synchronously on the advancing
// goroutine, in firing order, with Now reflecting each callback's due time.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	nextID  int
	pending []*manualTimer
}

type manualTimer struct {
	owner *Manual
	id    int
	due   time.Time
	fn    func()
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) ScheduleAfter(d time.Duration, fn func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	t := &manualTimer{owner: m, id: m.nextID, due: m.now.Add(d), fn: fn}
	m.pending = append(m.pending, t)
	return t
}

// Advance moves virtual time forward by d, firing every callback whose due
// time falls inside the window. Callbacks may schedule further callbacks;
// those fire too if they land within the same window.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	for {
		t := m.popDueLocked(target)
		if t == nil {
			break
		}
		m.now = t.due
		m.mu.Unlock()
		t.fn()
		m.mu.Lock()
	}
	m.now = target
	m.mu.Unlock()
}

// popDueLocked removes and returns the earliest timer due at or before target.
// Ties break by scheduling order.
func (m *Manual) popDueLocked(target time.Time) *manualTimer {
	if len(m.pending) == 0 {
		return nil
	}
	sort.SliceStable(m.pending, func(i, j int) bool {
		if m.pending[i].due.Equal(m.pending[j].due) {
			return m.pending[i].id < m.pending[j].id
		}
		return m.pending[i].due.Before(m.pending[j].due)
	})
	if m.pending[0].due.After(target) {
		return nil
	}
	t := m.pending[0]
	m.pending = m.pending[1:]
	return t
}

func (t *manualTimer) Cancel() bool {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	for i, p := range t.owner.pending {
		if p.id == t.id {
			t.owner.pending = append(t.owner.pending[:i], t.owner.pending[i+1:]...)
			return true
		}
	}
	return false
}
