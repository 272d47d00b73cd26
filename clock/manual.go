package clock

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Manual is a deterministic Clock. Time only moves when Advance or Sleep is
// called, and scheduled jobs run synchronously on the goroutine calling
// Advance, in due-time order (ties in registration order).
//
// Thread-safety: all methods are safe for concurrent use. Jobs run without
// the clock's lock held, so they may call Now.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	jobs   []*job
	nextID int
	slept  []time.Duration
}

type job struct {
	id       int
	interval time.Duration
	next     time.Time
	fn       func()
	stopped  bool
}

var _ Clock = (*Manual)(nil)

// NewManual creates a Manual clock starting at start (converted to UTC).
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Every(interval time.Duration, fn func()) func() {
	if interval <= 0 {
		return func() {}
	}
	m.mu.Lock()
	m.nextID++
	j := &job{id: m.nextID, interval: interval, next: m.now.Add(interval), fn: fn}
	m.jobs = append(m.jobs, j)
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		j.stopped = true
		for i, other := range m.jobs {
			if other == j {
				m.jobs = append(m.jobs[:i], m.jobs[i+1:]...)
				break
			}
		}
	}
}

// Sleep moves the clock forward by d without running scheduled jobs and
// records the requested delay.
func (m *Manual) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if d > 0 {
		m.now = m.now.Add(d)
	}
	m.slept = append(m.slept, d)
	m.mu.Unlock()
	return nil
}

// Slept returns the delays requested through Sleep, in call order.
func (m *Manual) Slept() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Duration, len(m.slept))
	copy(out, m.slept)
	return out
}

// Set jumps the clock to t without running jobs.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t.UTC()
	m.mu.Unlock()
}

// Advance moves the clock forward by d, running every job that falls due.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		due := m.dueLocked(target)
		if due == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		m.now = due.next
		due.next = due.next.Add(due.interval)
		fn := due.fn
		m.mu.Unlock()

		fn()
	}
}

// Jobs reports the number of active scheduled jobs.
func (m *Manual) Jobs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

func (m *Manual) dueLocked(target time.Time) *job {
	var candidates []*job
	for _, j := range m.jobs {
		if !j.stopped && !j.next.After(target) {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(a, b int) bool {
		if candidates[a].next.Equal(candidates[b].next) {
			return candidates[a].id < candidates[b].id
		}
		return candidates[a].next.Before(candidates[b].next)
	})
	return candidates[0]
}
