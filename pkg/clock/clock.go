// Package clock provides an abstract layer over the standard time package so
// that timestamps and periodic schedules can be driven by a mock in tests.
package clock

import (
	"sync"
	"time"
)

// Clock is an interface to the standard library time.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker delivers ticks on C until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now().UTC()
}

func (realClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTicker struct {
	t *time.Ticker
}

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }

// New returns a clock backed by the wall clock. Times are UTC.
func New() Clock {
	return realClock{}
}

// Mock is a manually advanced clock. Tickers created from it fire when Advance
// moves the current time past their next deadline.
type Mock struct {
	mu          sync.RWMutex
	currentTime time.Time
	tickers     []*mockTicker
}

// NewMock returns a mock clock set to a fixed instant.
func NewMock() *Mock {
	return &Mock{
		currentTime: time.Date(2009, time.November, 10, 23, 0, 0, 0, time.UTC),
	}
}

// Now returns the current mock time.
func (m *Mock) Now() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentTime
}

// SetNow sets the current time without firing tickers.
func (m *Mock) SetNow(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentTime = t
}

// Advance moves the clock forward by d and fires every ticker whose deadline
// was crossed. A ticker fires at most once per Advance call, mirroring the
// dropped-tick behaviour of time.Ticker.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	m.currentTime = m.currentTime.Add(d)
	now := m.currentTime
	live := m.tickers[:0]
	var due []*mockTicker
	for _, t := range m.tickers {
		if t.stopped() {
			continue
		}
		live = append(live, t)
		if !now.Before(t.next) {
			due = append(due, t)
			for !now.Before(t.next) {
				t.next = t.next.Add(t.period)
			}
		}
	}
	m.tickers = live
	m.mu.Unlock()

	for _, t := range due {
		select {
		case t.ch <- now:
		default:
		}
	}
}

// NewTicker returns a ticker driven by Advance.
func (m *Mock) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &mockTicker{
		ch:     make(chan time.Time, 1),
		period: d,
		next:   m.currentTime.Add(d),
	}
	m.tickers = append(m.tickers, t)
	return t
}

// Tickers returns the number of live tickers. Tests use it to wait until a
// background loop has armed its schedule before advancing time.
func (m *Mock) Tickers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, t := range m.tickers {
		if !t.stopped() {
			n++
		}
	}
	return n
}

type mockTicker struct {
	mu     sync.Mutex
	ch     chan time.Time
	period time.Duration
	next   time.Time
	done   bool
}

func (t *mockTicker) C() <-chan time.Time { return t.ch }

func (t *mockTicker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done = true
}

func (t *mockTicker) stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}
