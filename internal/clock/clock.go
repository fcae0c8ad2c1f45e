// Package clock provides the time base the scheduler commits play times
// against. Times are seconds from an arbitrary epoch.
package clock

import (
	"sync"
	"time"
)

// Source exposes monotonic time in seconds. Now never blocks.
type Source interface {
	Now() float64
}

// Monotonic reads the process monotonic clock. Go's time.Since uses the
// monotonic reading, so wall clock steps never move it backwards.
type Monotonic struct {
	start time.Time
}

func NewMonotonic() *Monotonic {
	return &Monotonic{start: time.Now()}
}

func (m *Monotonic) Now() float64 {
	return time.Since(m.start).Seconds()
}

// WallTime maps a clock reading back to wall time, for backends that need
// absolute timestamps (OSC timetags).
func (m *Monotonic) WallTime(t float64) time.Time {
	return m.start.Add(time.Duration(t * float64(time.Second)))
}

// Manual is a clock that only moves when told to. Used for offline renders
// and deterministic tests.
type Manual struct {
	mu  sync.Mutex
	now float64
}

func NewManual(start float64) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set jumps to t. Moving backwards is ignored.
func (m *Manual) Set(t float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t > m.now {
		m.now = t
	}
}

func (m *Manual) Advance(d float64) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.now += d
	m.mu.Unlock()
}

// WallTime treats the manual epoch as the Unix epoch.
func (m *Manual) WallTime(t float64) time.Time {
	return time.Unix(0, 0).Add(time.Duration(t * float64(time.Second)))
}
