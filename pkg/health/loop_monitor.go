package health

import (
	"sync/atomic"
	"time"
)

// LoopMonitor tracks liveness of a long-running background loop such as a
// stream consumer or a periodic sweep. A tick marks progress and clears any
// previously recorded error; an error sticks until the next tick.
type LoopMonitor struct {
	lastTickUnixNano atomic.Int64
	ticks            atomic.Int64
	lastErr          atomic.Value // string
}

// Tick records one loop iteration.
func (m *LoopMonitor) Tick() {
	m.lastTickUnixNano.Store(time.Now().UnixNano())
	m.ticks.Add(1)
	m.lastErr.Store("")
}

// SetError records a loop failure without advancing the tick clock.
func (m *LoopMonitor) SetError(err error) {
	if err == nil {
		return
	}
	m.lastErr.Store(err.Error())
}

// Ticks returns the number of iterations observed since startup.
func (m *LoopMonitor) Ticks() int64 {
	return m.ticks.Load()
}

func (m *LoopMonitor) LastError() string {
	s, _ := m.lastErr.Load().(string)
	return s
}

// Healthy reports whether the loop ticked within maxAge of now. A loop that
// never ticked is unhealthy. maxAge <= 0 defaults to 10s.
func (m *LoopMonitor) Healthy(now time.Time, maxAge time.Duration) (ok bool, age time.Duration, lastErr string) {
	lastErr = m.LastError()
	last := m.lastTickUnixNano.Load()
	if last <= 0 {
		return false, 0, lastErr
	}
	if maxAge <= 0 {
		maxAge = 10 * time.Second
	}
	t := time.Unix(0, last)
	if now.Before(t) {
		return true, 0, lastErr
	}
	age = now.Sub(t)
	return age <= maxAge, age, lastErr
}
