package common

import (
	"sync"
	"time"
)

// Monitor is a uint32 value whose changes can be waited upon. Every Set wakes
// all the waiters, which re-check their condition. The zero value is ready to
// use.
type Monitor struct {
	mu      sync.Mutex
	value   uint32
	changed chan struct{}
}

// NewMonitor returns a Monitor initialised with value.
func NewMonitor(value uint32) *Monitor {
	return &Monitor{value: value}
}

// Get returns the current value.
func (m *Monitor) Get() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value
}

// Set changes the value and wakes up the waiters.
func (m *Monitor) Set(value uint32) {
	m.mu.Lock()
	m.value = value
	if m.changed != nil {
		close(m.changed)
		m.changed = nil
	}
	m.mu.Unlock()
}

// WaitGE blocks until the value is greater or equal to value.
func (m *Monitor) WaitGE(value uint32) {
	m.WaitFunc(func(v uint32) bool { return v >= value }, 0)
}

// TimedWaitGE is WaitGE with a timeout. It reports whether the condition was
// met.
func (m *Monitor) TimedWaitGE(value uint32, timeout time.Duration) bool {
	return m.WaitFunc(func(v uint32) bool { return v >= value }, timeout)
}

// WaitFunc blocks until cond holds for the current value, or until timeout
// elapses. A timeout <= 0 waits forever.
func (m *Monitor) WaitFunc(cond func(uint32) bool, timeout time.Duration) bool {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		m.mu.Lock()
		if cond(m.value) {
			m.mu.Unlock()
			return true
		}
		if m.changed == nil {
			m.changed = make(chan struct{})
		}
		changed := m.changed
		m.mu.Unlock()

		select {
		case <-changed:
		case <-expired:
			return cond(m.Get())
		}
	}
}
