package state

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mosaicnetworks/mural/src/common"
)

// State captures the lifecycle of a stage: Stopped, Mapped, Initializing,
// Running, Stopping or Failed.
type State uint32

const (
	// Stopped is the state of a stage that is not initialised. It is the
	// initial and the final state.
	Stopped State = iota

	// Mapped is the state of a stage attached to its tree, before its
	// ConfigInit command is executed.
	Mapped

	// Initializing is the state in which a stage executes its ConfigInit
	// callback.
	Initializing

	// Running is the state in which a stage executes frames.
	Running

	// Stopping is the state in which a stage releases its pending frame and
	// executes its ConfigExit callback.
	Stopping

	// Failed is the state of a stage whose ConfigInit or ConfigExit callback
	// failed.
	Failed
)

// WGLIMIT is the maximum number of goroutines that can be launched through
// state.GoFunc
const WGLIMIT = 20

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case Stopped:
		return "Stopped"
	case Mapped:
		return "Mapped"
	case Initializing:
		return "Initializing"
	case Running:
		return "Running"
	case Stopping:
		return "Stopping"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Manager wraps a State with get, set and wait methods. It is also used to
// limit the number of goroutines launched by its owner, and to wait for all of
// them to complete.
type Manager struct {
	state   common.Monitor
	wg      sync.WaitGroup
	wgCount int32
}

// GetState returns the current state.
func (b *Manager) GetState() State {
	return State(b.state.Get())
}

// SetState sets the state and wakes up the goroutines waiting for it.
func (b *Manager) SetState(s State) {
	b.state.Set(uint32(s))
}

// WaitFor blocks until the state is one of states, or timeout elapses. A
// timeout <= 0 waits forever. It returns the state it observed last and
// whether it is one of states.
func (b *Manager) WaitFor(timeout time.Duration, states ...State) (State, bool) {
	ok := b.state.WaitFunc(func(v uint32) bool {
		for _, s := range states {
			if State(v) == s {
				return true
			}
		}
		return false
	}, timeout)
	return b.GetState(), ok
}

// GoFunc launches a goroutine for a given function, if there are currently
// less than WGLIMIT running. It increments the waitgroup and reports whether
// the goroutine was launched.
func (b *Manager) GoFunc(f func()) bool {
	if atomic.AddInt32(&b.wgCount, 1) > WGLIMIT {
		atomic.AddInt32(&b.wgCount, -1)
		return false
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer atomic.AddInt32(&b.wgCount, -1)
		f()
	}()
	return true
}

// WaitRoutines waits for all the goroutines in the waitgroup.
func (b *Manager) WaitRoutines() {
	b.wg.Wait()
}
