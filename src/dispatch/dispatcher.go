package dispatch

import (
	"fmt"
	"sync"

	"github.com/mosaicnetworks/mural/src/command"
)

// Result is the outcome of invoking a command handler.
type Result int

const (
	// Handled means the command was executed.
	Handled Result = iota
	// Discard means the command was obsolete and has been dropped.
	Discard
	// Error means the command violated the protocol. It is fatal for the
	// owner of the dispatcher.
	Error
)

// String ...
func (r Result) String() string {
	switch r {
	case Handled:
		return "Handled"
	case Discard:
		return "Discard"
	case Error:
		return "Error"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// Handler executes a command.
type Handler func(*command.Command) Result

type entry struct {
	handler Handler
	queue   *command.Queue
}

// Dispatcher maps command ids to handlers. A handler registered without a
// queue runs on the goroutine that dispatches the command; otherwise the
// command is pushed on the queue and the goroutine that owns the queue calls
// InvokeCommand after popping it.
type Dispatcher struct {
	sync.RWMutex
	entries map[uint32]entry
}

// NewDispatcher ...
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		entries: make(map[uint32]entry),
	}
}

// RegisterCommand binds a handler, and an optional queue, to a command id. A
// previous registration of the same id is replaced.
func (d *Dispatcher) RegisterCommand(id uint32, handler Handler, queue *command.Queue) {
	d.Lock()
	defer d.Unlock()
	d.entries[id] = entry{handler: handler, queue: queue}
}

// Unregister removes the registration of a command id.
func (d *Dispatcher) Unregister(id uint32) {
	d.Lock()
	defer d.Unlock()
	delete(d.entries, id)
}

// Registered reports whether a handler is bound to the command id.
func (d *Dispatcher) Registered(id uint32) bool {
	d.RLock()
	defer d.RUnlock()
	_, ok := d.entries[id]
	return ok
}

// DispatchCommand runs or queues cmd. It returns false when no handler is
// registered for the command id yet; the caller keeps its reference and may
// retry later. A queued command takes a reference of its own.
//
// The result of an inline handler is reported through the second return
// value; queued commands report Handled.
func (d *Dispatcher) DispatchCommand(cmd *command.Command) (bool, Result) {
	d.RLock()
	e, ok := d.entries[cmd.Command()]
	d.RUnlock()

	if !ok {
		return false, Handled
	}

	if e.queue == nil {
		return true, e.handler(cmd)
	}

	cmd.Retain()
	e.queue.Push(cmd)
	return true, Handled
}

// InvokeCommand runs the handler of a command popped from a queue. Commands
// whose handler was unregistered in the meantime are discarded.
func (d *Dispatcher) InvokeCommand(cmd *command.Command) Result {
	d.RLock()
	e, ok := d.entries[cmd.Command()]
	d.RUnlock()

	if !ok {
		return Discard
	}
	return e.handler(cmd)
}
