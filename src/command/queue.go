package command

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Queue is a FIFO of Commands used to hand work from one goroutine to another.
// Push takes over the reference of the caller. The Command returned by a pop
// stays valid until the next pop on the same Queue, which releases it; a
// consumer that needs it longer must Retain it.
type Queue struct {
	mu     sync.Mutex
	items  []*Command
	last   *Command
	closed bool

	// wakes up one blocked Pop
	signal chan struct{}

	name   string
	logger *logrus.Entry
}

// NewQueue ...
func NewQueue(name string, logger *logrus.Entry) *Queue {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	return &Queue{
		signal: make(chan struct{}, 1),
		name:   name,
		logger: logger.WithField("queue", name),
	}
}

// Name ...
func (q *Queue) Name() string {
	return q.name
}

// Push appends cmd.
func (q *Queue) Push(cmd *Command) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.logger.WithField("command", cmd).Debug("Push on closed queue")
		cmd.Release()
		return
	}
	q.items = append(q.items, cmd)
	q.notify()
	q.mu.Unlock()
}

// PushFront inserts cmd ahead of every queued Command.
func (q *Queue) PushFront(cmd *Command) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.logger.WithField("command", cmd).Debug("PushFront on closed queue")
		cmd.Release()
		return
	}
	q.items = append(q.items, nil)
	copy(q.items[1:], q.items)
	q.items[0] = cmd
	q.notify()
	q.mu.Unlock()
}

// notify must be called with the lock held.
func (q *Queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Pop blocks until a Command is available. It returns nil once the Queue is
// closed.
func (q *Queue) Pop() *Command {
	cmd, _ := q.PopTimeout(0)
	return cmd
}

// PopTimeout is Pop with a timeout. A timeout <= 0 waits forever. The boolean
// is false when no Command was popped.
func (q *Queue) PopTimeout(timeout time.Duration) (*Command, bool) {
	q.releaseLast()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		if cmd, ok, closed := q.take(); ok || closed {
			return cmd, ok
		}

		select {
		case <-q.signal:
		case <-expired:
			cmd, ok, _ := q.take()
			return cmd, ok
		}
	}
}

// TryPop returns the first Command, or nil without blocking.
func (q *Queue) TryPop() *Command {
	q.releaseLast()
	cmd, _, _ := q.take()
	return cmd
}

func (q *Queue) take() (cmd *Command, ok bool, closed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false, q.closed
	}

	cmd = q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	q.last = cmd

	// more work for the next Pop
	if len(q.items) > 0 {
		q.notify()
	}

	return cmd, true, q.closed
}

func (q *Queue) releaseLast() {
	q.mu.Lock()
	last := q.last
	q.last = nil
	q.mu.Unlock()

	if last != nil {
		last.Release()
	}
}

// Back calls fn with the newest queued Command, without removing it. fn runs
// under the Queue lock and must not use the Queue. It reports whether the
// Queue was non-empty.
func (q *Queue) Back(fn func(*Command)) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return false
	}
	fn(q.items[len(q.items)-1])
	return true
}

// Len ...
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Empty ...
func (q *Queue) Empty() bool {
	return q.Len() == 0
}

// Close drains the Queue, releasing every pending Command, and wakes up the
// blocked consumer. Closing a non-empty Queue is logged. The Command popped
// last may still be in use; it is released by the next pop, which returns nil.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	items := q.items
	q.items = nil
	close(q.signal)
	q.mu.Unlock()

	if len(items) > 0 {
		q.logger.WithField("pending", len(items)).Warn("Queue closed with pending commands")
	}
	for _, cmd := range items {
		cmd.Release()
	}
}
