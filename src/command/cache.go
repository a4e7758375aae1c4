package command

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/mosaicnetworks/mural/src/packet"
)

const (
	small = iota
	big
	numClasses
)

// minimum number of free commands kept per class
var minFree = [numClasses]int{200, 20}

// Cache recycles Commands in two size classes, split at packet.MinPacketSize.
// Allocation scans each class round-robin from the last used slot; when no
// Command is free the class grows by an eighth of its size. Free Commands in
// excess of half the class are dropped.
type Cache struct {
	mu      sync.Mutex
	classes [numClasses]class
}

type class struct {
	cmds    []*Command
	pos     int
	free    int
	maxFree int
}

// CacheStats describes one size class.
type CacheStats struct {
	Size int
	Free int
}

// NewCache returns an empty Cache.
func NewCache() *Cache {
	c := &Cache{}
	for i := range c.classes {
		c.classes[i].maxFree = minFree[i]
	}
	return c
}

// Alloc returns a Command with one reference, for a packet of size bytes sent
// by from.
func (c *Cache) Alloc(from uuid.UUID, addr string, size uint64) *Command {
	which := small
	if size > packet.MinPacketSize {
		which = big
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cmd := c.newCommand(which)
	atomic.StoreInt32(&cmd.refs, 1)
	cmd.from = from
	cmd.addr = addr
	if uint64(cap(cmd.data)) < size {
		cmd.data = make([]byte, 0, size)
	}
	return cmd
}

func (c *Cache) newCommand(which int) *Command {
	c.compact(which)

	cl := &c.classes[which]
	n := len(cl.cmds)

	if cl.free > 0 {
		for i := 0; i < n; i++ {
			idx := (cl.pos + i) % n
			cmd := cl.cmds[idx]
			if cmd.IsFree() {
				cl.pos = (idx + 1) % n
				cl.free--
				return cmd
			}
		}
	}

	add := (n >> 3) + 1
	for i := 0; i < add; i++ {
		cmd := &Command{cache: c, class: which}
		if which == small {
			cmd.data = make([]byte, 0, packet.MinPacketSize)
		}
		cl.cmds = append(cl.cmds, cmd)
	}
	// all new commands but the returned one are free
	cl.free += add - 1
	cl.maxFree = maxInt(minFree[which], len(cl.cmds)>>1)
	cl.pos = (n + 1) % len(cl.cmds)

	return cl.cmds[n]
}

func (c *Cache) compact(which int) {
	cl := &c.classes[which]
	if cl.free <= cl.maxFree {
		return
	}

	target := cl.maxFree >> 1
	kept := cl.cmds[:0]
	for _, cmd := range cl.cmds {
		if cl.free > target && cmd.IsFree() {
			cl.free--
			continue
		}
		kept = append(kept, cmd)
	}
	for i := len(kept); i < len(cl.cmds); i++ {
		cl.cmds[i] = nil
	}
	cl.cmds = kept
	cl.maxFree = maxInt(minFree[which], len(cl.cmds)>>1)
	cl.pos = 0
}

func (c *Cache) release(cmd *Command) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cmd.data = cmd.data[:0]
	cmd.header = packet.Header{}
	cmd.from = uuid.Nil
	cmd.addr = ""
	// the command becomes visible to Alloc only once it is cleared
	atomic.StoreInt32(&cmd.refs, 0)
	c.classes[cmd.class].free++
}

// Stats returns the size and number of free Commands of the small and big
// classes.
func (c *Cache) Stats() (smallStats, bigStats CacheStats) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.classes[small]
	b := c.classes[big]
	return CacheStats{Size: len(s.cmds), Free: s.free},
		CacheStats{Size: len(b.cmds), Free: b.free}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
