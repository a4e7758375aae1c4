package command

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/mosaicnetworks/mural/src/packet"
)

// Command is a received packet bound to the node that sent it. Commands are
// handed out by a Cache with one reference; every holder that keeps a Command
// beyond the call it received it in takes its own reference with Retain and
// gives it back with Release. The last Release returns the Command to its
// Cache.
type Command struct {
	cache *Cache
	class int

	data   []byte
	header packet.Header
	from   uuid.UUID
	addr   string

	refs int32
}

// Fill copies a raw packet into the Command and parses its header.
func (c *Command) Fill(data []byte) error {
	h, err := packet.ReadHeader(data)
	if err != nil {
		return err
	}
	if uint64(len(data)) < h.Size {
		return fmt.Errorf("truncated %s packet: %d of %d bytes", h.Kind, len(data), h.Size)
	}
	c.data = append(c.data[:0], data[:h.Size]...)
	c.header = h
	return nil
}

// Data returns the raw packet.
func (c *Command) Data() []byte {
	return c.data
}

// Header ...
func (c *Command) Header() packet.Header {
	return c.header
}

// Kind ...
func (c *Command) Kind() packet.Kind {
	return c.header.Kind
}

// Command returns the command id.
func (c *Command) Command() uint32 {
	return c.header.Command
}

// ObjectID returns the object id of object packets, uuid.Nil otherwise.
func (c *Command) ObjectID() uuid.UUID {
	if c.header.Kind != packet.KindObject {
		return uuid.Nil
	}
	oh, err := packet.ReadObjectHeader(c.data)
	if err != nil {
		return uuid.Nil
	}
	return oh.ObjectID
}

// InstanceID returns the instance id of object packets.
func (c *Command) InstanceID() uint32 {
	if c.header.Kind != packet.KindObject {
		return packet.InstanceNone
	}
	oh, err := packet.ReadObjectHeader(c.data)
	if err != nil {
		return packet.InstanceNone
	}
	return oh.InstanceID
}

// StageID returns the stage id of stage packets.
func (c *Command) StageID() uint32 {
	sh, err := packet.ReadStageHeader(c.data)
	if err != nil || c.header.Kind != packet.KindStage {
		return 0
	}
	return sh.StageID
}

// Decode decodes the body of the packet into v.
func (c *Command) Decode(v interface{}) error {
	return packet.DecodeBody(c.data, v)
}

// From returns the id of the sending node. It is uuid.Nil until the sender
// has introduced itself.
func (c *Command) From() uuid.UUID {
	return c.from
}

// Addr returns the transport address of the sending node.
func (c *Command) Addr() string {
	return c.addr
}

// Retain adds a holder.
func (c *Command) Retain() {
	if atomic.AddInt32(&c.refs, 1) <= 1 {
		panic("command: Retain on a free command")
	}
}

// Release drops a holder. The last holder returns the Command to its cache.
func (c *Command) Release() {
	for {
		refs := atomic.LoadInt32(&c.refs)
		switch {
		case refs <= 0:
			panic("command: Release on a free command")
		case refs == 1 && c.cache != nil:
			c.cache.release(c)
			return
		}
		if atomic.CompareAndSwapInt32(&c.refs, refs, refs-1) {
			return
		}
	}
}

// RefCount returns the number of holders.
func (c *Command) RefCount() int32 {
	return atomic.LoadInt32(&c.refs)
}

// IsFree reports whether the Command is back in its cache.
func (c *Command) IsFree() bool {
	return c.RefCount() == 0
}

// String ...
func (c *Command) String() string {
	return fmt.Sprintf("command{%s %d, %d bytes, from %s, refs %d}",
		c.header.Kind, c.header.Command, c.header.Size, c.from, c.RefCount())
}
