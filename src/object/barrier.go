package object

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mosaicnetworks/mural/src/command"
	"github.com/mosaicnetworks/mural/src/dispatch"
	"github.com/mosaicnetworks/mural/src/packet"
	"github.com/sirupsen/logrus"
)

type entrant struct {
	nodeID     uuid.UUID
	instanceID uint32
	requestID  uint32
}

// Barrier is a distributed object blocking its instances in Enter until
// Height of them entered. The height is the replicated data: it is changed
// on the master and reaches the slaves with the next commit and sync.
//
// The master instance collects the entries, grouped by the version of the
// entering instance, and releases a group once it is complete.
type Barrier struct {
	node Node
	obj  *Object

	mu     sync.Mutex
	height uint32
	dirty  bool

	// master side, touched on the command goroutine only
	entered map[Version][]entrant
}

// NewBarrier returns a detached barrier of the given height. Attach it with
// the object store through Object.
func NewBarrier(node Node, height uint32) *Barrier {
	b := &Barrier{
		node:    node,
		height:  height,
		entered: make(map[Version][]entrant),
	}
	b.obj = New(b)
	b.obj.dispatcher.RegisterCommand(packet.CmdObjectBarrierEnter, b.cmdEnter, node.CommandQueue())
	b.obj.dispatcher.RegisterCommand(packet.CmdObjectBarrierEnterReply, b.cmdEnterReply, nil)
	return b
}

// Object returns the distributed object of the barrier.
func (b *Barrier) Object() *Object {
	return b.obj
}

// Height ...
func (b *Barrier) Height() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.height
}

// SetHeight changes the height on the master. It is distributed by the next
// Commit.
func (b *Barrier) SetHeight(height uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.height = height
	b.dirty = true
}

// Enter blocks until Height instances of the barrier, at the same version as
// this one, entered it, or until timeout elapses.
func (b *Barrier) Enter(timeout time.Duration) error {
	cm := b.obj.ChangeManager()
	if cm == nil {
		return ErrNotAttached
	}

	requestID := b.node.RegisterRequest(nil)
	err := b.node.Send(cm.MasterNodeID(), packet.NewObjectPacket(packet.CmdObjectBarrierEnter, b.obj.ID(), cm.MasterInstanceID(),
		&packet.BarrierEnter{
			RequestID:  requestID,
			InstanceID: b.obj.InstanceID(),
			Version:    cm.Version(),
			Height:     b.Height(),
		}))
	if err != nil {
		b.node.ServeRequest(requestID, err)
	}

	_, err = b.node.WaitRequest(requestID, timeout)
	return err
}

func (b *Barrier) cmdEnter(cmd *command.Command) dispatch.Result {
	var req packet.BarrierEnter
	if err := cmd.Decode(&req); err != nil {
		b.node.Logger().WithField("error", err).Error("Decoding BarrierEnter")
		return dispatch.Error
	}
	if !b.obj.IsMaster() {
		return dispatch.Discard
	}

	entrants := append(b.entered[req.Version], entrant{
		nodeID:     cmd.From(),
		instanceID: req.InstanceID,
		requestID:  req.RequestID,
	})
	if uint32(len(entrants)) < req.Height {
		b.entered[req.Version] = entrants
		return dispatch.Handled
	}
	delete(b.entered, req.Version)

	objectID := b.obj.ID()
	for _, e := range entrants {
		err := b.node.Send(e.nodeID, packet.NewObjectPacket(packet.CmdObjectBarrierEnterReply, objectID, e.instanceID,
			&packet.BarrierEnterReply{RequestID: e.requestID}))
		if err != nil {
			b.node.Logger().WithFields(logrus.Fields{
				"node":  e.nodeID.String(),
				"error": err,
			}).Warn("Releasing barrier entrant")
		}
	}
	return dispatch.Handled
}

func (b *Barrier) cmdEnterReply(cmd *command.Command) dispatch.Result {
	var rep packet.BarrierEnterReply
	if err := cmd.Decode(&rep); err != nil {
		b.node.Logger().WithField("error", err).Error("Decoding BarrierEnterReply")
		return dispatch.Error
	}
	if !b.node.ServeRequest(rep.RequestID, true) {
		// the entrant timed out
		return dispatch.Discard
	}
	return dispatch.Handled
}

// GetInstanceData implements Distributable.
func (b *Barrier) GetInstanceData(os *DataOStream) error {
	return os.Write(b.Height())
}

// ApplyInstanceData implements Distributable.
func (b *Barrier) ApplyInstanceData(is *DataIStream) error {
	var height uint32
	if err := is.Read(&height); err != nil {
		return err
	}
	b.mu.Lock()
	b.height = height
	b.mu.Unlock()
	return nil
}

// Pack implements Distributable.
func (b *Barrier) Pack(os *DataOStream) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.dirty {
		return nil
	}
	b.dirty = false
	return os.Write(b.height)
}

// Unpack implements Distributable.
func (b *Barrier) Unpack(is *DataIStream) error {
	return b.ApplyInstanceData(is)
}
