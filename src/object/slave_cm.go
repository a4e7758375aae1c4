package object

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mosaicnetworks/mural/src/command"
	"github.com/mosaicnetworks/mural/src/metrics"
	"github.com/mosaicnetworks/mural/src/packet"
	"github.com/sirupsen/logrus"
)

// SlaveCM is the change manager of a slave instance. Instance data received
// from the master is queued, in version order, and applied by Sync.
type SlaveCM struct {
	node             Node
	masterNodeID     uuid.UUID
	masterInstanceID uint32

	// instance data waiting to be applied
	queue *command.Queue

	// guards last, the newest version queued
	queueLock sync.Mutex
	last      Version

	// serialises the consumers of the queue
	syncLock sync.Mutex

	mu       sync.RWMutex
	object   *Object
	version  Version
	detached bool

	logger *logrus.Entry
}

// NewSlaveCM returns the change manager of a slave of the master instance
// masterInstanceID, held by the node masterNodeID.
func NewSlaveCM(node Node, masterNodeID uuid.UUID, masterInstanceID uint32) *SlaveCM {
	logger := node.Logger().WithField("master", masterNodeID.String())
	return &SlaveCM{
		node:             node,
		masterNodeID:     masterNodeID,
		masterInstanceID: masterInstanceID,
		queue:            command.NewQueue("slave", logger),
		last:             VersionInvalid,
		version:          VersionNone,
		logger:           logger,
	}
}

func (s *SlaveCM) attach(o *Object) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.object = o
	s.logger = s.logger.WithFields(logrus.Fields{
		"object":   o.ID().String(),
		"instance": o.InstanceID(),
	})
	return nil
}

func (s *SlaveCM) detach() {
	s.mu.Lock()
	s.detached = true
	s.mu.Unlock()

	s.queue.Close()

	// release the command popped last
	s.syncLock.Lock()
	s.queue.TryPop()
	s.syncLock.Unlock()
}

// IsMaster ...
func (s *SlaveCM) IsMaster() bool {
	return false
}

// MasterNodeID ...
func (s *SlaveCM) MasterNodeID() uuid.UUID {
	return s.masterNodeID
}

// MasterInstanceID ...
func (s *SlaveCM) MasterInstanceID() uint32 {
	return s.masterInstanceID
}

// Version returns the newest applied version.
func (s *SlaveCM) Version() Version {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// OldestVersion is the applied version on a slave.
func (s *SlaveCM) OldestVersion() Version {
	return s.Version()
}

// HeadVersion returns the newest received version, or the applied version
// when nothing is queued.
func (s *SlaveCM) HeadVersion() Version {
	head := s.Version()
	s.queue.Back(func(cmd *command.Command) {
		var data packet.ObjectInstance
		if err := cmd.Decode(&data); err == nil {
			head = data.Version
		}
	})
	return head
}

// Commit is not possible on a slave.
func (s *SlaveCM) Commit() (Version, error) {
	return VersionInvalid, ErrNotMaster
}

// QueueLen returns the number of versions waiting to be applied.
func (s *SlaveCM) QueueLen() int {
	return s.queue.Len()
}

// AddInstanceData queues a received ObjectInstance command. data is its
// decoded body. A delta must follow the newest queued version; a full
// snapshot may start at any version. The queue takes its own reference of
// cmd.
func (s *SlaveCM) AddInstanceData(cmd *command.Command, data *packet.ObjectInstance) error {
	s.queueLock.Lock()
	defer s.queueLock.Unlock()

	if !data.Full && s.last != VersionInvalid && data.Version != s.last.Inc() {
		return fmt.Errorf("%v: got %v after %v", ErrOutOfOrder, data.Version, s.last)
	}

	cmd.Retain()
	s.queue.Push(cmd)
	s.last = data.Version
	return nil
}

// AddInstanceDatas queues cached instance data ahead of the data received so
// far. cmds are in version order and last is the version of the last one.
func (s *SlaveCM) AddInstanceDatas(cmds []*command.Command, last Version) {
	s.queueLock.Lock()
	defer s.queueLock.Unlock()

	for i := len(cmds) - 1; i >= 0; i-- {
		cmds[i].Retain()
		s.queue.PushFront(cmds[i])
	}
	if s.last == VersionInvalid {
		s.last = last
	}
}

// ApplyMapData brings a newly mapped instance to version: the first queued
// data must be a full snapshot, followed by the deltas up to version.
func (s *SlaveCM) ApplyMapData(version Version, timeout time.Duration) error {
	s.syncLock.Lock()
	defer s.syncLock.Unlock()

	deadline := time.Now().Add(timeout)

	cmd, err := s.pop(deadline, timeout)
	if err != nil {
		return err
	}

	var data packet.ObjectInstance
	if err := cmd.Decode(&data); err != nil {
		return err
	}
	if !data.Full || version.Less(data.Version) {
		return fmt.Errorf("%v: map data starts with version %v (full: %v), mapping %v",
			ErrOutOfOrder, data.Version, data.Full, version)
	}
	if err := s.apply(&data); err != nil {
		return err
	}

	for s.Version().Less(version) {
		cmd, err := s.pop(deadline, timeout)
		if err != nil {
			return err
		}
		if err := s.applyCommand(cmd); err != nil {
			return err
		}
	}

	s.sendMaxVersion()
	return nil
}

// Sync applies the queued versions until target. It waits for at most
// timeout, or forever if timeout <= 0, for the missing versions.
func (s *SlaveCM) Sync(target Version, timeout time.Duration) (Version, error) {
	switch target {
	case VersionHead:
		return s.SyncHead(), nil
	case VersionNext:
		target = s.Version().Inc()
	}

	s.syncLock.Lock()
	defer s.syncLock.Unlock()

	if target.Less(s.Version()) {
		return s.Version(), ErrRollback
	}

	deadline := time.Now().Add(timeout)
	applied := false
	for s.Version().Less(target) {
		cmd, err := s.pop(deadline, timeout)
		if err != nil {
			if applied {
				s.sendMaxVersion()
			}
			return s.Version(), err
		}
		if err := s.applyCommand(cmd); err != nil {
			return s.Version(), err
		}
		applied = true
	}

	if applied {
		s.sendMaxVersion()
	}
	return s.Version(), nil
}

// SyncHead applies every queued version without blocking.
func (s *SlaveCM) SyncHead() Version {
	s.syncLock.Lock()
	defer s.syncLock.Unlock()

	applied := false
	for {
		cmd := s.queue.TryPop()
		if cmd == nil {
			break
		}
		if err := s.applyCommand(cmd); err != nil {
			s.logger.WithField("error", err).Error("SyncHead")
			break
		}
		applied = true
	}

	if applied {
		s.sendMaxVersion()
	}
	return s.Version()
}

// pop must be called with the sync lock held.
func (s *SlaveCM) pop(deadline time.Time, timeout time.Duration) (*command.Command, error) {
	wait := time.Duration(0)
	if timeout > 0 {
		wait = time.Until(deadline)
		if wait <= 0 {
			if cmd := s.queue.TryPop(); cmd != nil {
				return cmd, nil
			}
			return nil, ErrTimeout
		}
	}

	cmd, ok := s.queue.PopTimeout(wait)
	if ok {
		return cmd, nil
	}

	s.mu.RLock()
	detached := s.detached
	s.mu.RUnlock()
	if detached {
		return nil, ErrNotAttached
	}
	return nil, ErrTimeout
}

func (s *SlaveCM) applyCommand(cmd *command.Command) error {
	var data packet.ObjectInstance
	if err := cmd.Decode(&data); err != nil {
		return err
	}
	return s.apply(&data)
}

func (s *SlaveCM) apply(data *packet.ObjectInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.object == nil {
		return ErrNotAttached
	}

	is := NewDataIStream(data.Data)

	if data.Full {
		if data.Version.LessEq(s.version) && s.version != VersionNone {
			return nil
		}
		if err := s.object.dist.ApplyInstanceData(is); err != nil {
			return err
		}
		s.version = data.Version
		metrics.ObjectVersionsApplied.Inc()
		return nil
	}

	if data.Version.LessEq(s.version) {
		return nil
	}
	if data.Version != s.version.Inc() {
		return fmt.Errorf("%v: delta %v on version %v", ErrOutOfOrder, data.Version, s.version)
	}
	if err := s.object.dist.Unpack(is); err != nil {
		return err
	}
	s.version = data.Version
	metrics.ObjectVersionsApplied.Inc()
	return nil
}

// sendMaxVersion acknowledges the applied version to the master.
func (s *SlaveCM) sendMaxVersion() {
	s.mu.RLock()
	o := s.object
	version := s.version
	s.mu.RUnlock()

	if o == nil {
		return
	}

	err := s.node.Send(s.masterNodeID, packet.NewObjectPacket(packet.CmdObjectMaxVersion, o.ID(), s.masterInstanceID,
		&packet.ObjectMaxVersion{
			SlaveInstanceID: o.InstanceID(),
			Version:         version,
		}))
	if err != nil {
		s.logger.WithField("error", err).Debug("Sending ObjectMaxVersion")
	}
}

var _ ChangeManager = (*SlaveCM)(nil)
