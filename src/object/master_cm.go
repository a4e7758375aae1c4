package object

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mosaicnetworks/mural/src/command"
	"github.com/mosaicnetworks/mural/src/dispatch"
	"github.com/mosaicnetworks/mural/src/metrics"
	"github.com/mosaicnetworks/mural/src/packet"
	"github.com/mosaicnetworks/mural/src/store"
	"github.com/sirupsen/logrus"
)

// CacheHint describes the versions of an object a slave node holds in its
// instance cache.
type CacheHint struct {
	UseCache         bool
	MasterInstanceID uint32
	Min              Version
	Max              Version
}

// SlaveInfo describes one slave instance subscribed to a master.
type SlaveInfo struct {
	NodeID     uuid.UUID
	InstanceID uint32
	MaxVersion Version
}

// subscriber is a node holding slave instances of a master. The node stays
// subscribed while it holds at least one instance.
type subscriber struct {
	nodeID    uuid.UUID
	instances map[uint32]Version
}

// MasterCM is the change manager of a master instance. It records every
// committed version in a history store, keeping the nVersions newest ones,
// and sends the changes to the subscribed slave nodes.
type MasterCM struct {
	sync.Mutex

	node      Node
	history   store.Store
	nVersions uint64
	timeout   time.Duration

	object     *Object
	objectID   uuid.UUID
	instanceID uint32
	version    Version
	slaves     map[uuid.UUID]*subscriber

	logger *logrus.Entry
}

// NewMasterCM returns a change manager keeping nVersions old versions in
// history. Commits wait for the command goroutine for at most timeout.
func NewMasterCM(node Node, history store.Store, nVersions int, timeout time.Duration) *MasterCM {
	if nVersions < 0 {
		nVersions = 0
	}
	return &MasterCM{
		node:      node,
		history:   history,
		nVersions: uint64(nVersions),
		timeout:   timeout,
		version:   VersionNone,
		slaves:    make(map[uuid.UUID]*subscriber),
		logger:    node.Logger(),
	}
}

func (m *MasterCM) attach(o *Object) error {
	m.Lock()
	defer m.Unlock()

	m.objectID = o.ID()
	m.instanceID = o.InstanceID()
	m.logger = m.node.Logger().WithFields(logrus.Fields{
		"object":   m.objectID.String(),
		"instance": m.instanceID,
	})

	os := NewDataOStream()
	if err := o.dist.GetInstanceData(os); err != nil {
		return err
	}

	if err := m.history.Delete(m.objectID); err != nil {
		return err
	}
	if err := m.history.Put(m.objectID, store.Entry{Version: VersionFirst, Snapshot: os.Bytes()}); err != nil {
		return err
	}
	m.version = VersionFirst
	m.object = o

	o.dispatcher.RegisterCommand(packet.CmdObjectCommit, m.cmdCommit, m.node.CommandQueue())
	o.dispatcher.RegisterCommand(packet.CmdObjectMaxVersion, m.cmdMaxVersion, nil)

	return nil
}

func (m *MasterCM) detach() {
	m.Lock()
	defer m.Unlock()

	if m.object == nil {
		return
	}

	m.object.dispatcher.Unregister(packet.CmdObjectCommit)
	m.object.dispatcher.Unregister(packet.CmdObjectMaxVersion)

	if err := m.history.Delete(m.objectID); err != nil {
		m.logger.WithField("error", err).Warn("Deleting history")
	}

	m.object = nil
	m.slaves = make(map[uuid.UUID]*subscriber)
}

// IsMaster ...
func (m *MasterCM) IsMaster() bool {
	return true
}

// Version returns the last committed version.
func (m *MasterCM) Version() Version {
	m.Lock()
	defer m.Unlock()
	return m.version
}

// HeadVersion is the last committed version on a master.
func (m *MasterCM) HeadVersion() Version {
	return m.Version()
}

// OldestVersion returns the oldest version kept in history.
func (m *MasterCM) OldestVersion() Version {
	m.Lock()
	defer m.Unlock()

	oldest, err := m.history.Oldest(m.objectID)
	if err != nil {
		return m.version
	}
	return oldest
}

// MasterNodeID is the id of the local node on a master.
func (m *MasterCM) MasterNodeID() uuid.UUID {
	return m.node.ID()
}

// MasterInstanceID ...
func (m *MasterCM) MasterInstanceID() uint32 {
	m.Lock()
	defer m.Unlock()
	return m.instanceID
}

// Commit hands the commit to the command goroutine of the node and waits for
// the new version.
func (m *MasterCM) Commit() (Version, error) {
	m.Lock()
	objectID, instanceID := m.objectID, m.instanceID
	attached := m.object != nil
	m.Unlock()

	if !attached {
		return VersionInvalid, ErrNotAttached
	}

	requestID := m.node.RegisterRequest(nil)
	err := m.node.SendLocal(packet.NewObjectPacket(packet.CmdObjectCommit, objectID, instanceID,
		&packet.ObjectCommit{RequestID: requestID}))
	if err != nil {
		m.node.ServeRequest(requestID, err)
	}

	res, err := m.node.WaitRequest(requestID, m.timeout)
	if err != nil {
		metrics.ObjectCommits.WithLabelValues("failed").Inc()
		return VersionInvalid, err
	}
	return res.(Version), nil
}

// Sync is not possible on a master.
func (m *MasterCM) Sync(target Version, timeout time.Duration) (Version, error) {
	return m.Version(), ErrNotSlave
}

// SyncHead returns the last committed version.
func (m *MasterCM) SyncHead() Version {
	return m.Version()
}

func (m *MasterCM) cmdCommit(cmd *command.Command) dispatch.Result {
	var req packet.ObjectCommit
	if err := cmd.Decode(&req); err != nil {
		m.logger.WithField("error", err).Error("Decoding ObjectCommit")
		return dispatch.Error
	}

	version, err := m.commit()
	if err != nil {
		m.logger.WithField("error", err).Error("Commit")
		metrics.ObjectCommits.WithLabelValues("failed").Inc()
		m.node.ServeRequest(req.RequestID, err)
		return dispatch.Handled
	}

	m.node.ServeRequest(req.RequestID, version)
	return dispatch.Handled
}

// commit packs the changes of the object. A non-empty delta becomes the next
// version, which is stored and sent to every slave node.
func (m *MasterCM) commit() (Version, error) {
	m.Lock()
	defer m.Unlock()

	if m.object == nil {
		return VersionInvalid, ErrNotAttached
	}

	delta := NewDataOStream()
	if err := m.object.dist.Pack(delta); err != nil {
		return VersionInvalid, err
	}
	if delta.Len() == 0 {
		metrics.ObjectCommits.WithLabelValues("empty").Inc()
		return m.version, nil
	}

	full := NewDataOStream()
	if err := m.object.dist.GetInstanceData(full); err != nil {
		return VersionInvalid, err
	}

	next := m.version.Inc()
	err := m.history.Put(m.objectID, store.Entry{
		Version:  next,
		Snapshot: full.Bytes(),
		Delta:    delta.Bytes(),
	})
	if err != nil {
		return VersionInvalid, err
	}
	m.version = next
	m.obsolete()

	for nodeID := range m.slaves {
		m.send(nodeID, packet.InstanceAll, next, false, delta.Bytes())
	}

	metrics.ObjectCommits.WithLabelValues("committed").Inc()

	m.logger.WithField("version", next.String()).Debug("Commit")

	return next, nil
}

// obsolete drops the versions older than the nVersions kept ones.
func (m *MasterCM) obsolete() {
	if m.version.High == 0 && m.version.Low <= m.nVersions {
		return
	}
	keepFrom := m.version
	keepFrom.Low -= m.nVersions
	if err := m.history.Trim(m.objectID, keepFrom); err != nil {
		m.logger.WithField("error", err).Warn("Trimming history")
	}
}

func (m *MasterCM) send(nodeID uuid.UUID, instanceID uint32, version Version, full bool, data []byte) {
	err := m.node.Send(nodeID, packet.NewNodePacket(packet.CmdNodeObjectInstance, &packet.ObjectInstance{
		ObjectID:         m.objectID,
		InstanceID:       instanceID,
		MasterInstanceID: m.instanceID,
		MasterNodeID:     m.node.ID(),
		Version:          version,
		Full:             full,
		Data:             data,
	}))
	if err != nil {
		m.logger.WithFields(logrus.Fields{
			"slave": nodeID.String(),
			"error": err,
		}).Warn("Sending instance data")
	}
}

// AddSlave subscribes a slave instance and sends it the data it needs to
// reach the requested version and the versions after it. When the slave node
// caches versions of this instance covering the start version, only the
// versions after its cache are sent and the start version is returned as the
// cached version. Otherwise the cached version is VersionInvalid.
//
// AddSlave must run on the command goroutine, like commits, so that the
// slave receives every version exactly once.
func (m *MasterCM) AddSlave(nodeID uuid.UUID, instanceID uint32, requested Version, hint CacheHint) (Version, Version, error) {
	m.Lock()
	defer m.Unlock()

	if m.object == nil {
		return VersionInvalid, VersionInvalid, ErrNotAttached
	}

	oldest, err := m.history.Oldest(m.objectID)
	if err != nil {
		return VersionInvalid, VersionInvalid, err
	}
	head := m.version

	start := requested
	switch requested {
	case VersionOldest:
		start = oldest
	case VersionHead, VersionNext:
		start = head
	}
	if start.Less(oldest) || head.Less(start) {
		return VersionInvalid, VersionInvalid, ErrVersionUnavailable
	}

	cached := VersionInvalid
	from := start.Inc()

	if hint.UseCache &&
		hint.MasterInstanceID == m.instanceID &&
		hint.Min.LessEq(start) && start.LessEq(hint.Max) && hint.Max.LessEq(head) {

		cached = start
		from = hint.Max.Inc()
	} else {
		entry, err := m.history.Get(m.objectID, start)
		if err != nil {
			return VersionInvalid, VersionInvalid, err
		}
		m.send(nodeID, instanceID, start, true, entry.Snapshot)
	}

	if from.LessEq(head) {
		entries, err := m.history.Range(m.objectID, from, head)
		if err != nil {
			return VersionInvalid, VersionInvalid, err
		}
		for _, e := range entries {
			m.send(nodeID, instanceID, e.Version, false, e.Delta)
		}
	}

	sub, ok := m.slaves[nodeID]
	if !ok {
		sub = &subscriber{nodeID: nodeID, instances: make(map[uint32]Version)}
		m.slaves[nodeID] = sub
	}
	sub.instances[instanceID] = start

	m.logger.WithFields(logrus.Fields{
		"slave":          nodeID.String(),
		"slave_instance": instanceID,
		"start":          start.String(),
		"cached":         cached != VersionInvalid,
	}).Debug("AddSlave")

	return start, cached, nil
}

// RemoveSlave unsubscribes a slave instance. The node is unsubscribed with its
// last instance. It reports whether the instance was subscribed.
func (m *MasterCM) RemoveSlave(nodeID uuid.UUID, instanceID uint32) bool {
	m.Lock()
	defer m.Unlock()

	sub, ok := m.slaves[nodeID]
	if !ok {
		return false
	}
	if _, ok := sub.instances[instanceID]; !ok {
		return false
	}
	delete(sub.instances, instanceID)
	if len(sub.instances) == 0 {
		delete(m.slaves, nodeID)
	}
	return true
}

// RemoveSlaveNode unsubscribes every slave instance of a node and returns
// their ids.
func (m *MasterCM) RemoveSlaveNode(nodeID uuid.UUID) []uint32 {
	m.Lock()
	defer m.Unlock()

	sub, ok := m.slaves[nodeID]
	if !ok {
		return nil
	}
	delete(m.slaves, nodeID)

	ids := make([]uint32, 0, len(sub.instances))
	for id := range sub.instances {
		ids = append(ids, id)
	}
	return ids
}

// SlaveNodes returns the subscribed nodes.
func (m *MasterCM) SlaveNodes() []uuid.UUID {
	m.Lock()
	defer m.Unlock()

	res := make([]uuid.UUID, 0, len(m.slaves))
	for id := range m.slaves {
		res = append(res, id)
	}
	return res
}

// Slaves returns the subscribed slave instances with the newest version they
// acknowledged.
func (m *MasterCM) Slaves() []SlaveInfo {
	m.Lock()
	defer m.Unlock()

	res := []SlaveInfo{}
	for nodeID, sub := range m.slaves {
		for id, v := range sub.instances {
			res = append(res, SlaveInfo{NodeID: nodeID, InstanceID: id, MaxVersion: v})
		}
	}
	return res
}

func (m *MasterCM) cmdMaxVersion(cmd *command.Command) dispatch.Result {
	var req packet.ObjectMaxVersion
	if err := cmd.Decode(&req); err != nil {
		m.logger.WithField("error", err).Error("Decoding ObjectMaxVersion")
		return dispatch.Error
	}

	m.Lock()
	defer m.Unlock()

	sub, ok := m.slaves[cmd.From()]
	if !ok {
		return dispatch.Discard
	}
	current, ok := sub.instances[req.SlaveInstanceID]
	if !ok {
		return dispatch.Discard
	}
	if current.Less(req.Version) {
		sub.instances[req.SlaveInstanceID] = req.Version
	}
	return dispatch.Handled
}

var _ ChangeManager = (*MasterCM)(nil)
