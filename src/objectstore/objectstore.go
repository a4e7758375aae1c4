package objectstore

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mosaicnetworks/mural/src/command"
	"github.com/mosaicnetworks/mural/src/config"
	"github.com/mosaicnetworks/mural/src/dispatch"
	"github.com/mosaicnetworks/mural/src/node"
	"github.com/mosaicnetworks/mural/src/object"
	"github.com/mosaicnetworks/mural/src/packet"
	"github.com/mosaicnetworks/mural/src/peers"
	"github.com/mosaicnetworks/mural/src/store"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"
)

// instance is an object attached to the store.
type instance struct {
	obj        *object.Object
	instanceID uint32
	cm         object.ChangeManager
	detach     object.Detach
}

// ObjectInfo describes an attached instance.
type ObjectInfo struct {
	ObjectID      uuid.UUID          `json:"object_id"`
	InstanceID    uint32             `json:"instance_id"`
	Master        bool               `json:"master"`
	Version       object.Version     `json:"version"`
	HeadVersion   object.Version     `json:"head_version"`
	OldestVersion object.Version     `json:"oldest_version"`
	MasterNodeID  uuid.UUID          `json:"master_node_id"`
	Slaves        []object.SlaveInfo `json:"slaves,omitempty"`
	MapState      string             `json:"map_state"`
}

// ObjectStore attaches distributed objects to a node. It registers master
// instances, maps slave instances to their master, possibly on another node,
// and routes the object packets received by the node to the attached
// instances.
type ObjectStore struct {
	node    *node.Node
	conf    *config.Config
	history store.Store
	cache   *InstanceCache

	nextInstanceID uint32
	instances      *xsync.MapOf[uuid.UUID, []*instance]
	mapStates      *xsync.MapOf[uuid.UUID, MapState]

	logger *logrus.Entry
}

// NewObjectStore creates the object store of n. Master instances record their
// versions in history. The store becomes the object router of the node.
func NewObjectStore(n *node.Node, history store.Store) *ObjectStore {
	conf := n.Config()

	s := &ObjectStore{
		node:      n,
		conf:      conf,
		history:   history,
		cache:     NewInstanceCache(int64(conf.InstanceCacheSize)),
		instances: xsync.NewMapOf[uuid.UUID, []*instance](),
		mapStates: xsync.NewMapOf[uuid.UUID, MapState](),
		logger:    n.Logger().WithField("component", "objectstore"),
	}

	s.registerCommands()
	n.SetObjectRouter(s)
	n.AddPeerListener(s)

	return s
}

func (s *ObjectStore) registerCommands() {
	d := s.node.Dispatcher()
	q := s.node.CommandQueue()

	d.RegisterCommand(packet.CmdNodeRegisterObject, s.cmdRegisterObject, q)
	d.RegisterCommand(packet.CmdNodeDeregisterObject, s.cmdDeregisterObject, q)
	d.RegisterCommand(packet.CmdNodeMapObject, s.cmdMapObject, q)
	d.RegisterCommand(packet.CmdNodeUnsubscribeObject, s.cmdUnsubscribeObject, q)

	d.RegisterCommand(packet.CmdNodeFindMasterNodeID, s.cmdFindMasterNodeID, nil)
	d.RegisterCommand(packet.CmdNodeFindMasterNodeIDReply, s.cmdFindMasterNodeIDReply, nil)
	d.RegisterCommand(packet.CmdNodeMapObjectSuccess, s.cmdMapObjectSuccess, nil)
	d.RegisterCommand(packet.CmdNodeMapObjectReply, s.cmdMapObjectReply, nil)
	d.RegisterCommand(packet.CmdNodeUnmapObject, s.cmdUnmapObject, nil)
	d.RegisterCommand(packet.CmdNodeDetachObject, s.cmdDetachObject, nil)
	d.RegisterCommand(packet.CmdNodeObjectInstance, s.cmdObjectInstance, nil)
}

// Cache returns the instance cache of the store.
func (s *ObjectStore) Cache() *InstanceCache {
	return s.cache
}

// genInstanceID returns an instance id unique on this node.
func (s *ObjectStore) genInstanceID() uint32 {
	for {
		id := atomic.AddUint32(&s.nextInstanceID, 1)
		if id != 0 && id != packet.InstanceAll && id != packet.InstanceNone {
			return id
		}
	}
}

//==============================================================================
// Instance table

func (s *ObjectStore) addInstance(objectID uuid.UUID, inst *instance) {
	s.instances.Compute(objectID, func(old []*instance, loaded bool) ([]*instance, bool) {
		res := make([]*instance, 0, len(old)+1)
		res = append(res, old...)
		return append(res, inst), false
	})
}

// removeInstance returns the number of instances of the object left.
func (s *ObjectStore) removeInstance(objectID uuid.UUID, inst *instance) int {
	left, _ := s.instances.Compute(objectID, func(old []*instance, loaded bool) ([]*instance, bool) {
		res := make([]*instance, 0, len(old))
		for _, i := range old {
			if i != inst {
				res = append(res, i)
			}
		}
		return res, len(res) == 0
	})
	return len(left)
}

func (s *ObjectStore) instancesOf(objectID uuid.UUID) []*instance {
	insts, _ := s.instances.Load(objectID)
	return insts
}

func (s *ObjectStore) masterOf(objectID uuid.UUID) *instance {
	for _, inst := range s.instancesOf(objectID) {
		if inst.cm.IsMaster() {
			return inst
		}
	}
	return nil
}

func (s *ObjectStore) findInstance(objectID uuid.UUID, instanceID uint32) *instance {
	for _, inst := range s.instancesOf(objectID) {
		if inst.instanceID == instanceID {
			return inst
		}
	}
	return nil
}

func (s *ObjectStore) findObject(obj *object.Object) *instance {
	for _, inst := range s.instancesOf(obj.ID()) {
		if inst.obj == obj {
			return inst
		}
	}
	return nil
}

// detachInstance detaches an instance and evicts the cached versions of the
// object when no instance of it is left.
func (s *ObjectStore) detachInstance(objectID uuid.UUID, inst *instance) {
	left := s.removeInstance(objectID, inst)
	inst.detach()

	if left == 0 {
		s.cache.Erase(objectID)
		s.mapStates.Delete(objectID)
	}
}

// NumInstances returns the number of attached instances.
func (s *ObjectStore) NumInstances() int {
	n := 0
	s.instances.Range(func(_ uuid.UUID, insts []*instance) bool {
		n += len(insts)
		return true
	})
	return n
}

// MapState returns the mapping state of an object id on this node.
func (s *ObjectStore) MapState(objectID uuid.UUID) MapState {
	state, _ := s.mapStates.Load(objectID)
	return state
}

// Objects describes the attached instances.
func (s *ObjectStore) Objects() []ObjectInfo {
	res := []ObjectInfo{}
	s.instances.Range(func(id uuid.UUID, insts []*instance) bool {
		for _, inst := range insts {
			info := ObjectInfo{
				ObjectID:      id,
				InstanceID:    inst.instanceID,
				Master:        inst.cm.IsMaster(),
				Version:       inst.cm.Version(),
				HeadVersion:   inst.cm.HeadVersion(),
				OldestVersion: inst.cm.OldestVersion(),
				MapState:      s.MapState(id).String(),
			}
			switch cm := inst.cm.(type) {
			case *object.MasterCM:
				info.MasterNodeID = s.node.ID()
				info.Slaves = cm.Slaves()
			case *object.SlaveCM:
				info.MasterNodeID = cm.MasterNodeID()
			}
			res = append(res, info)
		}
		return true
	})
	return res
}

//==============================================================================
// Routing

// RouteCommand implements node.Router for object packets. Packets for an
// unknown object id wait until the object is attached; packets for a
// detached instance are obsolete.
func (s *ObjectStore) RouteCommand(cmd *command.Command) (bool, dispatch.Result) {
	insts := s.instancesOf(cmd.ObjectID())
	if len(insts) == 0 {
		return false, dispatch.Handled
	}

	instanceID := cmd.InstanceID()
	result := dispatch.Discard

	for _, inst := range insts {
		if instanceID != packet.InstanceAll && inst.instanceID != instanceID {
			continue
		}

		ok, res := inst.obj.Dispatcher().DispatchCommand(cmd)
		if !ok {
			continue
		}
		if res == dispatch.Error {
			return true, res
		}
		if res == dispatch.Handled {
			result = dispatch.Handled
		}
	}

	return true, result
}

// InvokeCommand implements node.Invoker for the object commands queued on the
// command goroutine of the node.
func (s *ObjectStore) InvokeCommand(cmd *command.Command) dispatch.Result {
	instanceID := cmd.InstanceID()
	result := dispatch.Discard

	for _, inst := range s.instancesOf(cmd.ObjectID()) {
		if instanceID != packet.InstanceAll && inst.instanceID != instanceID {
			continue
		}
		res := inst.obj.Dispatcher().InvokeCommand(cmd)
		if res == dispatch.Error {
			return res
		}
		if res == dispatch.Handled {
			result = dispatch.Handled
		}
	}
	return result
}

//==============================================================================
// Peers

// PeerConnected implements node.PeerListener.
func (s *ObjectStore) PeerConnected(peer *peers.Peer) {}

// PeerDisconnected implements node.PeerListener. Masters drop the slaves of the
// peer and the slave instances mapped from it are detached.
func (s *ObjectStore) PeerDisconnected(peer *peers.Peer) {
	type orphan struct {
		objectID uuid.UUID
		inst     *instance
	}
	orphans := []orphan{}

	s.instances.Range(func(id uuid.UUID, insts []*instance) bool {
		for _, inst := range insts {
			switch cm := inst.cm.(type) {
			case *object.MasterCM:
				cm.RemoveSlaveNode(peer.ID)
			case *object.SlaveCM:
				if cm.MasterNodeID() == peer.ID {
					orphans = append(orphans, orphan{id, inst})
				}
			}
		}
		return true
	})

	for _, o := range orphans {
		s.logger.WithFields(logrus.Fields{
			"object":   o.objectID.String(),
			"instance": o.inst.instanceID,
			"master":   peer.String(),
		}).Warn("Master disconnected, detaching slave")
		s.detachInstance(o.objectID, o.inst)
	}

	s.cache.Remove(peer.ID)
}

//==============================================================================
// Maintenance

// Expire releases the cached instance data older than age.
func (s *ObjectStore) Expire(age time.Duration) int {
	released := s.cache.Expire(age)
	if released > 0 {
		s.logger.WithField("released", released).Debug("Expired cached instance data")
	}
	return released
}

// Close detaches every instance and empties the instance cache.
func (s *ObjectStore) Close() {
	type attached struct {
		objectID uuid.UUID
		inst     *instance
	}
	all := []attached{}
	s.instances.Range(func(id uuid.UUID, insts []*instance) bool {
		for _, inst := range insts {
			all = append(all, attached{id, inst})
		}
		return true
	})
	for _, a := range all {
		s.detachInstance(a.objectID, a.inst)
	}
	s.cache.Close()
}
