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

// Distributable is implemented by the user types whose state is replicated.
// GetInstanceData and ApplyInstanceData transfer the whole state; Pack and
// Unpack transfer the changes since the previous commit. Pack may write
// nothing, in which case the commit does not produce a new version.
type Distributable interface {
	GetInstanceData(os *DataOStream) error
	ApplyInstanceData(is *DataIStream) error
	Pack(os *DataOStream) error
	Unpack(is *DataIStream) error
}

// Node is the part of a node used by change managers to talk to other
// instances.
type Node interface {
	ID() uuid.UUID
	Send(peerID uuid.UUID, p *packet.Packet) error
	SendLocal(p *packet.Packet) error
	RegisterRequest(data interface{}) uint32
	ServeRequest(id uint32, result interface{}) bool
	WaitRequest(id uint32, timeout time.Duration) (interface{}, error)
	CommandQueue() *command.Queue
	Logger() *logrus.Entry
}

// ChangeManager implements the versioning of an attached instance. MasterCM
// and SlaveCM are the two implementations.
type ChangeManager interface {
	IsMaster() bool
	Version() Version
	HeadVersion() Version
	OldestVersion() Version
	MasterNodeID() uuid.UUID
	MasterInstanceID() uint32
	Commit() (Version, error)
	Sync(target Version, timeout time.Duration) (Version, error)
	SyncHead() Version

	attach(o *Object) error
	detach()
}

// Detach undoes an Attach. Calling it more than once is harmless.
type Detach func()

// Object is a distributed instance of a Distributable. It is attached to an
// object id and a change manager by the object store, either as the master
// instance or as a slave of it.
type Object struct {
	sync.RWMutex

	dist       Distributable
	id         uuid.UUID
	instanceID uint32
	cm         ChangeManager
	dispatcher *dispatch.Dispatcher
}

// New returns a detached object wrapping dist, with a fresh object id.
func New(dist Distributable) *Object {
	return &Object{
		dist:       dist,
		id:         uuid.New(),
		instanceID: packet.InstanceNone,
		dispatcher: dispatch.NewDispatcher(),
	}
}

// Distributable returns the replicated user data.
func (o *Object) Distributable() Distributable {
	return o.dist
}

// ID returns the object id.
func (o *Object) ID() uuid.UUID {
	o.RLock()
	defer o.RUnlock()
	return o.id
}

// InstanceID returns the id of this instance on its node, or InstanceNone.
func (o *Object) InstanceID() uint32 {
	o.RLock()
	defer o.RUnlock()
	return o.instanceID
}

// Dispatcher returns the dispatcher of the object commands addressed to this
// instance.
func (o *Object) Dispatcher() *dispatch.Dispatcher {
	return o.dispatcher
}

// ChangeManager returns the change manager of an attached object, or nil.
func (o *Object) ChangeManager() ChangeManager {
	o.RLock()
	defer o.RUnlock()
	return o.cm
}

// IsAttached ...
func (o *Object) IsAttached() bool {
	return o.ChangeManager() != nil
}

// IsMaster ...
func (o *Object) IsMaster() bool {
	cm := o.ChangeManager()
	return cm != nil && cm.IsMaster()
}

// Version returns the version of the data held by this instance.
func (o *Object) Version() Version {
	cm := o.ChangeManager()
	if cm == nil {
		return VersionNone
	}
	return cm.Version()
}

// HeadVersion returns the newest version received by this instance.
func (o *Object) HeadVersion() Version {
	cm := o.ChangeManager()
	if cm == nil {
		return VersionNone
	}
	return cm.HeadVersion()
}

// Commit records the changes of a master instance as a new version and sends
// them to the slaves. It must not be called from the command goroutine of the
// node.
func (o *Object) Commit() (Version, error) {
	cm := o.ChangeManager()
	if cm == nil {
		return VersionInvalid, ErrNotAttached
	}
	return cm.Commit()
}

// Sync applies the received versions of a slave instance until target. A
// timeout <= 0 waits forever.
func (o *Object) Sync(target Version, timeout time.Duration) (Version, error) {
	cm := o.ChangeManager()
	if cm == nil {
		return VersionInvalid, ErrNotAttached
	}
	return cm.Sync(target, timeout)
}

// SyncHead applies the received versions of a slave instance without
// blocking.
func (o *Object) SyncHead() Version {
	cm := o.ChangeManager()
	if cm == nil {
		return VersionNone
	}
	return cm.SyncHead()
}

// Attach binds the object to an object id, an instance id and a change
// manager. The returned Detach unbinds it.
func (o *Object) Attach(objectID uuid.UUID, instanceID uint32, cm ChangeManager) (Detach, error) {
	o.Lock()
	if o.cm != nil {
		o.Unlock()
		return nil, ErrAttached
	}
	o.id = objectID
	o.instanceID = instanceID
	o.cm = cm
	o.Unlock()

	if err := cm.attach(o); err != nil {
		o.Lock()
		o.cm = nil
		o.instanceID = packet.InstanceNone
		o.Unlock()
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() { o.detach(cm) })
	}, nil
}

func (o *Object) detach(cm ChangeManager) {
	cm.detach()

	o.Lock()
	defer o.Unlock()
	if o.cm == cm {
		o.cm = nil
		o.instanceID = packet.InstanceNone
	}
}
