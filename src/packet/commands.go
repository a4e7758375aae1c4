package packet

import (
	"github.com/google/uuid"
	"github.com/mosaicnetworks/mural/src/common"
)

// Command ids are unique across kinds so that a command can be handed from
// one dispatcher to another without being rewritten.
const (
	// node
	CmdNodeConnect uint32 = iota + 1
	CmdNodeConnectReply
	CmdNodeDisconnect
	CmdNodePing
	CmdNodeAckRequest
	CmdNodeFindMasterNodeID
	CmdNodeFindMasterNodeIDReply
	CmdNodeRegisterObject
	CmdNodeDeregisterObject
	CmdNodeDetachObject
	CmdNodeMapObject
	CmdNodeMapObjectSuccess
	CmdNodeMapObjectReply
	CmdNodeUnmapObject
	CmdNodeUnsubscribeObject
	CmdNodeObjectInstance
	CmdNodeConfigInitReply
	CmdNodeConfigExitReply
	CmdNodeFrameFinishReply

	// object
	CmdObjectCommit
	CmdObjectMaxVersion
	CmdObjectBarrierEnter
	CmdObjectBarrierEnterReply

	// stage
	CmdStageConfigInit
	CmdStageConfigExit
	CmdStageFrameStartClock
	CmdStageFrameStart
	CmdStageFrameDrawFinish
	CmdStageFrameFinish
	CmdStageExitThread

	// CmdCustom is the first id free for application commands.
	CmdCustom uint32 = 1 << 16
)

// Connect introduces a node to a peer. The peer answers with ConnectReply.
type Connect struct {
	RequestID uint32
	NodeID    uuid.UUID
	Addr      string
	Moniker   string
}

// ConnectReply ...
type ConnectReply struct {
	RequestID uint32
	NodeID    uuid.UUID
	Moniker   string
}

// Disconnect tells a peer that the sender is leaving.
type Disconnect struct {
	NodeID uuid.UUID
}

// Ping is answered with an AckRequest.
type Ping struct {
	RequestID uint32
}

// AckRequest serves a pending request of the receiver with a success result.
type AckRequest struct {
	RequestID uint32
}

// FindMasterNodeID asks a peer whether it holds the master instance of an
// object.
type FindMasterNodeID struct {
	ObjectID  uuid.UUID
	RequestID uint32
}

// FindMasterNodeIDReply carries uuid.Nil when the peer has no master.
type FindMasterNodeIDReply struct {
	RequestID    uint32
	MasterNodeID uuid.UUID
}

// RegisterObject and DeregisterObject are local commands executed by the
// command goroutine of the node that owns the master instance.
type RegisterObject struct {
	ObjectID  uuid.UUID
	RequestID uint32
}

// DeregisterObject ...
type DeregisterObject struct {
	ObjectID  uuid.UUID
	RequestID uint32
}

// DetachObject detaches a slave instance. It answers UnsubscribeObject.
type DetachObject struct {
	ObjectID   uuid.UUID
	RequestID  uint32
	InstanceID uint32
}

// MapObject subscribes a slave instance to the master. When UseCache is set,
// the slave already holds the versions MinCachedVersion..MaxCachedVersion
// produced by the master instance MasterInstanceID.
type MapObject struct {
	ObjectID         uuid.UUID
	RequestID        uint32
	InstanceID       uint32
	RequestedVersion common.Uint128
	UseCache         bool
	MasterInstanceID uint32
	MinCachedVersion common.Uint128
	MaxCachedVersion common.Uint128
}

// MapObjectSuccess is sent by the master before any instance data, so that
// the slave instance is attached when the data arrives.
type MapObjectSuccess struct {
	ObjectID         uuid.UUID
	RequestID        uint32
	InstanceID       uint32
	MasterInstanceID uint32
	MasterNodeID     uuid.UUID
}

// MapObjectReply ends a mapping. CachedVersion is the version the slave has
// to restore from its instance cache, or the invalid version.
type MapObjectReply struct {
	ObjectID      uuid.UUID
	RequestID     uint32
	MasterNodeID  uuid.UUID
	Version       common.Uint128
	CachedVersion common.Uint128
	Result        bool
}

// UnmapObject is sent by a master that is being deregistered to its slave
// nodes.
type UnmapObject struct {
	ObjectID uuid.UUID
}

// UnsubscribeObject asks the master to drop a slave instance. The master
// answers with DetachObject.
type UnsubscribeObject struct {
	ObjectID         uuid.UUID
	RequestID        uint32
	MasterInstanceID uint32
	SlaveInstanceID  uint32
}

// ObjectInstance carries the data of one version of an object, either a full
// snapshot or the delta from the previous version.
type ObjectInstance struct {
	ObjectID         uuid.UUID
	InstanceID       uint32
	MasterInstanceID uint32
	MasterNodeID     uuid.UUID
	Version          common.Uint128
	Full             bool
	Data             []byte
}

// ObjectCommit asks the master instance to commit on the command goroutine.
type ObjectCommit struct {
	RequestID uint32
}

// ObjectMaxVersion acknowledges the newest version applied by a slave.
type ObjectMaxVersion struct {
	SlaveInstanceID uint32
	Version         common.Uint128
}

// BarrierEnter is sent by an instance of a barrier to the master instance
// when it enters the barrier at Version. The master answers every entrant
// with BarrierEnterReply once Height instances entered.
type BarrierEnter struct {
	RequestID  uint32
	InstanceID uint32
	Version    common.Uint128
	Height     uint32
}

// BarrierEnterReply releases an entrant. It is addressed to the entrant
// instance.
type BarrierEnterReply struct {
	RequestID uint32
}

// ConfigInit ...
type ConfigInit struct {
	RequestID   uint32
	InitID      uint32
	FrameNumber uint32
}

// ConfigInitReply ...
type ConfigInitReply struct {
	RequestID uint32
	StageID   uint32
	Result    bool
}

// ConfigExit ...
type ConfigExit struct {
	RequestID uint32
}

// ConfigExitReply ...
type ConfigExitReply struct {
	RequestID uint32
	StageID   uint32
	Result    bool
}

// FrameStartClock ...
type FrameStartClock struct{}

// FrameStart ...
type FrameStart struct {
	Version     common.Uint128
	FrameID     uint32
	FrameNumber uint32
}

// FrameDrawFinish ...
type FrameDrawFinish struct {
	FrameID     uint32
	FrameNumber uint32
}

// FrameFinish ...
type FrameFinish struct {
	FrameID     uint32
	FrameNumber uint32
}

// FrameFinishReply notifies the driving node of the global release of a frame
// by a root stage.
type FrameFinishReply struct {
	StageID     uint32
	FrameNumber uint32
}

// ExitThread stops the worker goroutine of a stage.
type ExitThread struct{}
