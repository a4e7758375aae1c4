package packet

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"github.com/ugorji/go/codec"
)

// Kind selects the routing header and the dispatcher of a packet.
type Kind uint32

const (
	// KindNode packets are handled by the receiving node.
	KindNode Kind = iota + 1
	// KindObject packets are handled by an attached object instance.
	KindObject
	// KindStage packets are handled by a stage of the pipeline.
	KindStage
)

// String ...
func (k Kind) String() string {
	switch k {
	case KindNode:
		return "node"
	case KindObject:
		return "object"
	case KindStage:
		return "stage"
	default:
		return fmt.Sprintf("kind(%d)", uint32(k))
	}
}

const (
	// HeaderSize is the size of the fixed header.
	HeaderSize = 16
	// ObjectHeaderSize is the size of the routing header of object packets.
	ObjectHeaderSize = 20
	// StageHeaderSize is the size of the routing header of stage packets.
	StageHeaderSize = 4

	// MinPacketSize is the biggest packet considered small by the command
	// cache.
	MinPacketSize = 4096
	// MaxPacketSize bounds the declared size of incoming packets. Anything
	// bigger means the stream is out of sync.
	MaxPacketSize = 1 << 48
)

// InstanceAll addresses every attached instance of an object on the receiving
// node.
const InstanceAll uint32 = 0xfffffffe

// InstanceNone is the instance id of detached objects.
const InstanceNone uint32 = 0xffffffff

// Header is the fixed part of every packet.
type Header struct {
	Size    uint64
	Kind    Kind
	Command uint32
}

// ObjectHeader routes object packets.
type ObjectHeader struct {
	ObjectID   uuid.UUID
	InstanceID uint32
}

// StageHeader routes stage packets.
type StageHeader struct {
	StageID uint32
}

// Packet is an outgoing message before it is serialised.
type Packet struct {
	Header
	Object ObjectHeader
	Stage  StageHeader
	Body   interface{}
}

// NewNodePacket ...
func NewNodePacket(cmd uint32, body interface{}) *Packet {
	return &Packet{
		Header: Header{Kind: KindNode, Command: cmd},
		Body:   body,
	}
}

// NewObjectPacket ...
func NewObjectPacket(cmd uint32, objectID uuid.UUID, instanceID uint32, body interface{}) *Packet {
	return &Packet{
		Header: Header{Kind: KindObject, Command: cmd},
		Object: ObjectHeader{ObjectID: objectID, InstanceID: instanceID},
		Body:   body,
	}
}

// NewStagePacket ...
func NewStagePacket(cmd uint32, stageID uint32, body interface{}) *Packet {
	return &Packet{
		Header: Header{Kind: KindStage, Command: cmd},
		Stage:  StageHeader{StageID: stageID},
		Body:   body,
	}
}

// Marshal serialises the packet and updates its Size.
func (p *Packet) Marshal() ([]byte, error) {
	routing, err := routingSize(p.Kind)
	if err != nil {
		return nil, err
	}

	buf := bytes.NewBuffer(make([]byte, HeaderSize+routing, MinPacketSize))
	b := buf.Bytes()

	switch p.Kind {
	case KindObject:
		copy(b[HeaderSize:], p.Object.ObjectID[:])
		binary.BigEndian.PutUint32(b[HeaderSize+16:], p.Object.InstanceID)
	case KindStage:
		binary.BigEndian.PutUint32(b[HeaderSize:], p.Stage.StageID)
	}

	if p.Body != nil {
		enc := codec.NewEncoder(buf, handle)
		if err := enc.Encode(p.Body); err != nil {
			return nil, err
		}
	}

	data := buf.Bytes()
	p.Size = uint64(len(data))
	binary.BigEndian.PutUint64(data[0:8], p.Size)
	binary.BigEndian.PutUint32(data[8:12], uint32(p.Kind))
	binary.BigEndian.PutUint32(data[12:16], p.Command)

	return data, nil
}

func routingSize(kind Kind) (int, error) {
	switch kind {
	case KindNode:
		return 0, nil
	case KindObject:
		return ObjectHeaderSize, nil
	case KindStage:
		return StageHeaderSize, nil
	default:
		return 0, fmt.Errorf("unknown packet kind %d", uint32(kind))
	}
}

// ReadHeader parses and validates the fixed header of a raw packet.
func ReadHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("packet too short: %d bytes", len(data))
	}

	h := Header{
		Size:    binary.BigEndian.Uint64(data[0:8]),
		Kind:    Kind(binary.BigEndian.Uint32(data[8:12])),
		Command: binary.BigEndian.Uint32(data[12:16]),
	}

	if h.Size < HeaderSize || h.Size >= MaxPacketSize {
		return h, fmt.Errorf("out-of-sync packet size %d", h.Size)
	}

	routing, err := routingSize(h.Kind)
	if err != nil {
		return h, err
	}
	if h.Size < uint64(HeaderSize+routing) {
		return h, fmt.Errorf("%s packet too short: %d bytes", h.Kind, h.Size)
	}

	return h, nil
}

// ReadObjectHeader parses the routing header of an object packet.
func ReadObjectHeader(data []byte) (ObjectHeader, error) {
	if len(data) < HeaderSize+ObjectHeaderSize {
		return ObjectHeader{}, fmt.Errorf("object packet too short: %d bytes", len(data))
	}

	var oh ObjectHeader
	copy(oh.ObjectID[:], data[HeaderSize:HeaderSize+16])
	oh.InstanceID = binary.BigEndian.Uint32(data[HeaderSize+16:])
	return oh, nil
}

// ReadStageHeader parses the routing header of a stage packet.
func ReadStageHeader(data []byte) (StageHeader, error) {
	if len(data) < HeaderSize+StageHeaderSize {
		return StageHeader{}, fmt.Errorf("stage packet too short: %d bytes", len(data))
	}
	return StageHeader{StageID: binary.BigEndian.Uint32(data[HeaderSize:])}, nil
}

// DecodeBody decodes the msgpack body of a raw packet into v.
func DecodeBody(data []byte, v interface{}) error {
	h, err := ReadHeader(data)
	if err != nil {
		return err
	}

	routing, _ := routingSize(h.Kind)
	start := HeaderSize + routing

	if uint64(len(data)) < h.Size {
		return fmt.Errorf("truncated packet: %d of %d bytes", len(data), h.Size)
	}

	dec := codec.NewDecoderBytes(data[start:h.Size], handle)
	return dec.Decode(v)
}
