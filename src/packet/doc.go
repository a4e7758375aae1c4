// Package packet implements the wire unit exchanged between nodes.
//
// Every packet starts with a fixed 16 byte header:
//
//  size    uint64 // total size of the packet, header included
//  kind    uint32 // selects the routing header that follows
//  command uint32 // command id, interpreted per kind
//
// The kind decides which routing header overlays the next bytes. Node packets
// have none, object packets carry the object id and the instance id of the
// addressed object, stage packets carry the id of the addressed stage. The
// command specific fields follow as a msgpack body.
//
// All the integers of the fixed part are big-endian.
package packet
