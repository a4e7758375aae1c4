package net

import (
	"net"
	"time"
)

// StreamLayer provides the connections of a NetworkTransport. Accept yields
// the connections opened by other nodes.
type StreamLayer interface {
	net.Listener

	// Dial opens the outgoing connection to a node.
	Dial(address string, timeout time.Duration) (net.Conn, error)

	// AdvertiseAddr is the address other nodes dial to reach this one.
	AdvertiseAddr() string
}
