// Package net implements the transports used by mural nodes to exchange
// packets.
//
// A Transport delivers opaque packets, one way and in order per target. It
// knows nothing about requests or replies: the node correlates them with
// request ids carried inside the packets. Two implementations exist:
//
// - Inmem: in-memory transport used only for testing
//
// - TCP: communicating over plain TCP
//
// TCP
//
// Render clusters run on a local network, where nodes reach each other
// directly. To use the TCP transport, set the following configuration options
// (cf config package):
//
// - BindAddr: the IP:PORT of the TCP socket that the node binds to.
//
// - AdvertiseAddr: (optional) The address that is advertised to other nodes.
// If BindAddr is a local address not reachable by other peers, it is useful to
// set AdvertiseAddr to the reachable address.
//
// Every outgoing connection starts with a frame carrying the advertise address
// of the dialing node. Incoming packets are tagged with it, so the receiver can
// answer on its own outgoing connection. When a connection breaks, the address
// of the remote node is published on the Disconnected channel.
package net
