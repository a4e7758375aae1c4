// Package node implements the network endpoint of a mural process.
//
// A Node owns a transport, a command cache and two goroutines. The receiver
// goroutine reads packets from the transport, copies them into commands and
// routes them by kind: node packets go to the node dispatcher, object packets
// to the object router and stage packets to the stage router. Handlers bound
// to the node command queue run on the command goroutine, one at a time.
//
// Late binding
//
// A command may arrive before its addressee exists, for example instance data
// sent by a master while the slave is still completing the mapping. Such a
// command is kept on a pending list and routed again whenever a packet
// arrives, and periodically. Commands that stay pending for longer than
// Config.PendingTimeout are dropped as obsolete.
//
// Requests
//
// A request id is allocated by RegisterRequest and travels with the request
// packet. The reply carries it back and serves the request, which wakes up
// the goroutine blocked in WaitRequest. Requests registered against a peer
// fail with ErrPeerDisconnected when the connection to that peer is lost.
//
// Peers
//
// Nodes introduce themselves with a Connect/ConnectReply handshake that
// exchanges their node ids. Packets are then addressed by node id.
package node
