// Package peers defines the concept of a mural peer and implements functions
// to manage collections of peers.
//
// A peer is another node of the render cluster. Peers are identified by the
// node id (a UUID) they announce in the connection handshake, and reached at
// a network address. A moniker is a non-unique user-friendly name.
//
// Upon starting up, a node reads the optional peers.json file in its data
// directory. It lists the addresses of the nodes to connect to; node ids may
// be left out, they are learned when the connection is established.
package peers
