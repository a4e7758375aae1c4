// Package objectstore attaches distributed objects to a node.
//
// A master instance is registered on one node. Any node, including the
// master's, maps slave instances of it: the store finds the node holding the
// master, asks it to subscribe a new slave instance at a given version, and
// receives the instance data of that version and of every later commit.
//
// The instance data received by a node is kept in an InstanceCache. When an
// object is mapped again while its versions are still cached, the master
// only sends what the cache misses.
package objectstore
