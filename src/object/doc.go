// Package object implements versioned objects replicated from one master
// instance to any number of slave instances.
//
// A user type implements Distributable. Once attached as a master, every
// Commit packs the changes since the previous commit into a delta; a
// non-empty delta becomes the next version, is recorded in the history
// store of the MasterCM and is sent to every subscribed slave node. Slave
// instances queue the instance data they receive and apply it strictly in
// version order when Sync is called. A new slave starts from a full snapshot
// of the requested version, unless its node already caches the versions it
// needs.
package object
