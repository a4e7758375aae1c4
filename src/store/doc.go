// Package store holds the version history of master objects.
//
// Each committed version of a master object is kept as an Entry carrying the
// full instance data and the delta from the previous version, so that a new
// slave can be given any retained version and the changes after it. The
// InmemStore keeps a bounded window per object; the BadgerStore also
// persists the history to disk.
package store
