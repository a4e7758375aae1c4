package store

import (
	"github.com/google/uuid"
	"github.com/mosaicnetworks/mural/src/common"
	"github.com/mosaicnetworks/mural/src/packet"
)

// Entry is one version of a master object: the full instance data at that
// version and the delta from the previous version. The delta of the first
// version is empty.
type Entry struct {
	Version  common.Uint128 `codec:"v"`
	Snapshot []byte         `codec:"s"`
	Delta    []byte         `codec:"d"`
}

// Marshal encodes the entry with the packet msgpack handle.
func (e *Entry) Marshal() ([]byte, error) {
	return packet.Encode(e)
}

// Unmarshal ...
func (e *Entry) Unmarshal(data []byte) error {
	return packet.Decode(data, e)
}

// Store holds the version history of master objects. Versions of an object
// are contiguous: Put only accepts the version following the newest one, or
// any version for an object without history.
type Store interface {
	// Put appends a version to the history of an object.
	Put(objectID uuid.UUID, e Entry) error

	// Get returns one version of an object.
	Get(objectID uuid.UUID, version common.Uint128) (Entry, error)

	// Range returns the versions from..to of an object, both included, in
	// increasing order.
	Range(objectID uuid.UUID, from, to common.Uint128) ([]Entry, error)

	// Oldest returns the oldest version held for an object.
	Oldest(objectID uuid.UUID) (common.Uint128, error)

	// Head returns the newest version held for an object.
	Head(objectID uuid.UUID) (common.Uint128, error)

	// Trim drops the versions older than keepFrom. The newest version is
	// always kept.
	Trim(objectID uuid.UUID, keepFrom common.Uint128) error

	// Delete drops the history of an object.
	Delete(objectID uuid.UUID) error

	// Close releases the resources of the store.
	Close() error
}
