package objectstore

import "fmt"

// MapState is the progress of the mapping of an object id on a slave node.
type MapState uint32

const (
	// Unknown ...
	Unknown MapState = iota
	// ResolvingMaster means the master node is being searched.
	ResolvingMaster
	// Mapping means the map request was sent to the master.
	Mapping
	// Attached means the slave instance holds the mapped version.
	Attached
	// Error means the last mapping failed.
	Error
)

// String ...
func (s MapState) String() string {
	switch s {
	case Unknown:
		return "Unknown"
	case ResolvingMaster:
		return "ResolvingMaster"
	case Mapping:
		return "Mapping"
	case Attached:
		return "Attached"
	case Error:
		return "Error"
	default:
		return fmt.Sprintf("MapState(%d)", uint32(s))
	}
}
