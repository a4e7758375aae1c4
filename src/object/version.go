package object

import (
	"math"

	"github.com/mosaicnetworks/mural/src/common"
)

// Version identifies a committed state of an object. Registration produces
// VersionFirst and every commit with a non-empty delta the next version.
type Version = common.Uint128

var (
	// VersionNone is the version of an object that was never attached.
	VersionNone = Version{}
	// VersionFirst is the version of the data captured at registration.
	VersionFirst = Version{}
	// VersionInvalid marks the absence of a version.
	VersionInvalid = Version{High: math.MaxUint64, Low: math.MaxUint64}
	// VersionOldest asks for the oldest version the master still holds.
	VersionOldest = Version{High: math.MaxUint64, Low: math.MaxUint64 - 1}
	// VersionHead asks for the newest version available.
	VersionHead = Version{High: math.MaxUint64, Low: math.MaxUint64 - 2}
	// VersionNext asks for the version following the current one.
	VersionNext = Version{High: math.MaxUint64, Low: math.MaxUint64 - 3}
)

// IsSentinel reports whether v is one of the symbolic versions.
func IsSentinel(v Version) bool {
	return v.High == math.MaxUint64 && v.Low >= math.MaxUint64-3
}
