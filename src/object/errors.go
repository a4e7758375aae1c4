package object

import "errors"

var (
	// ErrNotMaster is returned by operations reserved to the master instance.
	ErrNotMaster = errors.New("object is not a master instance")
	// ErrNotSlave is returned by operations reserved to slave instances.
	ErrNotSlave = errors.New("object is not a slave instance")
	// ErrNotAttached is returned by operations on a detached object.
	ErrNotAttached = errors.New("object is not attached")
	// ErrAttached is returned when attaching an attached object.
	ErrAttached = errors.New("object is already attached")
	// ErrRollback is returned when syncing a slave to a version older than its
	// current version.
	ErrRollback = errors.New("can not sync to an older version")
	// ErrTimeout is returned when a sync or a commit does not complete in
	// time.
	ErrTimeout = errors.New("object timeout")
	// ErrVersionUnavailable is returned when the master does not hold the
	// requested version.
	ErrVersionUnavailable = errors.New("version not available")
	// ErrOutOfOrder means instance data skipped a version.
	ErrOutOfOrder = errors.New("instance data out of order")
)
