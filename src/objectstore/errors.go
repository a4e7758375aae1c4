package objectstore

import "errors"

var (
	// ErrMasterNotFound is returned when no connected node holds the master
	// instance of an object.
	ErrMasterNotFound = errors.New("master not found")
	// ErrAlreadyRegistered is returned when registering an object id that has
	// instances on this node.
	ErrAlreadyRegistered = errors.New("object already registered")
	// ErrNotRegistered is returned when an object is not attached to this
	// store.
	ErrNotRegistered = errors.New("object not registered")
	// ErrMapFailed is returned when the master refuses a mapping.
	ErrMapFailed = errors.New("mapping refused by master")
)
