package stage

import "errors"

var (
	// ErrUnknownStage is returned for a stage id that is not in the tree.
	ErrUnknownStage = errors.New("unknown stage")
	// ErrInvalidLevel is returned when a stage is attached under a parent
	// that is not higher in the hierarchy.
	ErrInvalidLevel = errors.New("invalid stage level")
	// ErrHasChildren is returned when detaching a stage with attached
	// children.
	ErrHasChildren = errors.New("stage has children")
	// ErrRunning is returned when detaching a stage whose goroutine is
	// running.
	ErrRunning = errors.New("stage goroutine is running")
	// ErrDetached is returned by a Detach called twice.
	ErrDetached = errors.New("stage detached")
	// ErrInitFailed is returned when a stage fails its ConfigInit.
	ErrInitFailed = errors.New("config init failed")
	// ErrExitFailed is returned when a stage fails its ConfigExit.
	ErrExitFailed = errors.New("config exit failed")
	// ErrTimeout is returned when a frame could not be started or finished in
	// time.
	ErrTimeout = errors.New("timeout")
)
