package stage

import "github.com/mosaicnetworks/mural/src/object"

// Callbacks is the application code run by a stage. Every method is called on
// the goroutine of the stage.
type Callbacks interface {
	// ConfigInit initialises the resources of the stage. Returning false
	// fails the stage.
	ConfigInit(initID uint32) bool
	// ConfigExit releases the resources of the stage.
	ConfigExit() bool
	// FrameStart starts a frame. Scene objects are synced to version.
	FrameStart(frameID uint32, frame uint32, version object.Version)
	FrameDrawFinish(frameID uint32, frame uint32)
	FrameFinish(frameID uint32, frame uint32)
}

// NopCallbacks succeeds without doing anything.
type NopCallbacks struct{}

// ConfigInit ...
func (NopCallbacks) ConfigInit(initID uint32) bool { return true }

// ConfigExit ...
func (NopCallbacks) ConfigExit() bool { return true }

// FrameStart ...
func (NopCallbacks) FrameStart(frameID uint32, frame uint32, version object.Version) {}

// FrameDrawFinish ...
func (NopCallbacks) FrameDrawFinish(frameID uint32, frame uint32) {}

// FrameFinish ...
func (NopCallbacks) FrameFinish(frameID uint32, frame uint32) {}
