package mural

import (
	"os"
	"time"

	"github.com/mosaicnetworks/mural/src/config"
	"github.com/mosaicnetworks/mural/src/object"
	"github.com/mosaicnetworks/mural/src/stage"
)

// This example starts a node with the default configuration, and drives one
// frame through its stages.
func Example() {
	// Start from default configuration.
	muralConfig := config.NewDefaultConfig()

	// Instantiate Mural. The callbacks are run by every stage of the tree.
	mural := NewMural(muralConfig)
	mural.Callbacks = stage.NopCallbacks{}

	// Read in the configuration and initialise the node accordingly.
	if err := mural.Init(); err != nil {
		muralConfig.Logger().Error("Cannot initialize mural:", err)
		os.Exit(1)
	}

	// Run the node asynchronously.
	mural.RunAsync()
	defer mural.Shutdown()

	// Initialise the stages, render a frame and stop them.
	if err := mural.Driver.ConfigInit(1); err != nil {
		muralConfig.Logger().Error("Cannot initialize stages:", err)
		return
	}

	if _, err := mural.Driver.StartFrame(1, object.VersionNone); err != nil {
		muralConfig.Logger().Error("Cannot start frame:", err)
	}

	mural.Driver.FinishAllFrames(time.Second)
	mural.Driver.ConfigExit()
}
