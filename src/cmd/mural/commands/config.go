package commands

import (
	"time"

	"github.com/mosaicnetworks/mural/src/config"
)

//CLIConfig contains configuration for the Run command
type CLIConfig struct {
	Mural config.Config `mapstructure:",squash"`

	// Frames is the number of frames driven through the local stages. Zero
	// leaves the stages idle, driven by another node.
	Frames int `mapstructure:"frames"`

	// FrameInterval is the minimum time between two started frames.
	FrameInterval time.Duration `mapstructure:"frame-interval"`
}

//NewDefaultCLIConfig creates a CLIConfig with default values
func NewDefaultCLIConfig() *CLIConfig {
	return &CLIConfig{
		Mural:         *config.NewDefaultConfig(),
		Frames:        0,
		FrameInterval: 16 * time.Millisecond,
	}
}
