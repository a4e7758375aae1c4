package commands

import (
	"github.com/spf13/cobra"
)

var (
	_config = NewDefaultCLIConfig()
)

//RootCmd is the root command for Mural
var RootCmd = &cobra.Command{
	Use:              "mural",
	Short:            "mural cluster rendering node",
	TraverseChildren: true,
}
