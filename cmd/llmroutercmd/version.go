package llmroutercmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is set by the release build via -ldflags; "devel" otherwise.
var version = "devel"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the router's version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}
