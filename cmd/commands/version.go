package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lianxiangcloud/linkdht/version"
)

// VersionCmd ...
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version info",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("linkdht version: %s, gitCommit:%s \n", version.Version, version.GitCommit)
	},
}
