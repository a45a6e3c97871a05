package main

import (
	"os"
	"path/filepath"

	cmd "github.com/lianxiangcloud/linkdht/cmd/commands"
	cfg "github.com/lianxiangcloud/linkdht/config"
	"github.com/lianxiangcloud/linkdht/libs/cli"
	nm "github.com/lianxiangcloud/linkdht/node"
)

func main() {
	rootCmd := cmd.RootCmd
	rootCmd.AddCommand(
		cmd.InitFilesCmd,
		cmd.ProbeCmd,
		cmd.VersionCmd,
	)

	// Create & start node
	rootCmd.AddCommand(cmd.NewRunNodeCmd(nm.DefaultNewNode))

	cmd := cli.PrepareBaseCmd(rootCmd, "LINKDHT", os.ExpandEnv(filepath.Join("$HOME", cfg.DefaultHomeDir)))
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
