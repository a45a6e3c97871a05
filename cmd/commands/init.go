package commands

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lianxiangcloud/linkdht/libs/common"
	nm "github.com/lianxiangcloud/linkdht/node"
)

func init() {
	InitFilesCmd.Flags().String("moniker", config.Moniker, "Node Name")
	InitFilesCmd.Flags().StringSlice("buckets", config.Buckets, "Buckets shared from share_dir")

	// init db flags
	InitFilesCmd.Flags().String("db_backend", config.BaseConfig.DBBackend, "db backend: goleveldb | memdb | badger | bolt")
	InitFilesCmd.Flags().String("db_path", config.BaseConfig.DBPath, "db path")
	InitFilesCmd.Flags().Uint64("db_counts", config.BaseConfig.DBCounts, "db counts")
}

// InitFilesCmd creates the home directory, the config file and the machine id.
var InitFilesCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a linkdht home",
	RunE:  initFiles,
}

func initFiles(cmd *cobra.Command, args []string) error {
	machineID, err := nm.LoadOrGenMachineID(config.MachineIDPath())
	if err != nil {
		return err
	}
	logger.Info("Machine id", "path", config.MachineIDPath(), "id", machineID)

	for _, bucket := range config.Buckets {
		dir := filepath.Join(config.ShareRoot(), bucket)
		if err := common.EnsureDir(dir, 0755); err != nil {
			return err
		}
		logger.Info("Shared bucket", "name", bucket, "dir", dir)
	}
	return nil
}
