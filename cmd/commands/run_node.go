package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	nm "github.com/lianxiangcloud/linkdht/node"
)

// AddNodeFlags exposes some common configuration options on the command-line
// These are exposed for convenience of commands embedding a node
func AddNodeFlags(cmd *cobra.Command) {
	// bind flags
	cmd.Flags().String("moniker", config.BaseConfig.Moniker, "Node Name")

	// node flags
	cmd.Flags().String("pprof", config.BaseConfig.ProfListenAddress, "The http pprof server address")
	cmd.Flags().String("db_backend", config.BaseConfig.DBBackend, "db backend: goleveldb | memdb | badger | bolt")
	cmd.Flags().StringSlice("buckets", config.BaseConfig.Buckets, "Buckets shared from share_dir")
	cmd.Flags().String("share_dir", config.BaseConfig.ShareDir, "Directory holding the shared buckets")

	// rpc flags
	cmd.Flags().String("rpc.laddr", config.RPC.ListenAddress, "Status server listen address, empty to disable")

	// p2p flags
	cmd.Flags().String("p2p.laddr", config.P2P.ListenAddress, "Node listen address. (0.0.0.0:0 means any interface, any port)")
	cmd.Flags().String("p2p.external_address", config.P2P.ExternalAddress, "Address advertised to peers")
	cmd.Flags().Bool("p2p.upnp", config.P2P.UPNP, "Map the listen port with UPnP")

	// dht flags
	cmd.Flags().Int("dht.k", config.DHT.K, "Bucket size and lookup result size")
	cmd.Flags().Int("dht.alpha", config.DHT.Alpha, "Lookup parallelism")

	// discovery flags
	cmd.Flags().Bool("discovery.enabled", config.Discovery.Enabled, "Announce this node on the local network")
	cmd.Flags().String("discovery.group", config.Discovery.Group, "Multicast group address")

	cmd.Flags().Bool("instrumentation.prometheus", config.Instrumentation.Prometheus, "Serve Prometheus metrics under /metrics")

	//bootnode
	cmd.Flags().StringSlice("bootnode.addrs", config.BootNode.Addrs, "HTTP seed servers")
	cmd.Flags().StringSlice("bootnode.seeds", config.BootNode.Seeds, "Seed endpoints, host:port")
	cmd.Flags().String("bootnode.seed_file", config.BootNode.SeedFile, "File listing seed endpoints")
}

// NewRunNodeCmd returns the command that allows the CLI to start a node.
func NewRunNodeCmd(nodeProvider nm.NodeProvider) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run the node",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Create & start node
			n, err := nodeProvider(config, logger)
			if err != nil {
				return fmt.Errorf("Failed to create node: %v", err)
			}

			if err := n.Start(); err != nil {
				return fmt.Errorf("Failed to start node: %v", err)
			}
			self := n.Dht().Self()
			logger.Info("Started node", "machine", self.MachineID, "id", self.ID, "p2p", n.P2PAddr(), "rpc", n.RPCAddr())

			// Trap signal, run forever.
			n.RunForever()

			return nil
		},
	}

	AddNodeFlags(cmd)
	return cmd
}
