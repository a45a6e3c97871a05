package commands

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cfg "github.com/lianxiangcloud/linkdht/config"
	"github.com/lianxiangcloud/linkdht/libs/dht/contact"
	"github.com/lianxiangcloud/linkdht/libs/dht/kadid"
	nm "github.com/lianxiangcloud/linkdht/node"
)

func init() {
	ProbeCmd.Flags().String("probe.key", "", "Identifier to look up with FIND_VALUE, hex")
	ProbeCmd.Flags().String("probe.bucket", "", "Bucket whose holders are listed")
	ProbeCmd.Flags().Duration("probe.timeout", 30*time.Second, "Overall time limit")
	ProbeCmd.Flags().Bool("probe.verbose", false, "Dump the full lookup result")
}

// ProbeCmd runs a throwaway node that joins through the given seeds,
// performs one lookup and prints what it found.
var ProbeCmd = &cobra.Command{
	Use:   "probe [seed host:port...]",
	Short: "Join the network with a temporary node and run a lookup",
	RunE:  runProbe,
}

func probeConfig(base *cfg.Config, seeds []string) (*cfg.Config, error) {
	root, err := ioutil.TempDir("", "linkdht-probe")
	if err != nil {
		return nil, err
	}
	conf := cfg.TestConfig()
	dhtConf, p2pConf, bootConf := *base.DHT, *base.P2P, *base.BootNode
	conf.DHT = &dhtConf
	conf.P2P = &p2pConf
	conf.P2P.ListenAddress = "tcp://0.0.0.0:0"
	conf.P2P.UPNP = false
	conf.RPC.ListenAddress = ""
	conf.Discovery.Enabled = false
	conf.BootNode = &bootConf
	if len(seeds) > 0 {
		conf.BootNode.Seeds = seeds
	}
	cfg.EnsureRoot(root, conf)
	return conf.SetRoot(root), nil
}

func runProbe(cmd *cobra.Command, args []string) error {
	conf, err := probeConfig(config, args)
	if err != nil {
		return err
	}
	defer os.RemoveAll(conf.RootDir)

	n, err := nm.NewNode(conf, nm.DefaultDBProvider, nm.NopMetricsProvider, logger)
	if err != nil {
		return err
	}
	if err := n.Start(); err != nil {
		return err
	}
	defer n.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), viper.GetDuration("probe.timeout"))
	defer cancel()
	select {
	case <-n.Bootstrapped():
	case <-ctx.Done():
		return ctx.Err()
	}
	dht := n.Dht()
	if dht.Table().Len() == 0 {
		return errors.New("no peer reached")
	}
	fmt.Printf("joined as %s, %d contacts known\n", dht.Self().ID, dht.Table().Len())

	var result interface{}
	switch {
	case viper.GetString("probe.bucket") != "":
		holders, err := dht.FindBucketHolders(ctx, viper.GetString("probe.bucket"))
		if err != nil {
			return err
		}
		printContacts(holders)
		result = holders
	case viper.GetString("probe.key") != "":
		key, err := kadid.FromHex(viper.GetString("probe.key"))
		if err != nil {
			return err
		}
		res, err := dht.FindValue(ctx, key)
		if err != nil {
			return err
		}
		if res.Found() {
			fmt.Printf("value found at %s: %d bytes\n", res.FoundBy, len(res.Value))
		} else {
			fmt.Println("value not found, closest contacts:")
			printContacts(res.Contacts)
		}
		result = res
	default:
		found, err := dht.FindNode(ctx, kadid.Random())
		if err != nil {
			return err
		}
		printContacts(found)
		result = found
	}

	if viper.GetBool("probe.verbose") {
		spew.Dump(result)
	}
	return nil
}

func printContacts(contacts []*contact.Contact) {
	for _, c := range contacts {
		fmt.Printf("  %s %s buckets=%v\n", c.ID, c.Endpoints(), c.Buckets)
	}
}

