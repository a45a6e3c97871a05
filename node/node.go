package node

import (
	"context"
	"io/ioutil"
	"net"
	"net/http"
	_ "net/http/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/lianxiangcloud/linkdht/bootnode"
	cfg "github.com/lianxiangcloud/linkdht/config"
	cmn "github.com/lianxiangcloud/linkdht/libs/common"
	dbm "github.com/lianxiangcloud/linkdht/libs/db"
	"github.com/lianxiangcloud/linkdht/libs/dht/connpool"
	"github.com/lianxiangcloud/linkdht/libs/dht/contact"
	"github.com/lianxiangcloud/linkdht/libs/dht/discover"
	"github.com/lianxiangcloud/linkdht/libs/dht/kad"
	"github.com/lianxiangcloud/linkdht/libs/dht/kadid"
	"github.com/lianxiangcloud/linkdht/libs/dht/netutil"
	"github.com/lianxiangcloud/linkdht/libs/dht/transport"
	"github.com/lianxiangcloud/linkdht/libs/dht/upnp"
	"github.com/lianxiangcloud/linkdht/libs/log"
)

//------------------------------------------------------------------------------

// DBContext specifies config information for loading a new DB.
type DBContext struct {
	ID     string
	Config *cfg.Config
}

// DBProvider takes a DBContext and returns an instantiated DB.
type DBProvider func(*DBContext) (dbm.DB, error)

// DefaultDBProvider returns a database using the DBBackend and DBDir
// specified in the ctx.Config.
func DefaultDBProvider(ctx *DBContext) (dbm.DB, error) {
	dbType := dbm.DBBackendType(ctx.Config.DBBackend)
	return dbm.NewDB(ctx.ID, dbType, ctx.Config.DBDir(), ctx.Config.DBCounts)
}

// MetricsProvider returns the dht and connection pool Metrics.
type MetricsProvider func() (*kad.Metrics, *connpool.Metrics)

// NodeProvider takes a config and a logger and returns a ready to go Node.
type NodeProvider func(*cfg.Config, log.Logger) (*Node, error)

// DefaultMetricsProvider returns Metrics build using the Prometheus client
// library if Prometheus is enabled. Otherwise, it returns no-op Metrics.
func DefaultMetricsProvider(config *cfg.InstrumentationConfig) MetricsProvider {
	return func() (*kad.Metrics, *connpool.Metrics) {
		if config.Prometheus {
			return kad.PrometheusMetrics(config.Namespace), connpool.PrometheusMetrics(config.Namespace)
		}
		return NopMetricsProvider()
	}
}

// NopMetricsProvider returns no-op Metrics.
func NopMetricsProvider() (*kad.Metrics, *connpool.Metrics) {
	return kad.NopMetrics(), connpool.NopMetrics()
}

// DefaultNewNode returns a node with the configured database and metrics.
// It implements NodeProvider.
func DefaultNewNode(config *cfg.Config, logger log.Logger) (*Node, error) {
	return NewNode(config,
		DefaultDBProvider,
		DefaultMetricsProvider(config.Instrumentation),
		logger,
	)
}

//------------------------------------------------------------------------------

// LoadOrGenMachineID reads the machine id kept at path, creating the file
// with a fresh id when it is missing.
func LoadOrGenMachineID(path string) (string, error) {
	if cmn.FileExists(path) {
		data, err := ioutil.ReadFile(path)
		if err != nil {
			return "", err
		}
		id := strings.TrimSpace(string(data))
		if id == "" {
			return "", errors.Errorf("empty machine id in %s", path)
		}
		return id, nil
	}
	id := contact.NewMachineID()
	if err := ioutil.WriteFile(path, []byte(id+"\n"), 0600); err != nil {
		return "", err
	}
	return id, nil
}

//------------------------------------------------------------------------------

// Node is the highest level interface to a DHT peer.
// It includes all configuration information and running services.
type Node struct {
	cmn.BaseService

	// config
	config *cfg.Config

	db        dbm.DB
	contactDB *kad.ContactDB

	// network
	listener  net.Listener
	pool      *connpool.Pool
	dht       *kad.Dht
	discovery *discover.Service // nil when disabled
	mapper    *upnp.Mapper      // nil when disabled

	// status api
	rpcListener net.Listener
	rpcServer   *http.Server

	bootstrapped chan struct{}
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// NewNode returns a new, ready to go node. The p2p listener is bound here so
// that the local contact carries the actual port.
func NewNode(config *cfg.Config,
	dbProvider DBProvider,
	metricsProvider MetricsProvider,
	logger log.Logger) (*Node, error) {
	if err := config.ValidateBasic(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}

	db, err := dbProvider(&DBContext{"contacts", config})
	if err != nil {
		return nil, err
	}
	contactDB := kad.NewContactDB(db, config.DHT.ContactExpiry, logger.With("module", "contactdb"))

	protocol, address := cmn.ProtocolAndAddress(config.P2P.ListenAddress)
	listener, err := net.Listen(protocol, address)
	if err != nil {
		contactDB.Close()
		db.Close()
		return nil, errors.Wrap(err, "p2p listen")
	}
	closeAll := func() {
		listener.Close()
		contactDB.Close()
		db.Close()
	}

	self, err := makeSelf(config, contactDB, listener.Addr(), logger)
	if err != nil {
		closeAll()
		return nil, err
	}

	dhtMetrics, poolMetrics := metricsProvider()
	pool := connpool.NewPool(config.P2P.PoolConfig(), logger.With("module", "connpool"), connpool.WithMetrics(poolMetrics))

	var dht *kad.Dht
	client := transport.NewClient(config.P2P.ClientConfig(), pool, func() *contact.Contact {
		return dht.Self()
	}, logger.With("module", "transport"))

	dht, err = kad.NewDht(config.DHT.KadConfig(), self, client, logger.With("module", "dht"),
		kad.WithMetrics(dhtMetrics),
		kad.WithContactDB(contactDB),
		kad.WithChunkSource(kad.DirChunkSource{Root: config.ShareRoot()}),
	)
	if err != nil {
		closeAll()
		return nil, err
	}
	dht.Node().Listen(config.P2P.ServerConfig(), listener)

	node := &Node{
		config:       config,
		db:           db,
		contactDB:    contactDB,
		listener:     listener,
		pool:         pool,
		dht:          dht,
		bootstrapped: make(chan struct{}),
	}

	if config.Discovery.Enabled {
		node.discovery = discover.NewService(config.Discovery.DiscoverConfig(), dht.Self,
			config.DHT.ProtocolVersion, dht.HandleRecognition, logger.With("module", "discover"))
	}
	if config.P2P.UPNP {
		node.mapper = upnp.NewMapper(self.TCPPort, "linkdht", logger.With("module", "upnp"))
	}

	// run the profile server
	profileHost := config.ProfListenAddress
	if profileHost != "" {
		go func() {
			logger.Error("Profile server", "err", http.ListenAndServe(profileHost, nil))
		}()
	}

	node.BaseService = *cmn.NewBaseService(logger, "Node", node)
	return node, nil
}

// makeSelf builds the local contact: the machine id from its file, the
// identifier persisted for that machine id (or a fresh one), the bound port,
// the local interface addresses and the configured external address.
func makeSelf(config *cfg.Config, contactDB *kad.ContactDB, bound net.Addr, logger log.Logger) (*contact.Contact, error) {
	machineID, err := LoadOrGenMachineID(config.MachineIDPath())
	if err != nil {
		return nil, errors.Wrap(err, "machine id")
	}

	id := kadid.Random()
	if stored := contactDB.LoadSelf(); stored != nil && stored.MachineID == machineID {
		id = stored.ID
	}

	tcpAddr, ok := bound.(*net.TCPAddr)
	if !ok {
		return nil, errors.Errorf("p2p listener is not tcp: %v", bound)
	}

	var addrs []net.IP
	if !tcpAddr.IP.IsUnspecified() {
		addrs = append(addrs, tcpAddr.IP)
	} else if local, err := netutil.LocalAddresses(); err != nil {
		logger.Warn("Listing local addresses failed", "err", err)
	} else {
		addrs = append(addrs, local...)
	}
	if ext := config.P2P.ExternalAddress; ext != "" {
		host := ext
		if h, _, err := net.SplitHostPort(ext); err == nil {
			host = h
		}
		ip := net.ParseIP(host)
		if ip == nil {
			return nil, errors.Errorf("external_address %q is not an ip", ext)
		}
		addrs = append(addrs, ip)
	}
	if len(addrs) == 0 {
		addrs = append(addrs, net.IPv4(127, 0, 0, 1))
	}

	self := contact.New(machineID, id, uint16(tcpAddr.Port), addrs...)
	for _, bucket := range config.Buckets {
		self.TryAddBucketLocalName(bucket)
	}
	return self, nil
}

// OnStart starts the Node. It implements cmn.Service.
func (n *Node) OnStart() error {
	n.ctx, n.cancel = context.WithCancel(context.Background())

	if err := n.pool.Start(); err != nil {
		return err
	}
	if err := n.dht.Start(); err != nil {
		n.pool.Stop()
		return err
	}

	if n.mapper != nil {
		ext, err := n.mapper.Map()
		if err != nil {
			n.Logger.Warn("UPnP mapping failed", "err", err)
		} else {
			n.dht.Node().AddAddress(ext.IP)
			n.Logger.Info("Mapped p2p port", "ip", ext.IP, "port", ext.Port)
		}
	}

	if n.discovery != nil {
		if err := n.discovery.Start(); err != nil {
			n.Logger.Warn("Local discovery disabled", "err", err)
			n.discovery = nil
		}
	}

	if err := n.startRPC(); err != nil {
		n.stopServices()
		return err
	}

	n.wg.Add(1)
	go n.bootstrapRoutine()
	return nil
}

// OnStop stops the Node. It implements cmn.Service.
func (n *Node) OnStop() {
	n.BaseService.OnStop()

	n.Logger.Info("Stopping Node")
	n.cancel()
	n.wg.Wait()
	n.stopServices()
}

func (n *Node) stopServices() {
	if n.rpcServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		n.rpcServer.Shutdown(ctx)
		cancel()
	}
	if n.discovery != nil {
		n.discovery.Stop()
	}
	if n.mapper != nil {
		n.mapper.Unmap()
	}
	n.dht.Stop()
	n.pool.Stop()
	n.db.Close()
}

// bootstrapRoutine joins the network through the configured seeds. With no
// seed source the node waits for peers found by local discovery or
// contacts loaded from the store.
func (n *Node) bootstrapRoutine() {
	defer n.wg.Done()
	defer close(n.bootstrapped)

	seeds, err := bootnode.GetSeeds(n.ctx, n.config.BootNode, n.dht.Self(), n.Logger)
	if err != nil && err != bootnode.ErrNoSeedSource {
		n.Logger.Warn("Fetching seeds failed", "err", err)
	}
	if len(seeds) == 0 && n.dht.Table().Len() == 0 {
		n.Logger.Info("No seeds, waiting for peers")
		return
	}

	start := time.Now()
	if err := n.dht.Bootstrap(n.ctx, seeds); err != nil {
		n.Logger.Warn("Bootstrap failed", "seeds", len(seeds), "err", err)
		return
	}
	n.Logger.Info("Bootstrapped", "seeds", len(seeds), "contacts", n.dht.Table().Len(), "elapsed", time.Since(start))
}

// Bootstrapped is closed once the first bootstrap attempt finished.
func (n *Node) Bootstrapped() <-chan struct{} {
	return n.bootstrapped
}

// RunForever waits for an interrupt signal and stops the node.
func (n *Node) RunForever() {
	// Sleep forever and then...
	cmn.TrapSignal(func() {
		n.Stop()
	})
}

func (n *Node) Config() *cfg.Config {
	return n.config
}

// Dht returns the node's Dht.
func (n *Node) Dht() *kad.Dht {
	return n.dht
}

// P2PAddr returns the bound p2p address.
func (n *Node) P2PAddr() net.Addr {
	return n.listener.Addr()
}

// Endpoint returns a dialable host:port for this node.
func (n *Node) Endpoint() string {
	self := n.dht.Self()
	eps := self.Endpoints()
	if len(eps) == 0 {
		return net.JoinHostPort("127.0.0.1", strconv.Itoa(int(self.TCPPort)))
	}
	return eps[0]
}

// RPCAddr returns the bound status api address, nil when disabled.
func (n *Node) RPCAddr() net.Addr {
	if n.rpcListener == nil {
		return nil
	}
	return n.rpcListener.Addr()
}
