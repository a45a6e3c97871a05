package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/lianxiangcloud/linkdht/libs/db"
	"github.com/lianxiangcloud/linkdht/libs/dht/connpool"
	"github.com/lianxiangcloud/linkdht/libs/dht/discover"
	"github.com/lianxiangcloud/linkdht/libs/dht/kad"
	"github.com/lianxiangcloud/linkdht/libs/dht/transport"
	"github.com/lianxiangcloud/linkdht/libs/log"
)

// NOTE: Most of the structs & relevant comments + the
// default configuration options were used to manually
// generate the config.toml. Please reflect any changes
// made here in the defaultConfigTemplate constant in
// config/toml.go
var (
	DefaultHomeDir   = ".linkdht"
	defaultConfigDir = "config"
	defaultDataDir   = "data"
	defaultLogDir    = "log"
	defaultShareDir  = "share"

	defaultLogFileName    = "linkdht.log"
	defaultConfigFileName = "config.toml"
	defaultMachineIDName  = "machine_id"

	defaultConfigFilePath = filepath.Join(defaultConfigDir, defaultConfigFileName)
	defaultMachineIDPath  = filepath.Join(defaultConfigDir, defaultMachineIDName)
)

// Config defines the top level configuration for a node
type Config struct {
	// Top level options use an anonymous struct
	BaseConfig `mapstructure:",squash"`

	// Options for services
	Log             *log.RotateConfig      `mapstructure:"log"`
	RPC             *RPCConfig             `mapstructure:"rpc"`
	P2P             *P2PConfig             `mapstructure:"p2p"`
	DHT             *DHTConfig             `mapstructure:"dht"`
	Discovery       *DiscoveryConfig       `mapstructure:"discovery"`
	Instrumentation *InstrumentationConfig `mapstructure:"instrumentation"`
	BootNode        *BootNodeConfig        `mapstructure:"bootnode"`
}

// DefaultConfig returns a default configuration for a node
func DefaultConfig() *Config {
	return &Config{
		BaseConfig:      DefaultBaseConfig(),
		Log:             DefaultRotateConfig(),
		RPC:             DefaultRPCConfig(),
		P2P:             DefaultP2PConfig(),
		DHT:             DefaultDHTConfig(),
		Discovery:       DefaultDiscoveryConfig(),
		Instrumentation: DefaultInstrumentationConfig(),
		BootNode:        DefaultBootNodeConfig(),
	}
}

// TestConfig returns a configuration that can be used for testing
func TestConfig() *Config {
	return &Config{
		BaseConfig:      TestBaseConfig(),
		Log:             TestRotateConfig(),
		RPC:             TestRPCConfig(),
		P2P:             TestP2PConfig(),
		DHT:             TestDHTConfig(),
		Discovery:       TestDiscoveryConfig(),
		Instrumentation: DefaultInstrumentationConfig(),
		BootNode:        DefaultBootNodeConfig(),
	}
}

// SetRoot sets the RootDir for all Config structs
func (cfg *Config) SetRoot(root string) *Config {
	cfg.BaseConfig.RootDir = root
	cfg.Log.RootDir = root
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *Config) ValidateBasic() error {
	if err := cfg.BaseConfig.ValidateBasic(); err != nil {
		return err
	}
	if err := cfg.P2P.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [p2p] section")
	}
	if err := cfg.DHT.KadConfig().ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [dht] section")
	}
	if err := cfg.Discovery.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [discovery] section")
	}
	if err := cfg.BootNode.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [bootnode] section")
	}
	return nil
}

//-----------------------------------------------------------------------------
// BaseConfig

// BaseConfig defines the base configuration for a node
type BaseConfig struct {
	// The root directory for all data.
	// This should be set in viper so it can unmarshal into this struct
	RootDir string `mapstructure:"home"`

	// A custom human readable name for this node
	Moniker string `mapstructure:"moniker"`

	// File holding the stable machine id of this node
	MachineIDFile string `mapstructure:"machine_id_file"`

	// Output level for logging
	LogLevel string `mapstructure:"log_level"`

	// LogPath directory
	LogPath string `mapstructure:"log_dir"`

	// TCP or UNIX socket address for the profiling server to listen on
	ProfListenAddress string `mapstructure:"pprof"`

	// Database backend: goleveldb | memdb | badger | bolt
	DBBackend string `mapstructure:"db_backend"`

	// Database directory
	DBPath string `mapstructure:"db_path"`

	// Database split counts
	DBCounts uint64 `mapstructure:"db_counts"`

	// Directory whose subdirectories are served as buckets
	ShareDir string `mapstructure:"share_dir"`

	// Buckets advertised by this node
	Buckets []string `mapstructure:"buckets"`
}

// DefaultBaseConfig returns a default base configuration for a node
func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		Moniker:           defaultMoniker,
		MachineIDFile:     defaultMachineIDPath,
		LogLevel:          DefaultPackageLogLevels(),
		LogPath:           defaultLogDir,
		ProfListenAddress: "",
		DBBackend:         string(db.GoLevelDBBackend),
		DBPath:            defaultDataDir,
		DBCounts:          1,
		ShareDir:          defaultShareDir,
		Buckets:           []string{},
	}
}

// TestBaseConfig returns a base configuration for testing a node
func TestBaseConfig() BaseConfig {
	cfg := DefaultBaseConfig()
	cfg.Moniker = "linkdht_test"
	cfg.DBBackend = string(db.MemDBBackend)
	return cfg
}

// ValidateBasic checks the database settings.
func (cfg BaseConfig) ValidateBasic() error {
	switch db.DBBackendType(cfg.DBBackend) {
	case db.GoLevelDBBackend, db.MemDBBackend, db.BadgerBackend, db.BoltBackend:
	default:
		return errors.Errorf("unknown db_backend %q", cfg.DBBackend)
	}
	if cfg.DBCounts == 0 {
		return errors.New("db_counts must be positive")
	}
	for _, b := range cfg.Buckets {
		if b == "" || b == "." || b == ".." || strings.ContainsAny(b, `/\`) {
			return errors.Errorf("invalid bucket name %q", b)
		}
	}
	return nil
}

// MachineIDPath returns the full path to the machine id file
func (cfg BaseConfig) MachineIDPath() string {
	return rootify(cfg.MachineIDFile, cfg.RootDir)
}

// DBDir returns the full path to the database directory
func (cfg BaseConfig) DBDir() string {
	return rootify(cfg.DBPath, cfg.RootDir)
}

// LogDir returns the full path to the log directory
func (cfg BaseConfig) LogDir() string {
	return rootify(cfg.LogPath, cfg.RootDir)
}

// ShareRoot returns the full path to the shared bucket directory
func (cfg BaseConfig) ShareRoot() string {
	return rootify(cfg.ShareDir, cfg.RootDir)
}

// DefaultLogLevel returns a default log level of "info"
func DefaultLogLevel() string {
	return "info"
}

// DefaultPackageLogLevels returns a default log level setting so all packages
// log at "info", while the lookup workers only report warnings
func DefaultPackageLogLevels() string {
	return fmt.Sprintf("main:info,lookup:warn,*:%s", DefaultLogLevel())
}

//-----------------------------------------------------------------------------
// RotateConfig

func DefaultRotateConfig() *log.RotateConfig {
	return &log.RotateConfig{
		Filename:   defaultLogFileName,
		Daily:      true,
		MaxDays:    7,
		Rotate:     true,
		RotatePerm: "0444",
		Perm:       "0664",
	}
}

func TestRotateConfig() *log.RotateConfig {
	cfg := DefaultRotateConfig()
	cfg.Daily = false
	cfg.Hourly = true
	return cfg
}

//-----------------------------------------------------------------------------
// RPCConfig

// RPCConfig defines the HTTP status server
type RPCConfig struct {
	// TCP address for the status server to listen on, empty to disable
	ListenAddress string `mapstructure:"laddr"`

	// Origins a cross-domain request can be executed from
	CORSAllowedOrigins []string `mapstructure:"cors_allowed_origins"`
	CORSAllowedMethods []string `mapstructure:"cors_allowed_methods"`
	CORSAllowedHeaders []string `mapstructure:"cors_allowed_headers"`
}

// DefaultRPCConfig returns a default configuration for the status server
func DefaultRPCConfig() *RPCConfig {
	return &RPCConfig{
		ListenAddress:      "tcp://127.0.0.1:7380",
		CORSAllowedOrigins: []string{},
		CORSAllowedMethods: []string{"HEAD", "GET"},
		CORSAllowedHeaders: []string{"Origin", "Accept", "Content-Type", "X-Requested-With"},
	}
}

// TestRPCConfig returns a configuration for testing the status server
func TestRPCConfig() *RPCConfig {
	cfg := DefaultRPCConfig()
	cfg.ListenAddress = "tcp://127.0.0.1:0"
	return cfg
}

// IsCorsEnabled returns true if cross-origin resource sharing is enabled.
func (cfg *RPCConfig) IsCorsEnabled() bool {
	return len(cfg.CORSAllowedOrigins) != 0
}

//-----------------------------------------------------------------------------
// P2PConfig

// P2PConfig defines the TCP transport of the DHT
type P2PConfig struct {
	// Address to listen for incoming connections
	ListenAddress string `mapstructure:"laddr"`

	// Address to advertise to peers in addition to the local ones
	ExternalAddress string `mapstructure:"external_address"`

	// Map the listen port on the gateway
	UPNP bool `mapstructure:"upnp"`

	// Client timeouts
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	SendTimeout       time.Duration `mapstructure:"send_timeout"`
	ReceiveTimeout    time.Duration `mapstructure:"receive_timeout"`
	DisconnectTimeout time.Duration `mapstructure:"disconnect_timeout"`

	// Server limits
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	AcceptRate     float64       `mapstructure:"accept_rate"`
	AcceptBurst    int           `mapstructure:"accept_burst"`
	MaxConnections int           `mapstructure:"max_connections"`
	DedupWindow    time.Duration `mapstructure:"dedup_window"`

	// Connection pool
	PoolIdleTimeout    time.Duration `mapstructure:"pool_idle_timeout"`
	PoolMaxIdle        int           `mapstructure:"pool_max_idle"`
	PoolExpiryInterval time.Duration `mapstructure:"pool_expiry_interval"`
}

// DefaultP2PConfig returns a default configuration for the transport
func DefaultP2PConfig() *P2PConfig {
	cc := transport.DefaultClientConfig()
	sc := transport.DefaultServerConfig()
	pc := connpool.DefaultConfig()
	return &P2PConfig{
		ListenAddress:      "tcp://0.0.0.0:7301",
		UPNP:               false,
		ConnectTimeout:     cc.ConnectTimeout,
		SendTimeout:        cc.SendTimeout,
		ReceiveTimeout:     cc.ReceiveTimeout,
		DisconnectTimeout:  cc.DisconnectTimeout,
		IdleTimeout:        sc.IdleTimeout,
		WriteTimeout:       sc.WriteTimeout,
		AcceptRate:         sc.AcceptRate,
		AcceptBurst:        sc.AcceptBurst,
		MaxConnections:     sc.MaxConnections,
		DedupWindow:        sc.DedupWindow,
		PoolIdleTimeout:    pc.TimeWaitSocketReturnedToPool,
		PoolMaxIdle:        pc.MaxIdlePerEndpoint,
		PoolExpiryInterval: pc.ExpiryInterval,
	}
}

// TestP2PConfig returns a configuration for testing the transport
func TestP2PConfig() *P2PConfig {
	cfg := DefaultP2PConfig()
	cfg.ListenAddress = "tcp://127.0.0.1:0"
	cfg.ConnectTimeout = time.Second
	cfg.ReceiveTimeout = 2 * time.Second
	return cfg
}

// ValidateBasic performs basic validation.
func (cfg *P2PConfig) ValidateBasic() error {
	if cfg.ConnectTimeout <= 0 || cfg.SendTimeout <= 0 || cfg.ReceiveTimeout <= 0 {
		return errors.New("connect, send and receive timeouts must be positive")
	}
	if cfg.DisconnectTimeout < 0 {
		return errors.New("disconnect_timeout can't be negative")
	}
	if cfg.MaxConnections < 0 || cfg.PoolMaxIdle < 0 {
		return errors.New("max_connections and pool_max_idle can't be negative")
	}
	return nil
}

func (cfg *P2PConfig) ClientConfig() transport.ClientConfig {
	return transport.ClientConfig{
		ConnectTimeout:    cfg.ConnectTimeout,
		SendTimeout:       cfg.SendTimeout,
		ReceiveTimeout:    cfg.ReceiveTimeout,
		DisconnectTimeout: cfg.DisconnectTimeout,
	}
}

func (cfg *P2PConfig) ServerConfig() transport.ServerConfig {
	sc := transport.DefaultServerConfig()
	sc.ListenAddr = cfg.ListenAddress
	sc.IdleTimeout = cfg.IdleTimeout
	sc.WriteTimeout = cfg.WriteTimeout
	sc.AcceptRate = cfg.AcceptRate
	sc.AcceptBurst = cfg.AcceptBurst
	sc.MaxConnections = cfg.MaxConnections
	sc.DedupWindow = cfg.DedupWindow
	return sc
}

func (cfg *P2PConfig) PoolConfig() connpool.Config {
	return connpool.Config{
		TimeWaitSocketReturnedToPool: cfg.PoolIdleTimeout,
		MaxIdlePerEndpoint:           cfg.PoolMaxIdle,
		ExpiryInterval:               cfg.PoolExpiryInterval,
	}
}

//-----------------------------------------------------------------------------
// DHTConfig

// DHTConfig holds the Kademlia parameters
type DHTConfig struct {
	K                    int           `mapstructure:"k"`
	Alpha                int           `mapstructure:"alpha"`
	MaxThreads           int           `mapstructure:"max_threads"`
	ResponseWait         time.Duration `mapstructure:"response_wait"`
	QueryTimeout         time.Duration `mapstructure:"query_timeout"`
	EvictionLimit        int           `mapstructure:"eviction_limit"`
	EvictionPingAttempts int           `mapstructure:"eviction_ping_attempts"`
	PingTimeout          time.Duration `mapstructure:"ping_timeout"`
	ErrorWindow          time.Duration `mapstructure:"error_window"`
	RefreshInterval      time.Duration `mapstructure:"refresh_interval"`
	ValueTTL             time.Duration `mapstructure:"value_ttl"`
	MaxValueTTL          time.Duration `mapstructure:"max_value_ttl"`
	CachedValueTTL       time.Duration `mapstructure:"cached_value_ttl"`
	ExpireInterval       time.Duration `mapstructure:"expire_interval"`
	ContactExpiry        time.Duration `mapstructure:"contact_expiry"`
	ProtocolVersion      uint16        `mapstructure:"protocol_version"`
}

// DefaultDHTConfig returns the default Kademlia parameters
func DefaultDHTConfig() *DHTConfig {
	kc := kad.DefaultConfig()
	return &DHTConfig{
		K:                    kc.K,
		Alpha:                kc.Alpha,
		MaxThreads:           kc.MaxThreads,
		ResponseWait:         kc.ResponseWait,
		QueryTimeout:         kc.QueryTimeout,
		EvictionLimit:        kc.EvictionLimit,
		EvictionPingAttempts: kc.EvictionPingAttempts,
		PingTimeout:          kc.PingTimeout,
		ErrorWindow:          kc.ErrorWindow,
		RefreshInterval:      kc.RefreshInterval,
		ValueTTL:             kc.ValueTTL,
		MaxValueTTL:          kc.MaxValueTTL,
		CachedValueTTL:       kc.CachedValueTTL,
		ExpireInterval:       kc.ExpireInterval,
		ContactExpiry:        kc.ContactExpiry,
		ProtocolVersion:      kc.ProtocolVersion,
	}
}

// TestDHTConfig returns small parameters for tests
func TestDHTConfig() *DHTConfig {
	cfg := DefaultDHTConfig()
	cfg.K = 4
	cfg.Alpha = 2
	cfg.MaxThreads = 4
	cfg.ResponseWait = 50 * time.Millisecond
	cfg.QueryTimeout = 2 * time.Second
	return cfg
}

// KadConfig converts the section into the kad parameters.
func (cfg *DHTConfig) KadConfig() kad.Config {
	return kad.Config{
		K:                    cfg.K,
		Alpha:                cfg.Alpha,
		MaxThreads:           cfg.MaxThreads,
		ResponseWait:         cfg.ResponseWait,
		QueryTimeout:         cfg.QueryTimeout,
		EvictionLimit:        cfg.EvictionLimit,
		EvictionPingAttempts: cfg.EvictionPingAttempts,
		PingTimeout:          cfg.PingTimeout,
		ErrorWindow:          cfg.ErrorWindow,
		RefreshInterval:      cfg.RefreshInterval,
		ValueTTL:             cfg.ValueTTL,
		MaxValueTTL:          cfg.MaxValueTTL,
		CachedValueTTL:       cfg.CachedValueTTL,
		ExpireInterval:       cfg.ExpireInterval,
		ContactExpiry:        cfg.ContactExpiry,
		ProtocolVersion:      cfg.ProtocolVersion,
	}
}

//-----------------------------------------------------------------------------
// DiscoveryConfig

// DiscoveryConfig configures the UDP multicast announcements
type DiscoveryConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	ListenAddress string        `mapstructure:"laddr"`
	Group         string        `mapstructure:"group"`
	Interface     string        `mapstructure:"interface"`
	Interval      time.Duration `mapstructure:"interval"`
	TTL           int           `mapstructure:"ttl"`
	Loopback      bool          `mapstructure:"loopback"`
	DedupWindow   time.Duration `mapstructure:"dedup_window"`
}

// DefaultDiscoveryConfig returns the default multicast settings
func DefaultDiscoveryConfig() *DiscoveryConfig {
	dc := discover.DefaultConfig()
	return &DiscoveryConfig{
		Enabled:       true,
		ListenAddress: dc.ListenAddr,
		Group:         dc.Group,
		Interval:      dc.Interval,
		TTL:           dc.TTL,
		Loopback:      dc.Loopback,
		DedupWindow:   dc.DedupWindow,
	}
}

// TestDiscoveryConfig disables multicast
func TestDiscoveryConfig() *DiscoveryConfig {
	cfg := DefaultDiscoveryConfig()
	cfg.Enabled = false
	return cfg
}

// ValidateBasic performs basic validation.
func (cfg *DiscoveryConfig) ValidateBasic() error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.Group == "" || cfg.ListenAddress == "" {
		return errors.New("laddr and group are required")
	}
	if cfg.Interval < 0 || cfg.TTL < 0 {
		return errors.New("interval and ttl can't be negative")
	}
	return nil
}

// DiscoverConfig converts the section into the discover parameters.
func (cfg *DiscoveryConfig) DiscoverConfig() discover.Config {
	dc := discover.DefaultConfig()
	dc.ListenAddr = cfg.ListenAddress
	dc.Group = cfg.Group
	dc.Interface = cfg.Interface
	dc.Interval = cfg.Interval
	dc.TTL = cfg.TTL
	dc.Loopback = cfg.Loopback
	dc.DedupWindow = cfg.DedupWindow
	return dc
}

//-----------------------------------------------------------------------------
// InstrumentationConfig

// InstrumentationConfig defines the configuration for metrics reporting.
type InstrumentationConfig struct {
	// When true, Prometheus metrics are served under /metrics on the
	// status server.
	Prometheus bool `mapstructure:"prometheus"`

	// Instrumentation namespace
	Namespace string `mapstructure:"namespace"`
}

// DefaultInstrumentationConfig returns a default configuration for metrics
// reporting.
func DefaultInstrumentationConfig() *InstrumentationConfig {
	return &InstrumentationConfig{
		Prometheus: false,
		Namespace:  "linkdht",
	}
}

//-----------------------------------------------------------------------------
// BootNodeConfig

// BootNodeConfig lists where seed endpoints come from
type BootNodeConfig struct {
	// HTTP servers answering with a JSON seed list
	Addrs []string `mapstructure:"addrs"`
	// Local file with one endpoint per line
	SeedFile string `mapstructure:"seed_file"`
	// Endpoints given directly
	Seeds []string `mapstructure:"seeds"`
	// Timeout of one seed server request
	Timeout time.Duration `mapstructure:"timeout"`
}

func DefaultBootNodeConfig() *BootNodeConfig {
	return &BootNodeConfig{
		Addrs:   []string{},
		Seeds:   []string{},
		Timeout: 5 * time.Second,
	}
}

// ValidateBasic performs basic validation.
func (cfg *BootNodeConfig) ValidateBasic() error {
	if cfg.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	return nil
}

//-----------------------------------------------------------------------------
// Utils

// helper function to make config creation independent of root dir
func rootify(path, root string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

//-----------------------------------------------------------------------------
// Moniker

var defaultMoniker = getDefaultMoniker()

// getDefaultMoniker returns a default moniker, which is the host name. If runtime
// fails to get the host name, "anonymous" will be returned.
func getDefaultMoniker() string {
	moniker, err := os.Hostname()
	if err != nil {
		moniker = "anonymous"
	}
	return moniker
}
