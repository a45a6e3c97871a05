package config

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"text/template"

	cmn "github.com/lianxiangcloud/linkdht/libs/common"
)

var configTemplate *template.Template

func init() {
	var err error
	tmpl := template.New("configFileTemplate").Funcs(template.FuncMap{
		"strs": tomlStrings,
	})
	if configTemplate, err = tmpl.Parse(defaultConfigTemplate); err != nil {
		panic(err)
	}
}

// tomlStrings renders a string slice as a TOML array.
func tomlStrings(list []string) string {
	quoted := make([]string, len(list))
	for i, s := range list {
		quoted[i] = fmt.Sprintf("%q", s)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

/****** these are for production settings ***********/

// EnsureRoot creates the root, config, data and share directories if they
// don't exist, and panics if it fails.
func EnsureRoot(rootDir string, config *Config) {
	for _, dir := range []string{rootDir, filepath.Join(rootDir, defaultConfigDir), filepath.Join(rootDir, defaultDataDir), filepath.Join(rootDir, defaultShareDir)} {
		if err := cmn.EnsureDir(dir, 0700); err != nil {
			cmn.PanicSanity(err.Error())
		}
	}

	configFilePath := filepath.Join(rootDir, defaultConfigFilePath)

	// Write default config file if missing.
	if !cmn.FileExists(configFilePath) {
		if config == nil {
			config = DefaultConfig()
		}
		WriteConfigFile(configFilePath, config)
	}
}

// WriteConfigFile renders config using the template and writes it to configFilePath.
func WriteConfigFile(configFilePath string, config *Config) {
	var buffer bytes.Buffer

	if err := configTemplate.Execute(&buffer, config); err != nil {
		panic(err)
	}

	cmn.MustWriteFile(configFilePath, buffer.Bytes(), 0644)
}

// Note: any changes to the comments/variables/mapstructure
// must be reflected in the appropriate struct in config/config.go
const defaultConfigTemplate = `# This is a TOML config file.
# For more information, see https://github.com/toml-lang/toml

##### main base config options #####

# A custom human readable name for this node
moniker = "{{ .BaseConfig.Moniker }}"

# File holding the machine id, created by "linkdht init"
machine_id_file = "{{ js .BaseConfig.MachineIDFile }}"

# Database backend: goleveldb | memdb | badger | bolt
db_backend = "{{ .BaseConfig.DBBackend }}"

# Database directory
db_path = "{{ js .BaseConfig.DBPath }}"

# Database split counts
db_counts = {{ .BaseConfig.DBCounts }}

# Output level for logging, including package level options
log_level = "{{ .BaseConfig.LogLevel }}"

# Log directory
log_dir = "{{ js .BaseConfig.LogPath }}"

# TCP or UNIX socket address for the profiling server to listen on
pprof = "{{ .BaseConfig.ProfListenAddress }}"

# Every subdirectory of share_dir listed in buckets is served to peers
share_dir = "{{ js .BaseConfig.ShareDir }}"
buckets = {{ strs .BaseConfig.Buckets }}

##### log rotate configuration options #####
[log]

# Log file name
filename = "{{ .Log.Filename }}"

# Rotate when the file grows beyond maxsize bytes, 0 for no limit
maxsize = {{ .Log.MaxSize }}

# Log files kept for maxdays
maxdays = {{ .Log.MaxDays }}

# Support log rotate
rotate = {{ .Log.Rotate }}

# Rotate log hourly
hourly = {{ .Log.Hourly }}

# Rotate log daily
daily = {{ .Log.Daily }}

# Rotate file perm
rotateperm = "{{ .Log.RotatePerm }}"

# Log file perm
perm = "{{ .Log.Perm }}"

##### status server configuration options #####
[rpc]

# TCP address for the status server to listen on, empty to disable
laddr = "{{ .RPC.ListenAddress }}"

# Origins a cross-domain request can be executed from, "*" for any
cors_allowed_origins = {{ strs .RPC.CORSAllowedOrigins }}
cors_allowed_methods = {{ strs .RPC.CORSAllowedMethods }}
cors_allowed_headers = {{ strs .RPC.CORSAllowedHeaders }}

##### peer to peer configuration options #####
[p2p]

# Address to listen for incoming connections
laddr = "{{ .P2P.ListenAddress }}"

# Address to advertise to peers in addition to the local interfaces
external_address = "{{ .P2P.ExternalAddress }}"

# Map the listen port on the internet gateway
upnp = {{ .P2P.UPNP }}

connect_timeout = "{{ .P2P.ConnectTimeout }}"
send_timeout = "{{ .P2P.SendTimeout }}"
receive_timeout = "{{ .P2P.ReceiveTimeout }}"
disconnect_timeout = "{{ .P2P.DisconnectTimeout }}"

# Incoming connections
idle_timeout = "{{ .P2P.IdleTimeout }}"
write_timeout = "{{ .P2P.WriteTimeout }}"
accept_rate = {{ .P2P.AcceptRate }}
accept_burst = {{ .P2P.AcceptBurst }}
max_connections = {{ .P2P.MaxConnections }}
dedup_window = "{{ .P2P.DedupWindow }}"

# Outgoing connection pool
pool_idle_timeout = "{{ .P2P.PoolIdleTimeout }}"
pool_max_idle = {{ .P2P.PoolMaxIdle }}
pool_expiry_interval = "{{ .P2P.PoolExpiryInterval }}"

##### kademlia configuration options #####
[dht]

k = {{ .DHT.K }}
alpha = {{ .DHT.Alpha }}
max_threads = {{ .DHT.MaxThreads }}
response_wait = "{{ .DHT.ResponseWait }}"
query_timeout = "{{ .DHT.QueryTimeout }}"

eviction_limit = {{ .DHT.EvictionLimit }}
eviction_ping_attempts = {{ .DHT.EvictionPingAttempts }}
ping_timeout = "{{ .DHT.PingTimeout }}"
error_window = "{{ .DHT.ErrorWindow }}"
refresh_interval = "{{ .DHT.RefreshInterval }}"

value_ttl = "{{ .DHT.ValueTTL }}"
max_value_ttl = "{{ .DHT.MaxValueTTL }}"
cached_value_ttl = "{{ .DHT.CachedValueTTL }}"
expire_interval = "{{ .DHT.ExpireInterval }}"

# Persisted contacts not seen for this long are dropped
contact_expiry = "{{ .DHT.ContactExpiry }}"

protocol_version = {{ .DHT.ProtocolVersion }}

##### local network discovery #####
[discovery]

enabled = {{ .Discovery.Enabled }}
laddr = "{{ .Discovery.ListenAddress }}"
group = "{{ .Discovery.Group }}"
interface = "{{ .Discovery.Interface }}"
interval = "{{ .Discovery.Interval }}"
ttl = {{ .Discovery.TTL }}
loopback = {{ .Discovery.Loopback }}
dedup_window = "{{ .Discovery.DedupWindow }}"

##### instrumentation configuration options #####
[instrumentation]

# Serve Prometheus metrics under /metrics on the status server
prometheus = {{ .Instrumentation.Prometheus }}
namespace = "{{ .Instrumentation.Namespace }}"

##### seed sources #####
[bootnode]

# HTTP servers answering with a JSON seed list
addrs = {{ strs .BootNode.Addrs }}

# File with one host:port per line
seed_file = "{{ js .BootNode.SeedFile }}"

seeds = {{ strs .BootNode.Seeds }}
timeout = "{{ .BootNode.Timeout }}"
`
