package kad

import (
	"time"

	"github.com/pkg/errors"
)

// Config holds the Kademlia parameters of a Dht.
type Config struct {
	// K is the bucket capacity and the size of a lookup result.
	K int
	// Alpha bounds the RPCs a lookup has in flight.
	Alpha int
	// MaxThreads is the size of the worker pool shared by all lookups.
	MaxThreads int
	// ResponseWait is the longest pause between two dispatch waves.
	ResponseWait time.Duration
	// QueryTimeout is the time budget of one lookup.
	QueryTimeout time.Duration

	// EvictionLimit is the number of recent errors after which a contact
	// loses the next eviction contest without a ping.
	EvictionLimit        int
	EvictionPingAttempts int
	PingTimeout          time.Duration
	// ErrorWindow is how long an RPC failure counts against a contact.
	ErrorWindow time.Duration

	RefreshInterval time.Duration

	ValueTTL       time.Duration
	MaxValueTTL    time.Duration
	CachedValueTTL time.Duration
	ExpireInterval time.Duration

	// ContactExpiry drops persisted contacts not seen for this long.
	ContactExpiry time.Duration

	ProtocolVersion uint16
}

func DefaultConfig() Config {
	return Config{
		K:                    20,
		Alpha:                3,
		MaxThreads:           16,
		ResponseWait:         200 * time.Millisecond,
		QueryTimeout:         10 * time.Second,
		EvictionLimit:        5,
		EvictionPingAttempts: 2,
		PingTimeout:          2 * time.Second,
		ErrorWindow:          10 * time.Minute,
		RefreshInterval:      time.Hour,
		ValueTTL:             time.Hour,
		MaxValueTTL:          24 * time.Hour,
		CachedValueTTL:       10 * time.Minute,
		ExpireInterval:       time.Minute,
		ContactExpiry:        24 * time.Hour,
		ProtocolVersion:      1,
	}
}

// ValidateBasic performs basic validation.
func (cfg Config) ValidateBasic() error {
	if cfg.K <= 0 {
		return errors.New("k must be positive")
	}
	if cfg.Alpha <= 0 {
		return errors.New("alpha must be positive")
	}
	if cfg.MaxThreads < cfg.Alpha {
		return errors.New("max_threads can't be less than alpha")
	}
	if cfg.ResponseWait <= 0 || cfg.QueryTimeout <= 0 {
		return errors.New("response_wait and query_timeout must be positive")
	}
	if cfg.RefreshInterval <= 0 || cfg.ExpireInterval <= 0 {
		return errors.New("refresh_interval and expire_interval must be positive")
	}
	if cfg.MaxValueTTL < cfg.ValueTTL {
		return errors.New("max_value_ttl can't be less than value_ttl")
	}
	return nil
}
