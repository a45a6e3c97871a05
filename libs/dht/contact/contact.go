// Package contact holds the record the DHT keeps about a remote peer.
package contact

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/pborman/uuid"
	"github.com/pkg/errors"

	"github.com/lianxiangcloud/linkdht/libs/dht/kadid"
)

const maxMachineIDLen = 255

// Contact is a remote peer. MachineID is stable across restarts of the peer
// while ID may change; two contacts describe the same peer iff their
// MachineIDs match.
//
// A Contact is not safe for concurrent mutation. The routing table hands out
// clones.
type Contact struct {
	MachineID string    `json:"machine_id"`
	ID        kadid.ID  `json:"id"`
	TCPPort   uint16    `json:"tcp_port"`
	Addresses []net.IP  `json:"addresses"`
	Buckets   []string  `json:"buckets"`
	LastSeen  time.Time `json:"last_seen"`
}

// NewMachineID generates a fresh machine identity.
func NewMachineID() string {
	return uuid.New()
}

// New returns a contact seen now.
func New(machineID string, id kadid.ID, port uint16, addrs ...net.IP) *Contact {
	c := &Contact{
		MachineID: machineID,
		ID:        id,
		TCPPort:   port,
	}
	for _, ip := range addrs {
		c.TryAddIPAddress(ip)
	}
	c.Touch()
	return c
}

// Same reports whether c and o describe the same peer.
func (c *Contact) Same(o *Contact) bool {
	if c == nil || o == nil {
		return false
	}
	return c.MachineID == o.MachineID
}

// Touch marks the contact as seen now. The timestamp keeps millisecond
// precision, the resolution it has on the wire.
func (c *Contact) Touch() {
	c.LastSeen = time.Now().UTC().Truncate(time.Millisecond)
}

// UpdateAccordingToNewState folds a fresher observation of the same peer
// into c: the identifier and port are replaced, addresses and buckets are
// merged and LastSeen moves forward. It reports whether anything changed.
func (c *Contact) UpdateAccordingToNewState(o *Contact) bool {
	if !c.Same(o) {
		return false
	}
	changed := false
	if c.ID != o.ID {
		c.ID = o.ID
		changed = true
	}
	if o.TCPPort != 0 && c.TCPPort != o.TCPPort {
		c.TCPPort = o.TCPPort
		changed = true
	}
	for _, ip := range o.Addresses {
		if c.TryAddIPAddress(ip) {
			changed = true
		}
	}
	for _, name := range o.Buckets {
		if c.TryAddBucketLocalName(name) {
			changed = true
		}
	}
	if o.LastSeen.After(c.LastSeen) {
		c.LastSeen = o.LastSeen
	}
	return changed
}

// TryAddIPAddress inserts ip unless it is already known.
func (c *Contact) TryAddIPAddress(ip net.IP) bool {
	if ip == nil || ip.IsUnspecified() {
		return false
	}
	for _, known := range c.Addresses {
		if known.Equal(ip) {
			return false
		}
	}
	cp := make(net.IP, len(ip))
	copy(cp, ip)
	c.Addresses = append(c.Addresses, cp)
	return true
}

// TryAddBucketLocalName records a supported bucket unless it is already known.
func (c *Contact) TryAddBucketLocalName(name string) bool {
	if name == "" || c.HasBucket(name) {
		return false
	}
	c.Buckets = append(c.Buckets, name)
	return true
}

// HasBucket reports whether the peer supports the named bucket.
func (c *Contact) HasBucket(name string) bool {
	for _, b := range c.Buckets {
		if b == name {
			return true
		}
	}
	return false
}

// ClearAllLocalBuckets forgets every supported bucket.
func (c *Contact) ClearAllLocalBuckets() {
	c.Buckets = nil
}

// Clone returns a deep copy sharing no slices with c.
func (c *Contact) Clone() *Contact {
	if c == nil {
		return nil
	}
	cp := *c
	if c.Addresses != nil {
		cp.Addresses = make([]net.IP, len(c.Addresses))
		for i, ip := range c.Addresses {
			cp.Addresses[i] = append(net.IP(nil), ip...)
		}
	}
	cp.Buckets = append([]string(nil), c.Buckets...)
	return &cp
}

// Endpoints returns host:port for every known address.
func (c *Contact) Endpoints() []string {
	eps := make([]string, 0, len(c.Addresses))
	for _, ip := range c.Addresses {
		eps = append(eps, net.JoinHostPort(ip.String(), strconv.Itoa(int(c.TCPPort))))
	}
	return eps
}

// Validate checks the fields every contact must carry.
func (c *Contact) Validate() error {
	if c == nil {
		return errors.New("nil contact")
	}
	if c.MachineID == "" {
		return errors.New("empty machine id")
	}
	if len(c.MachineID) > maxMachineIDLen {
		return errors.Errorf("machine id longer than %d bytes", maxMachineIDLen)
	}
	for i := 0; i < len(c.MachineID); i++ {
		if c.MachineID[i] > 0x7f {
			return errors.New("machine id is not ASCII")
		}
	}
	if c.TCPPort == 0 {
		return errors.New("zero tcp port")
	}
	return nil
}

func (c *Contact) String() string {
	if c == nil {
		return "<nil>"
	}
	return fmt.Sprintf("Contact{%s %s port=%d addrs=%v}", c.MachineID, c.ID.TerminalString(), c.TCPPort, c.Addresses)
}

// SortByDistance sorts contacts ascending by XOR distance to target.
func SortByDistance(contacts []*Contact, target kadid.ID) {
	sort.SliceStable(contacts, func(i, j int) bool {
		return kadid.DistCmp(target, contacts[i].ID, contacts[j].ID) < 0
	})
}
