// Package routing implements the Kademlia routing table: a list of
// k-buckets that partition the identifier space. Only the bucket holding the
// local identifier splits when full; other full buckets run an eviction
// contest against their least-recently-seen contact.
package routing

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/lianxiangcloud/linkdht/libs/dht/contact"
	"github.com/lianxiangcloud/linkdht/libs/dht/kadid"
	"github.com/lianxiangcloud/linkdht/libs/log"
)

var ErrNoNonEmptyBuckets = errors.New("routing table has no non-empty buckets")

const (
	DefaultK                    = 20
	DefaultEvictionLimit        = 5
	DefaultEvictionPingAttempts = 2
	DefaultPingTimeout          = 2 * time.Second

	// maxInsertRounds bounds how often AddContact retries after an
	// eviction contest lost its bucket to concurrent inserts.
	maxInsertRounds = 3
)

// Config holds the table parameters.
type Config struct {
	// K is the bucket capacity.
	K int
	// EvictionLimit is the error count past which an incumbent is replaced
	// without being pinged.
	EvictionLimit int
	// EvictionPingAttempts is how many pings the least-recently-seen
	// contact gets before it is evicted.
	EvictionPingAttempts int
	// PingTimeout bounds each eviction ping.
	PingTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		K:                    DefaultK,
		EvictionLimit:        DefaultEvictionLimit,
		EvictionPingAttempts: DefaultEvictionPingAttempts,
		PingTimeout:          DefaultPingTimeout,
	}
}

// Pinger checks whether a contact is alive.
type Pinger interface {
	Ping(ctx context.Context, c *contact.Contact) error
}

// ErrorCounter reports recent RPC failures of a peer.
type ErrorCounter interface {
	Errors(machineID string) int
}

// Table is the routing table. It is safe for concurrent use; every
// contact it returns is a copy.
type Table struct {
	mtx     sync.RWMutex
	self    *contact.Contact
	cfg     Config
	buckets []*bucket

	pinger Pinger
	errs   ErrorCounter
	log    log.Logger
}

// NewTable returns a table with a single bucket covering the whole space.
// errs may be nil.
func NewTable(self *contact.Contact, cfg Config, pinger Pinger, errs ErrorCounter, logger log.Logger) *Table {
	if cfg.K <= 0 {
		cfg.K = DefaultK
	}
	if cfg.EvictionPingAttempts <= 0 {
		cfg.EvictionPingAttempts = 1
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Table{
		self:    self.Clone(),
		cfg:     cfg,
		buckets: []*bucket{newBucket(kadid.Zero, 0)},
		pinger:  pinger,
		errs:    errs,
		log:     logger,
	}
}

// Self returns the local contact.
func (t *Table) Self() *contact.Contact {
	return t.self.Clone()
}

// K returns the bucket capacity.
func (t *Table) K() int {
	return t.cfg.K
}

// AddContact records that c was seen. A known peer is updated in place and
// moved to the most-recently-seen position, relocating it when its
// identifier changed. A new peer is appended when its bucket has room, the
// bucket is split when it holds the local identifier, and otherwise the
// least-recently-seen incumbent must fail to answer a ping (or be past the
// error limit) for c to take its place. It reports whether c is in the
// table afterwards.
func (t *Table) AddContact(ctx context.Context, c *contact.Contact) bool {
	if c == nil || c.MachineID == "" || c.MachineID == t.self.MachineID {
		return false
	}
	c = c.Clone()
	c.Touch()

	for round := 0; round < maxInsertRounds; round++ {
		t.mtx.Lock()
		if t.updateKnownLocked(c) {
			t.mtx.Unlock()
			return true
		}

		b := t.bucketLocked(c.ID)
		if len(b.contacts) < t.cfg.K {
			b.add(c)
			t.mtx.Unlock()
			t.log.Trace("Added contact", "contact", c)
			return true
		}
		if b.contains(t.self.ID) && b.depth < kadid.Bits {
			t.splitLocked(b)
			t.mtx.Unlock()
			round--
			continue
		}

		lrs := b.contacts[0]
		if t.errs != nil && t.errs.Errors(lrs.MachineID) > t.cfg.EvictionLimit {
			b.remove(0)
			b.add(c)
			t.mtx.Unlock()
			t.log.Debug("Replaced failing contact", "evicted", lrs, "added", c)
			return true
		}
		lrs = lrs.Clone()
		t.mtx.Unlock()

		alive := t.pingIncumbent(ctx, lrs)

		t.mtx.Lock()
		b = t.bucketLocked(lrs.ID)
		i := b.indexOf(lrs.MachineID)
		if alive {
			if i >= 0 {
				b.contacts[i].Touch()
				b.bump(i)
			}
			t.mtx.Unlock()
			t.log.Trace("Kept live incumbent", "incumbent", lrs, "discarded", c)
			return false
		}
		if i >= 0 {
			b.remove(i)
			t.log.Debug("Evicted unresponsive contact", "evicted", lrs)
		}
		t.mtx.Unlock()
	}
	return false
}

// updateKnownLocked merges c into the entry with the same machine id. An
// entry whose identifier changed is moved out of its old bucket and false is
// returned so the caller inserts the merged contact afresh.
func (t *Table) updateKnownLocked(c *contact.Contact) bool {
	b, i := t.locateLocked(c.MachineID)
	if b == nil {
		return false
	}
	known := b.contacts[i]
	if known.ID == c.ID {
		known.UpdateAccordingToNewState(c)
		known.Touch()
		b.bump(i)
		return true
	}
	b.remove(i)
	known.UpdateAccordingToNewState(c)
	*c = *known
	return false
}

func (t *Table) pingIncumbent(ctx context.Context, c *contact.Contact) bool {
	if t.pinger == nil {
		return true
	}
	for attempt := 0; attempt < t.cfg.EvictionPingAttempts; attempt++ {
		pctx := ctx
		var cancel context.CancelFunc
		if t.cfg.PingTimeout > 0 {
			pctx, cancel = context.WithTimeout(ctx, t.cfg.PingTimeout)
		}
		err := t.pinger.Ping(pctx, c)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			// the caller gave up, treat the incumbent as alive
			return true
		}
	}
	return false
}

func (t *Table) splitLocked(b *bucket) {
	for i, cur := range t.buckets {
		if cur != b {
			continue
		}
		left, right := b.split()
		buckets := make([]*bucket, 0, len(t.buckets)+1)
		buckets = append(buckets, t.buckets[:i]...)
		buckets = append(buckets, left, right)
		buckets = append(buckets, t.buckets[i+1:]...)
		t.buckets = buckets
		t.log.Trace("Split bucket", "depth", b.depth, "left", len(left.contacts), "right", len(right.contacts))
		return
	}
}

func (t *Table) bucketLocked(id kadid.ID) *bucket {
	for _, b := range t.buckets {
		if b.contains(id) {
			return b
		}
	}
	panic("routing: buckets do not cover " + id.String())
}

func (t *Table) locateLocked(machineID string) (*bucket, int) {
	for _, b := range t.buckets {
		if i := b.indexOf(machineID); i >= 0 {
			return b, i
		}
	}
	return nil, -1
}

// Remove drops the peer with the given machine id.
func (t *Table) Remove(machineID string) bool {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	b, i := t.locateLocked(machineID)
	if b == nil {
		return false
	}
	b.remove(i)
	return true
}

// Contact returns a copy of the entry for machineID, or nil.
func (t *Table) Contact(machineID string) *contact.Contact {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	b, i := t.locateLocked(machineID)
	if b == nil {
		return nil
	}
	return b.contacts[i].Clone()
}

// Len returns the number of contacts.
func (t *Table) Len() int {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	n := 0
	for _, b := range t.buckets {
		n += len(b.contacts)
	}
	return n
}

// Contacts returns copies of every contact, bucket by bucket.
func (t *Table) Contacts() []*contact.Contact {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	var all []*contact.Contact
	for _, b := range t.buckets {
		for _, c := range b.contacts {
			all = append(all, c.Clone())
		}
	}
	return all
}

// Buckets returns snapshots of all buckets ordered by range.
func (t *Table) Buckets() []BucketInfo {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	infos := make([]BucketInfo, len(t.buckets))
	for i, b := range t.buckets {
		infos[i] = b.info()
	}
	return infos
}

// StaleBuckets returns the buckets unchanged for at least age.
func (t *Table) StaleBuckets(age time.Duration) []BucketInfo {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	var stale []BucketInfo
	now := time.Now()
	for _, b := range t.buckets {
		if now.Sub(b.lastChanged) >= age {
			stale = append(stale, b.info())
		}
	}
	return stale
}

// FindClosestNonEmptyBucket returns the non-empty bucket whose key is
// closest to key.
func (t *Table) FindClosestNonEmptyBucket(key kadid.ID) (BucketInfo, error) {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	var best *bucket
	for _, b := range t.buckets {
		if len(b.contacts) == 0 {
			continue
		}
		if best == nil || kadid.DistCmp(key, b.low, best.low) < 0 {
			best = b
		}
	}
	if best == nil {
		return BucketInfo{}, ErrNoNonEmptyBuckets
	}
	return best.info(), nil
}

// GetCloseContacts returns up to K contacts sorted by distance to key,
// leaving out the contact whose identifier is exclude.
func (t *Table) GetCloseContacts(key kadid.ID, exclude kadid.ID) []*contact.Contact {
	return t.Closest(key, t.cfg.K, exclude)
}

// Closest returns up to n contacts sorted by distance to key, leaving out
// the contact whose identifier is exclude.
func (t *Table) Closest(key kadid.ID, n int, exclude kadid.ID) []*contact.Contact {
	t.mtx.RLock()
	var all []*contact.Contact
	for _, b := range t.buckets {
		for _, c := range b.contacts {
			if c.ID != exclude {
				all = append(all, c)
			}
		}
	}
	contact.SortByDistance(all, key)
	if len(all) > n {
		all = all[:n]
	}
	out := make([]*contact.Contact, len(all))
	for i, c := range all {
		out[i] = c.Clone()
	}
	t.mtx.RUnlock()
	return out
}
