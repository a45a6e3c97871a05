// Package kad implements the Kademlia node: the server side of the
// protocol, the iterative parallel lookup and the Dht facade that ties them
// to the routing table, the value store and the transport.
package kad

import (
	"context"
	"crypto/sha1"
	"math"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	cmn "github.com/lianxiangcloud/linkdht/libs/common"
	"github.com/lianxiangcloud/linkdht/libs/dht/contact"
	"github.com/lianxiangcloud/linkdht/libs/dht/kadid"
	"github.com/lianxiangcloud/linkdht/libs/dht/routing"
	"github.com/lianxiangcloud/linkdht/libs/dht/transport"
	"github.com/lianxiangcloud/linkdht/libs/dht/wire"
	"github.com/lianxiangcloud/linkdht/libs/log"
)

// MaxValueSize bounds a stored value so that a STORE fits a frame.
const MaxValueSize = wire.MaxMessageSize / 2

// Transport is the client side of the protocol. *transport.Client
// implements it.
type Transport interface {
	Call(ctx context.Context, to *contact.Contact, req wire.Message) (wire.Message, error)
	Send(ctx context.Context, to *contact.Contact, m wire.Message) error
	SendTo(ctx context.Context, endpoint string, m wire.Message) error
	CallEndpoint(ctx context.Context, endpoint string, req wire.Message) (wire.Message, error)
}

var _ Transport = (*transport.Client)(nil)

type Option func(*Dht)

func WithMetrics(m *Metrics) Option {
	return func(d *Dht) { d.metrics = m }
}

// WithContactDB persists contacts across restarts.
func WithContactDB(cdb *ContactDB) Option {
	return func(d *Dht) { d.contacts = cdb }
}

func WithChunkSource(cs ChunkSource) Option {
	return func(d *Dht) { d.node.SetChunkSource(cs) }
}

// Dht is the facade used by applications: bootstrap, lookups, STORE and
// the file request helpers. It owns the value store and the per-contact
// error counter.
type Dht struct {
	cmn.BaseService

	cfg       Config
	node      *Node
	table     *routing.Table
	store     *memStore
	errs      *errorCounter
	router    Router
	workers   *workerPool
	transport Transport
	contacts  *ContactDB
	metrics   *Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// tablePinger answers eviction contests without feeding the answer back
// into the table.
type tablePinger struct{ d *Dht }

func (p tablePinger) Ping(ctx context.Context, c *contact.Contact) error {
	_, err := p.d.ping(ctx, c)
	return err
}

// NewDht builds a Dht for the local contact self.
func NewDht(cfg Config, self *contact.Contact, tr Transport, logger log.Logger, options ...Option) (*Dht, error) {
	if err := cfg.ValidateBasic(); err != nil {
		return nil, errors.Wrap(err, "invalid dht config")
	}
	if err := self.Validate(); err != nil {
		return nil, errors.Wrap(ErrInvalidArgument, err.Error())
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	d := &Dht{
		cfg:       cfg,
		transport: tr,
		store:     newMemStore(cfg),
		errs:      newErrorCounter(cfg.ErrorWindow),
		metrics:   NopMetrics(),
	}
	d.table = routing.NewTable(self, routing.Config{
		K:                    cfg.K,
		EvictionLimit:        cfg.EvictionLimit,
		EvictionPingAttempts: cfg.EvictionPingAttempts,
		PingTimeout:          cfg.PingTimeout,
	}, tablePinger{d}, d.errs, logger.With("module", "routing"))
	d.node = NewNode(self, d.table, d.store, logger.With("module", "dht-node"))
	d.workers = newWorkerPool(cfg.MaxThreads, logger.With("module", "lookup"))

	pl := newParallelLookup(cfg, d.table, d.workers, logger.With("module", "lookup"))
	pl.OnResponse = d.onResponse
	pl.OnFailure = d.onFailure
	d.router = pl

	for _, option := range options {
		option(d)
	}
	d.node.SetMetrics(d.metrics)
	d.BaseService = *cmn.NewBaseService(logger, "DHT", d)
	return d, nil
}

func (d *Dht) Node() *Node {
	return d.node
}

func (d *Dht) Table() *routing.Table {
	return d.table
}

// Self returns the local contact.
func (d *Dht) Self() *contact.Contact {
	return d.node.Self()
}

// OnStart implements cmn.Service.
func (d *Dht) OnStart() error {
	d.ctx, d.cancel = context.WithCancel(context.Background())
	if err := d.workers.Start(); err != nil {
		return err
	}
	if err := d.node.Start(); err != nil {
		d.workers.Stop()
		return err
	}
	d.loadContacts()

	d.wg.Add(2)
	go d.refreshLoop()
	go d.expireLoop()
	return nil
}

// OnStop implements cmn.Service.
func (d *Dht) OnStop() {
	d.cancel()
	d.wg.Wait()
	d.node.Stop()
	d.workers.Stop()
	d.saveContacts()
	if d.contacts != nil {
		d.contacts.Close()
	}
}

func (d *Dht) loadContacts() {
	if d.contacts == nil {
		return
	}
	seeds := d.contacts.QuerySeeds(d.cfg.K * 8)
	for _, c := range seeds {
		d.table.AddContact(d.ctx, c)
	}
	if len(seeds) > 0 {
		d.Logger.Info("Loaded stored contacts", "count", len(seeds), "table", d.table.Len())
	}
}

func (d *Dht) saveContacts() {
	if d.contacts == nil {
		return
	}
	if err := d.contacts.StoreSelf(d.Self()); err != nil {
		d.Logger.Error("Storing self contact failed", "err", err)
	}
	if err := d.contacts.UpdateContacts(d.table.Contacts()); err != nil {
		d.Logger.Error("Storing contacts failed", "err", err)
	}
}

// call issues one RPC and keeps the error counter of c current. A remote
// LocalError proves the peer is alive and is not counted.
func (d *Dht) call(ctx context.Context, c *contact.Contact, req wire.Message) (wire.Message, error) {
	resp, err := d.transport.Call(ctx, c, req)
	if err != nil {
		if _, remote := err.(transport.RemoteError); !remote {
			n := d.errs.Inc(c.MachineID)
			d.metrics.RPCFailures.Add(1)
			d.Logger.Debug("RPC failed", "peer", c, "op", req.Op(), "errors", n, "err", err)
		}
		return nil, err
	}
	d.errs.Reset(c.MachineID)
	return resp, nil
}

func unexpected(resp wire.Message) error {
	return errors.Wrapf(ErrUnexpectedReply, "op %s", resp.Op())
}

func (d *Dht) ping(ctx context.Context, c *contact.Contact) (*contact.Contact, error) {
	resp, err := d.call(ctx, c, &wire.Ping{})
	if err != nil {
		return nil, err
	}
	if _, ok := resp.(*wire.PingResponse); !ok {
		return nil, unexpected(resp)
	}
	return resp.Head().Sender, nil
}

// Ping checks that c answers and records it in the routing table.
func (d *Dht) Ping(ctx context.Context, c *contact.Contact) error {
	if err := c.Validate(); err != nil {
		return errors.Wrap(ErrInvalidArgument, err.Error())
	}
	sender, err := d.ping(ctx, c)
	if err != nil {
		return err
	}
	if sender != nil && sender.Same(c) {
		merged := c.Clone()
		merged.UpdateAccordingToNewState(sender)
		d.table.AddContact(ctx, merged)
	} else {
		d.table.AddContact(ctx, c)
	}
	return nil
}

func (d *Dht) onResponse(ctx context.Context, c *contact.Contact) {
	d.table.AddContact(ctx, c)
}

func (d *Dht) onFailure(c *contact.Contact, err error) {
	d.Logger.Trace("Lookup RPC failed", "peer", c, "err", err)
}

func (d *Dht) lookup(ctx context.Context, key kadid.ID, rpc RPCFunc) (*LookupResult, error) {
	start := time.Now()
	res, err := d.router.Lookup(ctx, key, rpc)
	d.metrics.Lookups.Add(1)
	d.metrics.LookupDuration.Observe(time.Since(start).Seconds())
	d.metrics.Contacts.Set(float64(d.table.Len()))
	return res, err
}

func (d *Dht) findNodeRPC(ctx context.Context, key kadid.ID, c *contact.Contact) ([]*contact.Contact, []byte, error) {
	resp, err := d.call(ctx, c, &wire.FindNode{Key: key})
	if err != nil {
		return nil, nil, err
	}
	r, ok := resp.(*wire.FindNodeResponse)
	if !ok {
		return nil, nil, unexpected(resp)
	}
	return r.Contacts, nil, nil
}

func (d *Dht) findValueRPC(ctx context.Context, key kadid.ID, c *contact.Contact) ([]*contact.Contact, []byte, error) {
	resp, err := d.call(ctx, c, &wire.FindValue{Key: key})
	if err != nil {
		return nil, nil, err
	}
	switch r := resp.(type) {
	case *wire.FindValueResponseWithValue:
		if r.Value == nil {
			return nil, []byte{}, nil
		}
		return nil, r.Value, nil
	case *wire.FindValueResponseWithCloseContacts:
		return r.Contacts, nil, nil
	}
	return nil, nil, unexpected(resp)
}

// FindNode returns up to K contacts closest to key.
func (d *Dht) FindNode(ctx context.Context, key kadid.ID) ([]*contact.Contact, error) {
	res, err := d.lookup(ctx, key, d.findNodeRPC)
	if err != nil {
		return nil, err
	}
	return res.Contacts, nil
}

// FindValue looks key up locally, then on the network. A value found
// remotely is cached at the closest contact that did not return it.
func (d *Dht) FindValue(ctx context.Context, key kadid.ID) (*LookupResult, error) {
	if v, ok := d.store.Get(key); ok {
		return &LookupResult{Contacts: []*contact.Contact{}, Value: v, FoundBy: d.Self()}, nil
	}
	res, err := d.lookup(ctx, key, d.findValueRPC)
	if err != nil {
		return res, err
	}
	if res.Found() {
		d.cacheValue(ctx, key, res)
	}
	return res, nil
}

func (d *Dht) cacheValue(ctx context.Context, key kadid.ID, res *LookupResult) {
	for _, c := range res.Contacts {
		if c.Same(res.FoundBy) {
			continue
		}
		req := &wire.Store{
			Key:        key,
			Value:      res.Value,
			IsCached:   true,
			TTLSeconds: ttlSeconds(d.cfg.CachedValueTTL),
		}
		if _, err := d.call(ctx, c, req); err != nil {
			d.Logger.Debug("Caching value failed", "peer", c, "err", err)
		}
		return
	}
}

// ttlSeconds rounds ttl up to whole seconds. A zero TTL on the wire means
// the receiver's default, so any positive ttl yields at least 1.
func ttlSeconds(ttl time.Duration) uint32 {
	if ttl <= 0 {
		return 0
	}
	secs := (ttl + time.Second - 1) / time.Second
	if secs > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(secs)
}

// Store keeps value locally and on the K contacts closest to key. A zero
// ttl means the configured default. It returns how many peers accepted
// the value.
func (d *Dht) Store(ctx context.Context, key kadid.ID, value []byte, ttl time.Duration) (int, error) {
	switch {
	case value == nil:
		return 0, errors.Wrap(ErrInvalidArgument, "nil value")
	case len(value) > MaxValueSize:
		return 0, errors.Wrapf(ErrInvalidArgument, "value of %d bytes", len(value))
	case ttl < 0:
		return 0, errors.Wrap(ErrInvalidArgument, "negative ttl")
	}
	ttl = d.store.ttlFor(ttl, false)
	d.store.Put(key, value, d.Self().MachineID, ttl, false)
	d.metrics.Values.Set(float64(d.store.Len()))

	contacts, err := d.FindNode(ctx, key)
	if err != nil {
		return 0, err
	}
	var (
		stored int32
		g      errgroup.Group
	)
	for _, c := range contacts {
		c := c
		g.Go(func() error {
			resp, err := d.call(ctx, c, &wire.Store{Key: key, Value: value, TTLSeconds: ttlSeconds(ttl)})
			if err != nil {
				return err
			}
			if _, ok := resp.(*wire.StoreResponse); !ok {
				return unexpected(resp)
			}
			atomic.AddInt32(&stored, 1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		d.Logger.Debug("Some stores failed", "key", key.TerminalString(), "stored", stored, "of", len(contacts), "err", err)
	}
	if len(contacts) > 0 && stored == 0 {
		return 0, ErrStoreFailed
	}
	return int(stored), nil
}

// Bootstrap pings the seed endpoints and then looks up the local
// identifier to fill the table.
func (d *Dht) Bootstrap(ctx context.Context, seeds []string) error {
	self := d.Self()
	reached := 0
	for _, ep := range seeds {
		resp, err := d.transport.CallEndpoint(ctx, ep, &wire.Ping{})
		if err != nil {
			d.Logger.Info("Seed unreachable", "endpoint", ep, "err", err)
			continue
		}
		sender := resp.Head().Sender
		if _, ok := resp.(*wire.PingResponse); !ok || sender == nil || sender.MachineID == self.MachineID {
			continue
		}
		c := sender.Clone()
		if host, _, err := net.SplitHostPort(ep); err == nil {
			if ip := net.ParseIP(host); ip != nil {
				c.TryAddIPAddress(ip)
			}
		}
		if d.table.AddContact(ctx, c) {
			reached++
		}
	}
	if reached == 0 && d.table.Len() == 0 {
		return ErrNoSeeds
	}
	_, err := d.FindNode(ctx, self.ID)
	return err
}

// HandleRecognition answers a multicast announcement with an Acknowledge,
// which introduces this node to the announcer.
func (d *Dht) HandleRecognition(ctx context.Context, m *wire.AllNodesRecognition, from net.IP) error {
	if m.MachineID == d.Self().MachineID {
		return nil
	}
	if m.ProtocolVersion != d.cfg.ProtocolVersion {
		d.Logger.Debug("Ignoring announcement", "machine", m.MachineID, "version", m.ProtocolVersion)
		return nil
	}
	if m.TCPPort == 0 || from == nil {
		return errors.Wrap(ErrInvalidArgument, "announcement without endpoint")
	}
	ep := net.JoinHostPort(from.String(), strconv.Itoa(int(m.TCPPort)))
	return d.transport.SendTo(ctx, ep, &wire.Acknowledge{})
}

// BucketKey maps a bucket name into the identifier space.
func BucketKey(name string) kadid.ID {
	sum := sha1.Sum([]byte(name))
	return kadid.MustFromBytes(sum[:])
}

// FindBucketHolders returns the contacts advertising bucket, sorted by
// distance to BucketKey(bucket). No holder records are published under the
// key: the lookup around it only refreshes the table, and the result is
// limited to the lookup's answer plus contacts already in the local table.
func (d *Dht) FindBucketHolders(ctx context.Context, bucket string) ([]*contact.Contact, error) {
	if bucket == "" {
		return nil, errors.Wrap(ErrInvalidArgument, "empty bucket name")
	}
	key := BucketKey(bucket)
	found, err := d.FindNode(ctx, key)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var holders []*contact.Contact
	for _, c := range append(found, d.table.Contacts()...) {
		if seen[c.MachineID] || !c.HasBucket(bucket) {
			continue
		}
		seen[c.MachineID] = true
		holders = append(holders, c)
	}
	contact.SortByDistance(holders, key)
	return holders, nil
}

// CheckFileExists asks c whether it shares path in bucket.
func (d *Dht) CheckFileExists(ctx context.Context, c *contact.Contact, bucket, path string) (bool, uint64, error) {
	if bucket == "" || path == "" {
		return false, 0, errors.Wrap(ErrInvalidArgument, "empty bucket or path")
	}
	resp, err := d.call(ctx, c, &wire.CheckFileExists{Bucket: bucket, Path: path})
	if err != nil {
		return false, 0, err
	}
	r, ok := resp.(*wire.CheckFileExistsResponse)
	if !ok {
		return false, 0, unexpected(resp)
	}
	return r.Exists, r.Size, nil
}

// DownloadChunk fetches ranges of a shared file from c.
func (d *Dht) DownloadChunk(ctx context.Context, c *contact.Contact, bucket, path string, ranges []wire.ChunkRange) ([]wire.Chunk, error) {
	if bucket == "" || path == "" || len(ranges) == 0 {
		return nil, errors.Wrap(ErrInvalidArgument, "empty bucket, path or ranges")
	}
	for _, r := range ranges {
		if r.Length > MaxChunkLength {
			return nil, errors.Wrapf(ErrInvalidArgument, "chunk length %d", r.Length)
		}
	}
	req := &wire.DownloadChunk{Bucket: bucket, Path: path, Ranges: ranges}
	resp, err := d.call(ctx, c, req.Clone())
	if err != nil {
		return nil, err
	}
	r, ok := resp.(*wire.DownloadChunkResponse)
	if !ok {
		return nil, unexpected(resp)
	}
	return r.Chunks, nil
}

// Refresh looks up a random identifier in every bucket not touched for
// RefreshInterval.
func (d *Dht) Refresh(ctx context.Context) {
	for _, b := range d.table.StaleBuckets(d.cfg.RefreshInterval) {
		target := kadid.RandomWithPrefix(b.Low, b.Depth)
		if _, err := d.FindNode(ctx, target); err != nil {
			d.Logger.Debug("Bucket refresh failed", "bucket", b.Key(), "err", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (d *Dht) refreshLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.Refresh(d.ctx)
			d.saveContacts()
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Dht) expireLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.ExpireInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := d.store.Expire(); n > 0 {
				d.Logger.Debug("Expired values", "count", n)
			}
			d.metrics.Values.Set(float64(d.store.Len()))
		case <-d.ctx.Done():
			return
		}
	}
}
