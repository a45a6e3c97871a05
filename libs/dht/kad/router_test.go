package kad

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lianxiangcloud/linkdht/libs/dht/contact"
	"github.com/lianxiangcloud/linkdht/libs/dht/kadid"
	"github.com/lianxiangcloud/linkdht/libs/log"
)

func testContact(machineID string, id uint64) *contact.Contact {
	return contact.New(machineID, kadid.FromUint64(id), uint16(20000+id%10000), net.ParseIP("127.0.0.1"))
}

func machineOf(id uint64) string {
	return "node-" + kadid.FromUint64(id).String()[32:]
}

// simOverlay is a 64 node network with identifiers 0..63. Every node knows
// its aligned block of 8 and one contact per farther distance band, which
// is a complete Kademlia table with one entry per remote bucket.
type simOverlay struct {
	contacts map[uint64]*contact.Contact
	known    map[uint64][]*contact.Contact
}

func newSimOverlay() *simOverlay {
	o := &simOverlay{
		contacts: make(map[uint64]*contact.Contact),
		known:    make(map[uint64][]*contact.Contact),
	}
	for i := uint64(0); i < 64; i++ {
		o.contacts[i] = testContact(machineOf(i), i)
	}
	for i := uint64(0); i < 64; i++ {
		for j := uint64(0); j < 64; j++ {
			if i == j {
				continue
			}
			d := i ^ j
			// same block of 8, or the lowest id of a farther band
			if d < 8 || j == (i^highestBit(d))&^(highestBit(d)-1) {
				o.known[i] = append(o.known[i], o.contacts[j])
			}
		}
	}
	return o
}

func highestBit(v uint64) uint64 {
	h := uint64(1)
	for v > 1 {
		v >>= 1
		h <<= 1
	}
	return h
}

func (o *simOverlay) idOf(c *contact.Contact) uint64 {
	for id, known := range o.contacts {
		if known.MachineID == c.MachineID {
			return id
		}
	}
	panic("unknown contact " + c.MachineID)
}

// seeds is the view of node self.
func (o *simOverlay) seeds(self uint64) seedSource {
	return &staticSeeds{self: o.contacts[self], known: o.known[self], k: 4}
}

func (o *simOverlay) closest(id uint64, key kadid.ID, k int) []*contact.Contact {
	known := append([]*contact.Contact(nil), o.known[id]...)
	contact.SortByDistance(known, key)
	if len(known) > k {
		known = known[:k]
	}
	out := make([]*contact.Contact, len(known))
	for i, c := range known {
		out[i] = c.Clone()
	}
	return out
}

type staticSeeds struct {
	self  *contact.Contact
	known []*contact.Contact
	k     int
}

func (s *staticSeeds) Self() *contact.Contact { return s.self.Clone() }

func (s *staticSeeds) GetCloseContacts(key kadid.ID, exclude kadid.ID) []*contact.Contact {
	var out []*contact.Contact
	for _, c := range s.known {
		if c.ID != exclude {
			out = append(out, c.Clone())
		}
	}
	contact.SortByDistance(out, key)
	if len(out) > s.k {
		out = out[:s.k]
	}
	return out
}

func testLookupConfig() Config {
	cfg := DefaultConfig()
	cfg.K = 4
	cfg.Alpha = 2
	cfg.MaxThreads = 4
	cfg.ResponseWait = 50 * time.Millisecond
	cfg.QueryTimeout = 2 * time.Second
	return cfg
}

func startWorkers(t *testing.T, n int) *workerPool {
	wp := newWorkerPool(n, log.Test())
	require.NoError(t, wp.Start())
	return wp
}

func ids(o *simOverlay, contacts []*contact.Contact) []uint64 {
	out := make([]uint64, len(contacts))
	for i, c := range contacts {
		out[i] = o.idOf(c)
	}
	return out
}

func TestSimOverlayShape(t *testing.T) {
	o := newSimOverlay()
	var got []uint64
	for _, c := range o.known[0] {
		got = append(got, o.idOf(c))
	}
	assert.ElementsMatch(t, []uint64{1, 2, 3, 4, 5, 6, 7, 8, 16, 32}, got)
}

func TestLookupConverges(t *testing.T) {
	defer leaktest.Check(t)()
	o := newSimOverlay()
	wp := startWorkers(t, 4)
	defer wp.Stop()

	var mtx sync.Mutex
	responded := map[uint64]bool{}
	cfg := testLookupConfig()
	cfg.Alpha = 1
	pl := newParallelLookup(cfg, o.seeds(0), wp, log.Test())
	pl.OnResponse = func(_ context.Context, c *contact.Contact) {
		mtx.Lock()
		responded[o.idOf(c)] = true
		mtx.Unlock()
	}

	key := kadid.FromUint64(37)
	rpc := func(ctx context.Context, key kadid.ID, c *contact.Contact) ([]*contact.Contact, []byte, error) {
		return o.closest(o.idOf(c), key, 4), nil, nil
	}
	start := time.Now()
	res, err := pl.Lookup(context.Background(), key, rpc)
	require.NoError(t, err)
	assert.True(t, time.Since(start) < 2*time.Second)

	assert.Equal(t, []uint64{37, 36, 39, 38}, ids(o, res.Contacts))
	assert.False(t, res.Found())
	mtx.Lock()
	assert.True(t, responded[32], "the only seed closer than self is queried first")
	mtx.Unlock()
}

func TestLookupFindsValue(t *testing.T) {
	defer leaktest.Check(t)()
	o := newSimOverlay()
	wp := startWorkers(t, 4)
	defer wp.Stop()

	cfg := testLookupConfig()
	cfg.Alpha = 1
	pl := newParallelLookup(cfg, o.seeds(0), wp, log.Test())
	key := kadid.FromUint64(37)
	rpc := func(ctx context.Context, key kadid.ID, c *contact.Contact) ([]*contact.Contact, []byte, error) {
		if o.idOf(c) == 36 {
			return nil, []byte("payload"), nil
		}
		return o.closest(o.idOf(c), key, 4), nil, nil
	}
	res, err := pl.Lookup(context.Background(), key, rpc)
	require.NoError(t, err)
	require.True(t, res.Found())
	assert.Equal(t, []byte("payload"), res.Value)
	assert.Equal(t, machineOf(36), res.FoundBy.MachineID)
}

func TestLookupSkipsFailedContacts(t *testing.T) {
	defer leaktest.Check(t)()
	o := newSimOverlay()
	wp := startWorkers(t, 4)
	defer wp.Stop()

	var mtx sync.Mutex
	var failures []uint64
	cfg := testLookupConfig()
	cfg.Alpha = 1
	pl := newParallelLookup(cfg, o.seeds(0), wp, log.Test())
	pl.OnFailure = func(c *contact.Contact, err error) {
		mtx.Lock()
		failures = append(failures, o.idOf(c))
		mtx.Unlock()
	}
	key := kadid.FromUint64(37)
	rpc := func(ctx context.Context, key kadid.ID, c *contact.Contact) ([]*contact.Contact, []byte, error) {
		if o.idOf(c) == 36 {
			return nil, nil, errors.New("unreachable")
		}
		return o.closest(o.idOf(c), key, 6), nil, nil
	}
	res, err := pl.Lookup(context.Background(), key, rpc)
	require.NoError(t, err)

	got := ids(o, res.Contacts)
	assert.NotContains(t, got, uint64(36))
	assert.Equal(t, []uint64{37, 39, 38, 33}, got)
	mtx.Lock()
	assert.Equal(t, []uint64{36}, failures)
	mtx.Unlock()
}

func TestLookupRespectsBudget(t *testing.T) {
	o := newSimOverlay()
	wp := startWorkers(t, 4)

	release := make(chan struct{})
	cfg := testLookupConfig()
	cfg.QueryTimeout = 100 * time.Millisecond
	pl := newParallelLookup(cfg, o.seeds(0), wp, log.Test())
	rpc := func(ctx context.Context, key kadid.ID, c *contact.Contact) ([]*contact.Contact, []byte, error) {
		<-release
		return nil, nil, nil
	}

	start := time.Now()
	res, err := pl.Lookup(context.Background(), kadid.FromUint64(37), rpc)
	elapsed := time.Since(start)
	close(release)
	wp.Stop()

	require.NoError(t, err)
	assert.True(t, elapsed < time.Second, "lookup took %s", elapsed)
	assert.True(t, len(res.Contacts) <= cfg.K)
}

func TestLookupCallerCancel(t *testing.T) {
	defer leaktest.Check(t)()
	o := newSimOverlay()
	wp := startWorkers(t, 4)
	defer wp.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	pl := newParallelLookup(testLookupConfig(), o.seeds(0), wp, log.Test())
	rpc := func(ctx context.Context, key kadid.ID, c *contact.Contact) ([]*contact.Contact, []byte, error) {
		cancel()
		<-ctx.Done()
		return nil, nil, ctx.Err()
	}
	_, err := pl.Lookup(ctx, kadid.FromUint64(37), rpc)
	assert.Equal(t, context.Canceled, err)
}

func TestLookupEmptyTable(t *testing.T) {
	wp := newWorkerPool(1, log.Test())
	seeds := &staticSeeds{self: testContact("self", 1), k: 4}
	pl := newParallelLookup(testLookupConfig(), seeds, wp, log.Test())

	res, err := pl.Lookup(context.Background(), kadid.Random(), func(context.Context, kadid.ID, *contact.Contact) ([]*contact.Contact, []byte, error) {
		t.Fatal("no rpc expected")
		return nil, nil, nil
	})
	require.NoError(t, err)
	assert.Empty(t, res.Contacts)
	assert.False(t, res.Found())
}

func TestLookupBoundsInFlight(t *testing.T) {
	defer leaktest.Check(t)()
	o := newSimOverlay()
	wp := startWorkers(t, 8)
	defer wp.Stop()

	var mtx sync.Mutex
	inflight, peak := 0, 0
	cfg := testLookupConfig()
	cfg.Alpha = 2
	pl := newParallelLookup(cfg, o.seeds(0), wp, log.Test())
	rpc := func(ctx context.Context, key kadid.ID, c *contact.Contact) ([]*contact.Contact, []byte, error) {
		mtx.Lock()
		inflight++
		if inflight > peak {
			peak = inflight
		}
		mtx.Unlock()
		time.Sleep(5 * time.Millisecond)
		mtx.Lock()
		inflight--
		mtx.Unlock()
		return o.closest(o.idOf(c), key, 4), nil, nil
	}
	_, err := pl.Lookup(context.Background(), kadid.FromUint64(50), rpc)
	require.NoError(t, err)
	mtx.Lock()
	assert.True(t, peak <= 2, "peak in flight %d", peak)
	mtx.Unlock()
}

func TestWorkerPoolSubmitAfterStop(t *testing.T) {
	defer leaktest.Check(t)()
	wp := startWorkers(t, 2)

	done := make(chan struct{})
	require.NoError(t, wp.Submit(context.Background(), func() { close(done) }))
	<-done

	wp.Stop()
	assert.Equal(t, errPoolStopped, wp.Submit(context.Background(), func() {}))
}
