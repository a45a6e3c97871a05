package kad

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/lianxiangcloud/linkdht/libs/dht/contact"
	"github.com/lianxiangcloud/linkdht/libs/dht/kadid"
	"github.com/lianxiangcloud/linkdht/libs/log"
)

// RPCFunc queries one contact during a lookup. It returns the contacts the
// peer knows close to key, or the value when the peer holds it.
type RPCFunc func(ctx context.Context, key kadid.ID, c *contact.Contact) ([]*contact.Contact, []byte, error)

// LookupResult is the outcome of one lookup.
type LookupResult struct {
	// Contacts holds at most K contacts sorted by distance to the key.
	Contacts []*contact.Contact
	Value    []byte
	FoundBy  *contact.Contact

	// Closer and Farther are the final candidate sets, for diagnostics.
	Closer  []*contact.Contact
	Farther []*contact.Contact
}

// Found reports whether a value was returned.
func (r *LookupResult) Found() bool {
	return r.FoundBy != nil
}

// Router locates the contacts closest to a key.
type Router interface {
	Lookup(ctx context.Context, key kadid.ID, rpc RPCFunc) (*LookupResult, error)
}

// seedSource provides the starting contacts of a lookup.
type seedSource interface {
	Self() *contact.Contact
	GetCloseContacts(key kadid.ID, exclude kadid.ID) []*contact.Contact
}

// ParallelLookup is the iterative Kademlia lookup with up to Alpha RPCs in
// flight per lookup.
type ParallelLookup struct {
	k            int
	alpha        int64
	responseWait time.Duration
	queryTimeout time.Duration

	seeds  seedSource
	pool   *workerPool
	logger log.Logger

	// OnResponse and OnFailure observe every RPC outcome.
	OnResponse func(ctx context.Context, c *contact.Contact)
	OnFailure  func(c *contact.Contact, err error)
}

var _ Router = (*ParallelLookup)(nil)

func newParallelLookup(cfg Config, seeds seedSource, pool *workerPool, logger log.Logger) *ParallelLookup {
	return &ParallelLookup{
		k:            cfg.K,
		alpha:        int64(cfg.Alpha),
		responseWait: cfg.ResponseWait,
		queryTimeout: cfg.QueryTimeout,
		seeds:        seeds,
		pool:         pool,
		logger:       logger,
	}
}

type lookupState struct {
	mtx sync.Mutex

	key    kadid.ID
	selfID string
	k      int

	seen      map[string]bool
	asked     map[string]bool
	responded map[string]bool
	failed    map[string]bool
	closer    []*contact.Contact
	farther   []*contact.Contact
	inflight  int

	value   []byte
	foundBy *contact.Contact
	done    bool

	wake chan struct{}
}

func (st *lookupState) signal() {
	select {
	case st.wake <- struct{}{}:
	default:
	}
}

func insertSorted(list []*contact.Contact, c *contact.Contact, key kadid.ID) []*contact.Contact {
	i := sort.Search(len(list), func(i int) bool {
		return kadid.DistCmp(key, list[i].ID, c.ID) > 0
	})
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = c
	return list
}

// mergeLocked files the contacts returned by from into the closer or
// farther set, relative to the distance of from itself.
func (st *lookupState) mergeLocked(from *contact.Contact, contacts []*contact.Contact) {
	for _, c := range contacts {
		if c == nil || c.MachineID == "" || c.MachineID == st.selfID || st.seen[c.MachineID] {
			continue
		}
		st.seen[c.MachineID] = true
		c = c.Clone()
		if kadid.DistCmp(st.key, c.ID, from.ID) < 0 {
			st.closer = insertSorted(st.closer, c, st.key)
		} else {
			st.farther = insertSorted(st.farther, c, st.key)
		}
	}
}

func (st *lookupState) nextLocked() *contact.Contact {
	for _, set := range [][]*contact.Contact{st.closer, st.farther} {
		for _, c := range set {
			if !st.asked[c.MachineID] {
				return c
			}
		}
	}
	return nil
}

func (st *lookupState) finishedLocked() bool {
	if st.done {
		return true
	}
	if st.foundBy != nil || len(st.responded) >= st.k {
		return true
	}
	return st.inflight == 0 && st.nextLocked() == nil
}

func (st *lookupState) resultLocked() *LookupResult {
	res := &LookupResult{
		Value:   st.value,
		FoundBy: st.foundBy,
		Closer:  append([]*contact.Contact(nil), st.closer...),
		Farther: append([]*contact.Contact(nil), st.farther...),
	}
	out := make([]*contact.Contact, 0, st.k)
	for _, c := range st.closer {
		if !st.failed[c.MachineID] {
			out = append(out, c)
		}
	}
	if len(out) < st.k {
		for _, c := range st.farther {
			if st.responded[c.MachineID] {
				out = append(out, c)
			}
		}
	}
	contact.SortByDistance(out, st.key)
	if len(out) > st.k {
		out = out[:st.k]
	}
	res.Contacts = out
	return res
}

// Lookup runs an iterative lookup for key. It ends when a value is found,
// K contacts have answered, no candidate is left or the query budget runs
// out. An empty routing table yields an empty result.
func (pl *ParallelLookup) Lookup(ctx context.Context, key kadid.ID, rpc RPCFunc) (*LookupResult, error) {
	self := pl.seeds.Self()
	st := &lookupState{
		key:       key,
		selfID:    self.MachineID,
		k:         pl.k,
		seen:      make(map[string]bool),
		asked:     make(map[string]bool),
		responded: make(map[string]bool),
		failed:    make(map[string]bool),
		wake:      make(chan struct{}, 1),
	}
	for _, c := range pl.seeds.GetCloseContacts(key, self.ID) {
		if st.seen[c.MachineID] || c.MachineID == st.selfID {
			continue
		}
		st.seen[c.MachineID] = true
		if kadid.DistCmp(key, c.ID, self.ID) < 0 {
			st.closer = append(st.closer, c)
		} else {
			st.farther = append(st.farther, c)
		}
	}
	if len(st.closer) == 0 && len(st.farther) == 0 {
		return &LookupResult{Contacts: []*contact.Contact{}}, nil
	}

	budget, cancel := context.WithTimeout(ctx, pl.queryTimeout)
	defer cancel()
	sem := semaphore.NewWeighted(pl.alpha)
	timer := time.NewTimer(pl.responseWait)
	defer timer.Stop()

	for {
		st.mtx.Lock()
		if st.finishedLocked() {
			st.done = true
			res := st.resultLocked()
			st.mtx.Unlock()
			return res, nil
		}
		for {
			c := st.nextLocked()
			if c == nil || !sem.TryAcquire(1) {
				break
			}
			st.asked[c.MachineID] = true
			st.inflight++
			task := pl.task(ctx, st, sem, rpc, c)
			st.mtx.Unlock()
			err := pl.pool.Submit(budget, task)
			st.mtx.Lock()
			if err != nil {
				st.inflight--
				sem.Release(1)
				break
			}
		}
		st.mtx.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(pl.responseWait)
		select {
		case <-st.wake:
		case <-timer.C:
		case <-budget.Done():
			st.mtx.Lock()
			st.done = true
			res := st.resultLocked()
			st.mtx.Unlock()
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			pl.logger.Debug("Lookup budget exhausted", "key", key.TerminalString(), "responded", len(res.Contacts))
			return res, nil
		}
	}
}

func (pl *ParallelLookup) task(ctx context.Context, st *lookupState, sem *semaphore.Weighted, rpc RPCFunc, c *contact.Contact) func() {
	return func() {
		defer st.signal()
		defer sem.Release(1)

		st.mtx.Lock()
		skip := st.done
		if skip {
			st.inflight--
		}
		st.mtx.Unlock()
		if skip {
			return
		}

		contacts, value, err := rpc(ctx, st.key, c)
		if err != nil {
			if pl.OnFailure != nil {
				pl.OnFailure(c, err)
			}
		} else if pl.OnResponse != nil {
			pl.OnResponse(ctx, c)
		}

		st.mtx.Lock()
		defer st.mtx.Unlock()
		st.inflight--
		if st.done {
			return
		}
		if err != nil {
			st.failed[c.MachineID] = true
			return
		}
		st.responded[c.MachineID] = true
		if value != nil && st.foundBy == nil {
			st.value = value
			st.foundBy = c.Clone()
			return
		}
		st.mergeLocked(c, contacts)
	}
}
