package kad

import (
	"sync"
	"time"

	"github.com/lianxiangcloud/linkdht/libs/dht/kadid"
)

var timeNow = time.Now

// ValueStore keeps the values served by STORE and FIND_VALUE.
type ValueStore interface {
	Put(key kadid.ID, value []byte, originator string, ttl time.Duration, cached bool)
	Get(key kadid.ID) ([]byte, bool)
}

type valueEntry struct {
	value      []byte
	originator string
	expires    time.Time
	cached     bool
}

// memStore is an in-memory map with per-entry expiry. Durability is not a
// goal: values vanish on restart.
type memStore struct {
	mtx     sync.RWMutex
	entries map[kadid.ID]*valueEntry

	defaultTTL time.Duration
	maxTTL     time.Duration
	cachedTTL  time.Duration
}

func newMemStore(cfg Config) *memStore {
	return &memStore{
		entries:    make(map[kadid.ID]*valueEntry),
		defaultTTL: cfg.ValueTTL,
		maxTTL:     cfg.MaxValueTTL,
		cachedTTL:  cfg.CachedValueTTL,
	}
}

func (s *memStore) ttlFor(ttl time.Duration, cached bool) time.Duration {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	if cached && s.cachedTTL > 0 && ttl > s.cachedTTL {
		ttl = s.cachedTTL
	}
	if s.maxTTL > 0 && ttl > s.maxTTL {
		ttl = s.maxTTL
	}
	return ttl
}

// Put inserts or overwrites key. A cached copy never replaces an entry
// stored by its originator that is still live.
func (s *memStore) Put(key kadid.ID, value []byte, originator string, ttl time.Duration, cached bool) {
	now := timeNow()
	e := &valueEntry{
		value:      append([]byte(nil), value...),
		originator: originator,
		expires:    now.Add(s.ttlFor(ttl, cached)),
		cached:     cached,
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if old, ok := s.entries[key]; ok && cached && !old.cached && now.Before(old.expires) {
		return
	}
	s.entries[key] = e
}

func (s *memStore) Get(key kadid.ID) ([]byte, bool) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	e, ok := s.entries[key]
	if !ok || !timeNow().Before(e.expires) {
		return nil, false
	}
	return append([]byte(nil), e.value...), true
}

// Expire drops entries past their expiry and returns how many went.
func (s *memStore) Expire() int {
	now := timeNow()
	s.mtx.Lock()
	defer s.mtx.Unlock()
	n := 0
	for k, e := range s.entries {
		if !now.Before(e.expires) {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

func (s *memStore) Len() int {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return len(s.entries)
}
