package transport

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/lianxiangcloud/linkdht/libs/dht/wire"
)

// Dedup remembers recently delivered messages so that re-deliveries within
// the window are dropped.
type Dedup struct {
	mtx    sync.Mutex
	window time.Duration
	seen   *lru.Cache
	now    func() time.Time
}

// NewDedup returns a Dedup tracking at most size messages.
func NewDedup(size int, window time.Duration) *Dedup {
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New(size)
	if err != nil {
		panic(err)
	}
	return &Dedup{window: window, seen: cache, now: time.Now}
}

// Seen records m and reports whether it was already delivered within the
// window.
func (d *Dedup) Seen(m wire.Message) bool {
	if d == nil || d.window <= 0 {
		return false
	}
	key := dedupKey(m)
	now := d.now()

	d.mtx.Lock()
	defer d.mtx.Unlock()
	if v, ok := d.seen.Get(key); ok {
		if now.Sub(v.(time.Time)) < d.window {
			return true
		}
	}
	d.seen.Add(key, now)
	return false
}

func dedupKey(m wire.Message) string {
	h := m.Head()
	origin := ""
	if h.Sender != nil {
		origin = h.Sender.MachineID
	} else if r, ok := m.(*wire.AllNodesRecognition); ok {
		origin = r.MachineID
	}
	return fmt.Sprintf("%s/%d/%d", origin, m.Op(), h.RandomID)
}
