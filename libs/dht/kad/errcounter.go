package kad

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

const errorCounterSize = 4096

// errorCounter counts RPC failures per machine id inside a rolling window.
// The LRU bound keeps a long-running node from tracking every peer it
// ever failed to reach.
type errorCounter struct {
	mtx    sync.Mutex
	window time.Duration
	fails  *lru.Cache // machine id -> []time.Time
}

func newErrorCounter(window time.Duration) *errorCounter {
	cache, err := lru.New(errorCounterSize)
	if err != nil {
		panic(err)
	}
	return &errorCounter{window: window, fails: cache}
}

func (ec *errorCounter) prune(ts []time.Time, now time.Time) []time.Time {
	i := 0
	for i < len(ts) && now.Sub(ts[i]) >= ec.window {
		i++
	}
	return ts[i:]
}

// Inc records a failure and returns the count inside the window.
func (ec *errorCounter) Inc(machineID string) int {
	now := timeNow()
	ec.mtx.Lock()
	defer ec.mtx.Unlock()
	var ts []time.Time
	if v, ok := ec.fails.Get(machineID); ok {
		ts = v.([]time.Time)
	}
	ts = append(ec.prune(ts, now), now)
	ec.fails.Add(machineID, ts)
	return len(ts)
}

// Reset forgets the failures of a peer that answered.
func (ec *errorCounter) Reset(machineID string) {
	ec.mtx.Lock()
	ec.fails.Remove(machineID)
	ec.mtx.Unlock()
}

// Errors implements routing.ErrorCounter.
func (ec *errorCounter) Errors(machineID string) int {
	now := timeNow()
	ec.mtx.Lock()
	defer ec.mtx.Unlock()
	v, ok := ec.fails.Peek(machineID)
	if !ok {
		return 0
	}
	return len(ec.prune(v.([]time.Time), now))
}
