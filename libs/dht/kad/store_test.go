package kad

import (
	"testing"
	"time"

	"github.com/prashantv/gostub"
	"github.com/stretchr/testify/assert"

	"github.com/lianxiangcloud/linkdht/libs/dht/kadid"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time           { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func stubClock() (*fakeClock, *gostub.Stubs) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	return clock, gostub.Stub(&timeNow, clock.Now)
}

func TestValueExpiresAfterTTL(t *testing.T) {
	clock, stubs := stubClock()
	defer stubs.Reset()

	s := newMemStore(DefaultConfig())
	key := kadid.FromUint64(7)
	s.Put(key, []byte("v"), "origin", time.Minute, false)

	v, ok := s.Get(key)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	clock.Advance(59 * time.Second)
	_, ok = s.Get(key)
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok = s.Get(key)
	assert.False(t, ok, "value must be gone at its expiry")
	assert.Equal(t, 1, s.Expire())
	assert.Equal(t, 0, s.Len())
}

func TestValueTTLClamps(t *testing.T) {
	clock, stubs := stubClock()
	defer stubs.Reset()

	cfg := DefaultConfig()
	cfg.ValueTTL = time.Hour
	cfg.MaxValueTTL = 2 * time.Hour
	cfg.CachedValueTTL = 10 * time.Minute
	s := newMemStore(cfg)

	assert.Equal(t, time.Hour, s.ttlFor(0, false))
	assert.Equal(t, 2*time.Hour, s.ttlFor(48*time.Hour, false))
	assert.Equal(t, 10*time.Minute, s.ttlFor(time.Hour, true))
	assert.Equal(t, time.Minute, s.ttlFor(time.Minute, true))

	cached := kadid.FromUint64(1)
	s.Put(cached, []byte("c"), "peer", time.Hour, true)
	clock.Advance(11 * time.Minute)
	_, ok := s.Get(cached)
	assert.False(t, ok, "cached copies live at most CachedValueTTL")
}

func TestCachedCopyDoesNotReplaceOriginal(t *testing.T) {
	_, stubs := stubClock()
	defer stubs.Reset()

	s := newMemStore(DefaultConfig())
	key := kadid.FromUint64(3)
	s.Put(key, []byte("original"), "owner", 0, false)
	s.Put(key, []byte("stale cache"), "peer", 0, true)

	v, _ := s.Get(key)
	assert.Equal(t, []byte("original"), v)

	s.Put(key, []byte("update"), "owner", 0, false)
	v, _ = s.Get(key)
	assert.Equal(t, []byte("update"), v)
}

func TestStoredValueIsCopied(t *testing.T) {
	s := newMemStore(DefaultConfig())
	key := kadid.FromUint64(9)
	in := []byte("abc")
	s.Put(key, in, "o", 0, false)
	in[0] = 'x'

	out, _ := s.Get(key)
	assert.Equal(t, []byte("abc"), out)
	out[1] = 'y'
	again, _ := s.Get(key)
	assert.Equal(t, []byte("abc"), again)
}

func TestErrorCounterWindow(t *testing.T) {
	clock, stubs := stubClock()
	defer stubs.Reset()

	ec := newErrorCounter(time.Minute)
	assert.Equal(t, 0, ec.Errors("peer"))
	assert.Equal(t, 1, ec.Inc("peer"))
	clock.Advance(30 * time.Second)
	assert.Equal(t, 2, ec.Inc("peer"))
	assert.Equal(t, 2, ec.Errors("peer"))

	clock.Advance(31 * time.Second)
	assert.Equal(t, 1, ec.Errors("peer"), "first failure left the window")

	ec.Reset("peer")
	assert.Equal(t, 0, ec.Errors("peer"))
	assert.Equal(t, 0, ec.Errors("other"))
}
