package contact

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lianxiangcloud/linkdht/libs/dht/kadid"
)

func TestSameUsesMachineID(t *testing.T) {
	machine := NewMachineID()
	a := New(machine, kadid.Random(), 13500)
	b := New(machine, kadid.Random(), 13501)
	c := New(NewMachineID(), a.ID, 13500)

	assert.True(t, a.Same(b))
	assert.False(t, a.Same(c))
	assert.False(t, a.Same(nil))
}

func TestTryAddIsIdempotent(t *testing.T) {
	c := New(NewMachineID(), kadid.Random(), 13500)

	assert.True(t, c.TryAddIPAddress(net.ParseIP("10.0.0.1")))
	assert.False(t, c.TryAddIPAddress(net.ParseIP("10.0.0.1")))
	assert.False(t, c.TryAddIPAddress(net.IPv4zero))
	assert.False(t, c.TryAddIPAddress(nil))
	assert.Len(t, c.Addresses, 1)

	assert.True(t, c.TryAddBucketLocalName("photos"))
	assert.False(t, c.TryAddBucketLocalName("photos"))
	assert.False(t, c.TryAddBucketLocalName(""))
	assert.True(t, c.HasBucket("photos"))

	c.ClearAllLocalBuckets()
	assert.False(t, c.HasBucket("photos"))
	assert.Empty(t, c.Buckets)
}

func TestUpdateAccordingToNewState(t *testing.T) {
	machine := NewMachineID()
	old := New(machine, kadid.Random(), 13500, net.ParseIP("10.0.0.1"))
	old.TryAddBucketLocalName("docs")
	old.LastSeen = old.LastSeen.Add(-time.Minute)

	fresh := New(machine, kadid.Random(), 13600, net.ParseIP("10.0.0.2"))
	fresh.TryAddBucketLocalName("music")

	require.True(t, old.UpdateAccordingToNewState(fresh))
	assert.Equal(t, fresh.ID, old.ID)
	assert.Equal(t, uint16(13600), old.TCPPort)
	assert.Len(t, old.Addresses, 2)
	assert.Equal(t, []string{"docs", "music"}, old.Buckets)
	assert.Equal(t, fresh.LastSeen, old.LastSeen)

	assert.False(t, old.UpdateAccordingToNewState(fresh))

	stranger := New(NewMachineID(), kadid.Random(), 1)
	assert.False(t, old.UpdateAccordingToNewState(stranger))
}

func TestCloneSharesNothing(t *testing.T) {
	c := New(NewMachineID(), kadid.Random(), 13500, net.ParseIP("10.0.0.1"))
	c.TryAddBucketLocalName("docs")

	cp := c.Clone()
	require.Equal(t, c, cp)

	cp.Addresses[0][len(cp.Addresses[0])-1] = 9
	cp.Buckets[0] = "other"
	cp.TryAddIPAddress(net.ParseIP("10.0.0.3"))

	assert.Equal(t, "10.0.0.1", c.Addresses[0].String())
	assert.Equal(t, "docs", c.Buckets[0])
	assert.Len(t, c.Addresses, 1)
}

func TestValidateAndEndpoints(t *testing.T) {
	c := New(NewMachineID(), kadid.Random(), 13500, net.ParseIP("10.0.0.1"), net.ParseIP("::1"))
	assert.NoError(t, c.Validate())
	assert.Equal(t, []string{"10.0.0.1:13500", "[::1]:13500"}, c.Endpoints())

	assert.Error(t, (*Contact)(nil).Validate())
	assert.Error(t, New("", kadid.Zero, 1).Validate())
	assert.Error(t, New("m", kadid.Zero, 0).Validate())
	assert.Error(t, New("caf\xc3\xa9", kadid.Zero, 1).Validate())
}

func TestSortByDistance(t *testing.T) {
	target := kadid.FromUint64(8)
	cs := []*Contact{
		New("a", kadid.FromUint64(1), 1),
		New("b", kadid.FromUint64(9), 1),
		New("c", kadid.FromUint64(12), 1),
	}
	SortByDistance(cs, target)
	assert.Equal(t, "b", cs[0].MachineID)
	assert.Equal(t, "c", cs[1].MachineID)
	assert.Equal(t, "a", cs[2].MachineID)
}
