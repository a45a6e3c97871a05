package routing

import (
	"time"

	"github.com/lianxiangcloud/linkdht/libs/dht/contact"
	"github.com/lianxiangcloud/linkdht/libs/dht/kadid"
)

// bucket covers every identifier whose top depth bits equal those of low.
// contacts are ordered least-recently-seen first.
type bucket struct {
	low         kadid.ID
	depth       int
	contacts    []*contact.Contact
	lastChanged time.Time
}

func newBucket(low kadid.ID, depth int) *bucket {
	return &bucket{low: low, depth: depth, lastChanged: time.Now()}
}

func (b *bucket) update() {
	b.lastChanged = time.Now()
}

// contains reports whether id falls in the bucket's range.
func (b *bucket) contains(id kadid.ID) bool {
	return kadid.LogDist(b.low, id) <= kadid.Bits-b.depth
}

// high returns the largest identifier in range.
func (b *bucket) high() kadid.ID {
	h := b.low
	for i := 0; i < kadid.Bits-b.depth; i++ {
		h = h.SetBit(i, 1)
	}
	return h
}

func (b *bucket) indexOf(machineID string) int {
	for i, c := range b.contacts {
		if c.MachineID == machineID {
			return i
		}
	}
	return -1
}

func (b *bucket) add(c *contact.Contact) {
	b.contacts = append(b.contacts, c)
	b.update()
}

func (b *bucket) remove(i int) *contact.Contact {
	c := b.contacts[i]
	b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
	b.update()
	return c
}

// bump moves contact i to the most-recently-seen end.
func (b *bucket) bump(i int) {
	c := b.remove(i)
	b.contacts = append(b.contacts, c)
}

// split halves the range on the bit below the prefix and moves each
// contact into the half containing it.
func (b *bucket) split() (left, right *bucket) {
	bit := kadid.Bits - 1 - b.depth
	left = newBucket(b.low.SetBit(bit, 0), b.depth+1)
	right = newBucket(b.low.SetBit(bit, 1), b.depth+1)
	for _, c := range b.contacts {
		if c.ID.Bit(bit) == 0 {
			left.contacts = append(left.contacts, c)
		} else {
			right.contacts = append(right.contacts, c)
		}
	}
	return left, right
}

func (b *bucket) info() BucketInfo {
	info := BucketInfo{
		Low:         b.low,
		High:        b.high(),
		Depth:       b.depth,
		LastChanged: b.lastChanged,
		Contacts:    make([]*contact.Contact, len(b.contacts)),
	}
	for i, c := range b.contacts {
		info.Contacts[i] = c.Clone()
	}
	return info
}

// BucketInfo is a snapshot of one k-bucket.
type BucketInfo struct {
	Low         kadid.ID
	High        kadid.ID
	Depth       int
	LastChanged time.Time
	Contacts    []*contact.Contact
}

// Key is the identifier a bucket is compared by when searching for the
// bucket closest to a key.
func (bi BucketInfo) Key() kadid.ID {
	return bi.Low
}
