// Package kadid implements the 160-bit identifier space of the DHT and its
// XOR distance metric.
package kadid

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"
	"math/bits"

	"github.com/pkg/errors"
)

const (
	// Len is the identifier length in bytes.
	Len = 20
	// Bits is the identifier length in bits.
	Bits = Len * 8
)

var (
	ErrInvalidLength   = errors.New("identifier must be exactly 20 bytes")
	ErrNotAnIdentifier = errors.New("value is not a 160-bit unsigned identifier")
)

// ID is an unsigned 160-bit value stored little-endian: byte 0 holds the
// least significant bits. Comparison and arithmetic are defined on the
// numeric value. The zero value is the identifier 0.
type ID [Len]byte

// Zero is the identifier 0.
var Zero ID

// Max returns 2^160-1.
func Max() ID {
	var id ID
	for i := range id {
		id[i] = 0xff
	}
	return id
}

// FromBytes builds an identifier from its 20-byte little-endian form.
func FromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != Len {
		return id, errors.Wrapf(ErrInvalidLength, "got %d bytes", len(b))
	}
	copy(id[:], b)
	return id, nil
}

// MustFromBytes is like FromBytes but panics on a wrong-sized input.
func MustFromBytes(b []byte) ID {
	id, err := FromBytes(b)
	if err != nil {
		panic(err)
	}
	return id
}

// FromBig converts a non-negative integer below 2^160.
func FromBig(v *big.Int) (ID, error) {
	var id ID
	if v == nil || v.Sign() < 0 || v.BitLen() > Bits {
		return id, ErrNotAnIdentifier
	}
	be := v.Bytes()
	for i, b := range be {
		id[len(be)-1-i] = b
	}
	return id, nil
}

// FromUint64 returns the identifier with numeric value v.
func FromUint64(v uint64) ID {
	var id ID
	for i := 0; i < 8; i++ {
		id[i] = byte(v >> (8 * uint(i)))
	}
	return id
}

// FromHex parses the String form (most significant byte first).
func FromHex(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, errors.Wrap(ErrNotAnIdentifier, err.Error())
	}
	if len(b) != Len {
		return id, errors.Wrapf(ErrInvalidLength, "got %d bytes", len(b))
	}
	for i := range b {
		id[Len-1-i] = b[i]
	}
	return id, nil
}

// Random returns a uniformly distributed identifier.
func Random() ID {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		panic("kadid: reading random bytes: " + err.Error())
	}
	return id
}

// RandomInRange returns a random identifier whose highest set bit is
// prefixBit, i.e. a value in [2^prefixBit, 2^(prefixBit+1)). Relative to the
// zero identifier such values all land in the same distance band.
func RandomInRange(prefixBit int) ID {
	if prefixBit < 0 || prefixBit >= Bits {
		panic("kadid: prefix bit out of range")
	}
	id := Random()
	for i := Bits - 1; i > prefixBit; i-- {
		id = id.SetBit(i, 0)
	}
	return id.SetBit(prefixBit, 1)
}

// RandomWithPrefix returns a random identifier sharing the top n bits of prefix.
func RandomWithPrefix(prefix ID, n int) ID {
	id := Random()
	for i := Bits - 1; i >= Bits-n && i >= 0; i-- {
		id = id.SetBit(i, prefix.Bit(i))
	}
	return id
}

// Bytes returns a copy of the little-endian byte form.
func (id ID) Bytes() []byte {
	b := make([]byte, Len)
	copy(b, id[:])
	return b
}

// Big returns the numeric value.
func (id ID) Big() *big.Int {
	be := make([]byte, Len)
	for i := range id {
		be[Len-1-i] = id[i]
	}
	return new(big.Int).SetBytes(be)
}

// Xor returns id ^ o.
func (id ID) Xor(o ID) ID {
	var r ID
	for i := range id {
		r[i] = id[i] ^ o[i]
	}
	return r
}

// Compare returns -1, 0 or +1 as id is numerically less than, equal to or
// greater than o.
func (id ID) Compare(o ID) int {
	for i := Len - 1; i >= 0; i-- {
		if id[i] < o[i] {
			return -1
		} else if id[i] > o[i] {
			return 1
		}
	}
	return 0
}

// Less reports whether id < o.
func (id ID) Less(o ID) bool {
	return id.Compare(o) < 0
}

// Add returns (id + o) mod 2^160.
func (id ID) Add(o ID) ID {
	var r ID
	carry := uint16(0)
	for i := 0; i < Len; i++ {
		s := uint16(id[i]) + uint16(o[i]) + carry
		r[i] = byte(s)
		carry = s >> 8
	}
	return r
}

// IsZero reports whether id is 0.
func (id ID) IsZero() bool {
	return id == Zero
}

// Bit returns bit i, where bit 0 is the least significant.
func (id ID) Bit(i int) uint {
	return uint(id[i/8]>>(uint(i)%8)) & 1
}

// SetBit returns a copy of id with bit i set to v.
func (id ID) SetBit(i int, v uint) ID {
	mask := byte(1) << (uint(i) % 8)
	if v == 0 {
		id[i/8] &^= mask
	} else {
		id[i/8] |= mask
	}
	return id
}

// String returns the hex form, most significant byte first.
func (id ID) String() string {
	be := make([]byte, Len)
	for i := range id {
		be[Len-1-i] = id[i]
	}
	return hex.EncodeToString(be)
}

// TerminalString returns a shortened hex string for logging.
func (id ID) TerminalString() string {
	return id.String()[:8]
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	v, err := FromHex(string(text))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

// Distance returns the XOR distance between a and b.
func Distance(a, b ID) ID {
	return a.Xor(b)
}

// LogDist returns the logarithmic distance between a and b, the bit length
// of a ^ b. It is 0 iff a == b.
func LogDist(a, b ID) int {
	for i := Len - 1; i >= 0; i-- {
		x := a[i] ^ b[i]
		if x != 0 {
			return i*8 + 8 - bits.LeadingZeros8(x)
		}
	}
	return 0
}

// DistCmp compares the distances a->target and b->target.
// Returns -1 if a is closer to target, 1 if b is closer to target
// and 0 if they are equal.
func DistCmp(target, a, b ID) int {
	for i := Len - 1; i >= 0; i-- {
		da := a[i] ^ target[i]
		db := b[i] ^ target[i]
		if da > db {
			return 1
		} else if da < db {
			return -1
		}
	}
	return 0
}
