package wire

import (
	"encoding/binary"
	"math/big"
	"net"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/lianxiangcloud/linkdht/libs/dht/contact"
	"github.com/lianxiangcloud/linkdht/libs/dht/kadid"
)

const (
	// MaxASCIILen is the longest string the 1-byte length prefix can carry.
	MaxASCIILen = 255

	// TimeLayout is the fixed-format text encoding of Contact.LastSeen (UTC).
	TimeLayout = "2006-01-02 15:04:05.000"
)

// Writer appends big-endian encoded fields to a byte slice. The first
// encoding error sticks and turns every further write into a no-op.
type Writer struct {
	buf []byte
	err error
}

// NewWriter returns a Writer with room for size bytes.
func NewWriter(size int) *Writer {
	return &Writer{buf: make([]byte, 0, size)}
}

// Bytes returns the encoded data.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the number of bytes written.
func (w *Writer) Len() int { return len(w.buf) }

// Err returns the first error encountered.
func (w *Writer) Err() error { return w.err }

func (w *Writer) fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

func (w *Writer) WriteByte(b byte) error {
	if w.err == nil {
		w.buf = append(w.buf, b)
	}
	return w.err
}

func (w *Writer) WriteBool(v bool) {
	if v {
		w.WriteByte(1)
	} else {
		w.WriteByte(0)
	}
}

func (w *Writer) WriteUint16(v uint16) {
	if w.err == nil {
		w.buf = append(w.buf, byte(v>>8), byte(v))
	}
}

func (w *Writer) WriteUint32(v uint32) {
	if w.err == nil {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], v)
		w.buf = append(w.buf, b[:]...)
	}
}

func (w *Writer) WriteUint64(v uint64) {
	if w.err == nil {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], v)
		w.buf = append(w.buf, b[:]...)
	}
}

// PatchUint32 overwrites 4 bytes at offset with v.
func (w *Writer) PatchUint32(offset int, v uint32) {
	if w.err == nil {
		binary.BigEndian.PutUint32(w.buf[offset:offset+4], v)
	}
}

// WriteBytes writes a 4-byte length followed by b.
func (w *Writer) WriteBytes(b []byte) {
	w.WriteUint32(uint32(len(b)))
	if w.err == nil {
		w.buf = append(w.buf, b...)
	}
}

// WriteASCII writes a 1-byte length followed by s. s must be ASCII and at
// most MaxASCIILen bytes long.
func (w *Writer) WriteASCII(s string) {
	if len(s) > MaxASCIILen {
		w.fail(errors.Wrapf(ErrInvalidData, "ascii string of %d bytes", len(s)))
		return
	}
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7f {
			w.fail(errors.Wrapf(ErrInvalidData, "non-ascii byte at %d", i))
			return
		}
	}
	w.WriteByte(byte(len(s)))
	if w.err == nil {
		w.buf = append(w.buf, s...)
	}
}

// WriteUTF32 writes s as UTF-32BE preceded by its 4-byte byte length.
func (w *Writer) WriteUTF32(s string) {
	if !utf8.ValidString(s) {
		w.fail(errors.Wrap(ErrEncoding, "string is not valid utf-8"))
		return
	}
	w.WriteUint32(uint32(4 * utf8.RuneCountInString(s)))
	for _, r := range s {
		w.WriteUint32(uint32(r))
	}
}

// WriteBigInt writes a non-negative integer as a 1-byte length followed by
// its minimal big-endian magnitude.
func (w *Writer) WriteBigInt(v *big.Int) {
	if v.Sign() < 0 {
		w.fail(errors.Wrap(ErrInvalidData, "negative integer"))
		return
	}
	mag := v.Bytes()
	if len(mag) > 0xff {
		w.fail(errors.Wrap(ErrInvalidData, "integer too large"))
		return
	}
	w.WriteByte(byte(len(mag)))
	if w.err == nil {
		w.buf = append(w.buf, mag...)
	}
}

func (w *Writer) WriteRandomID(v uint64) {
	w.WriteBigInt(new(big.Int).SetUint64(v))
}

func (w *Writer) WriteID(id kadid.ID) {
	w.WriteBigInt(id.Big())
}

func (w *Writer) WriteTime(t time.Time) {
	w.WriteASCII(t.UTC().Format(TimeLayout))
}

func (w *Writer) WriteContact(c *contact.Contact) {
	if c == nil {
		w.fail(errors.Wrap(ErrInvalidData, "nil contact"))
		return
	}
	w.WriteASCII(c.MachineID)
	w.WriteID(c.ID)
	w.WriteUint16(c.TCPPort)
	w.WriteTime(c.LastSeen)
	w.WriteUint32(uint32(len(c.Addresses)))
	for _, ip := range c.Addresses {
		w.WriteASCII(ip.String())
	}
	w.WriteUint32(uint32(len(c.Buckets)))
	for _, b := range c.Buckets {
		w.WriteUTF32(b)
	}
}

func (w *Writer) WriteContacts(cs []*contact.Contact) {
	w.WriteUint32(uint32(len(cs)))
	for _, c := range cs {
		w.WriteContact(c)
	}
}

// Reader decodes fields written by Writer. Reading past the end of the
// buffer yields ErrEndOfStream; like Writer the first error sticks.
type Reader struct {
	buf []byte
	off int
	err error
}

func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Err returns the first error encountered.
func (r *Reader) Err() error { return r.err }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

func (r *Reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *Reader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.Remaining() < n {
		r.fail(errors.Wrapf(ErrEndOfStream, "need %d bytes, have %d", n, r.Remaining()))
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *Reader) ReadByte() (byte, error) {
	b := r.next(1)
	if b == nil {
		return 0, r.err
	}
	return b[0], nil
}

func (r *Reader) ReadBool() bool {
	b, err := r.ReadByte()
	if err != nil {
		return false
	}
	if b > 1 {
		r.fail(errors.Wrapf(ErrInvalidData, "bool byte %#x", b))
		return false
	}
	return b == 1
}

func (r *Reader) ReadUint16() uint16 {
	b := r.next(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *Reader) ReadUint32() uint32 {
	b := r.next(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *Reader) ReadUint64() uint64 {
	b := r.next(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// ReadBytes reads a 4-byte length prefixed payload into a fresh slice.
func (r *Reader) ReadBytes() []byte {
	n := r.ReadUint32()
	b := r.next(int(n))
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}

func (r *Reader) ReadASCII() string {
	n, err := r.ReadByte()
	if err != nil {
		return ""
	}
	b := r.next(int(n))
	for i, c := range b {
		if c > 0x7f {
			r.fail(errors.Wrapf(ErrInvalidData, "non-ascii byte at %d", i))
			return ""
		}
	}
	return string(b)
}

func (r *Reader) ReadUTF32() string {
	n := r.ReadUint32()
	if r.err != nil {
		return ""
	}
	if n%4 != 0 {
		r.fail(errors.Wrapf(ErrEncoding, "utf-32 length %d", n))
		return ""
	}
	b := r.next(int(n))
	if b == nil {
		return ""
	}
	runes := make([]rune, 0, n/4)
	for i := 0; i < len(b); i += 4 {
		cp := rune(binary.BigEndian.Uint32(b[i:]))
		if !utf8.ValidRune(cp) {
			r.fail(errors.Wrapf(ErrEncoding, "invalid code point %#x", uint32(cp)))
			return ""
		}
		runes = append(runes, cp)
	}
	return string(runes)
}

func (r *Reader) ReadBigInt() *big.Int {
	n, err := r.ReadByte()
	if err != nil {
		return new(big.Int)
	}
	b := r.next(int(n))
	return new(big.Int).SetBytes(b)
}

func (r *Reader) ReadRandomID() uint64 {
	v := r.ReadBigInt()
	if v.BitLen() > 64 {
		r.fail(errors.Wrap(ErrInvalidData, "random id wider than 64 bits"))
		return 0
	}
	return v.Uint64()
}

func (r *Reader) ReadID() kadid.ID {
	id, err := kadid.FromBig(r.ReadBigInt())
	if err != nil {
		r.fail(errors.Wrap(ErrInvalidData, err.Error()))
	}
	return id
}

func (r *Reader) ReadTime() time.Time {
	s := r.ReadASCII()
	if r.err != nil {
		return time.Time{}
	}
	t, err := time.ParseInLocation(TimeLayout, s, time.UTC)
	if err != nil {
		r.fail(errors.Wrap(ErrInvalidData, err.Error()))
	}
	return t
}

// readCount reads a list length and rejects counts that cannot fit in the
// remaining input, each element taking at least min bytes.
func (r *Reader) readCount(min int) int {
	n := r.ReadUint32()
	if r.err != nil {
		return 0
	}
	if uint64(n)*uint64(min) > uint64(r.Remaining()) {
		r.fail(errors.Wrapf(ErrEndOfStream, "list of %d elements", n))
		return 0
	}
	return int(n)
}

func (r *Reader) ReadContact() *contact.Contact {
	c := &contact.Contact{}
	c.MachineID = r.ReadASCII()
	c.ID = r.ReadID()
	c.TCPPort = r.ReadUint16()
	c.LastSeen = r.ReadTime()
	n := r.readCount(1)
	if n > 0 {
		c.Addresses = make([]net.IP, 0, n)
	}
	for i := 0; i < n && r.err == nil; i++ {
		s := r.ReadASCII()
		ip := net.ParseIP(s)
		if ip == nil && r.err == nil {
			r.fail(errors.Wrapf(ErrInvalidData, "bad address %q", s))
		}
		c.Addresses = append(c.Addresses, ip)
	}
	n = r.readCount(4)
	if n > 0 {
		c.Buckets = make([]string, 0, n)
	}
	for i := 0; i < n && r.err == nil; i++ {
		c.Buckets = append(c.Buckets, r.ReadUTF32())
	}
	if r.err != nil {
		return nil
	}
	return c
}

func (r *Reader) ReadContacts() []*contact.Contact {
	n := r.readCount(1)
	cs := make([]*contact.Contact, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		cs = append(cs, r.ReadContact())
	}
	if r.err != nil {
		return nil
	}
	return cs
}
