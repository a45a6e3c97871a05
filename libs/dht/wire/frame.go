// Package wire implements the binary framing of the DHT protocol.
//
// A frame is laid out as
//
//	[opcode:1][messageLength:4][RandomID:1+N][sender contact][fields...]
//
// where messageLength counts the whole frame including the opcode and the
// length field itself. Integers are big-endian. The multicast
// AllNodesRecognition frame carries no sender contact.
package wire

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

const (
	headerSize = 5

	// MaxMessageSize bounds a frame read off a stream.
	MaxMessageSize = 16 << 20
)

func hasSender(op Op) bool {
	return op != OpAllNodesRecognition
}

// Encode serializes m into a single frame.
func Encode(m Message) ([]byte, error) {
	h := m.Head()
	if hasSender(m.Op()) && h.Sender == nil {
		return nil, ErrMissingSender
	}
	w := NewWriter(256)
	w.WriteByte(byte(m.Op()))
	w.WriteUint32(0)
	w.WriteRandomID(h.RandomID)
	if hasSender(m.Op()) {
		w.WriteContact(h.Sender)
	}
	m.encode(w)
	if err := w.Err(); err != nil {
		return nil, errors.Wrapf(err, "encode %s", m.Op())
	}
	if w.Len() > MaxMessageSize {
		return nil, errors.Wrapf(ErrMalformedMessage, "%s frame of %d bytes", m.Op(), w.Len())
	}
	w.PatchUint32(1, uint32(w.Len()))
	return w.Bytes(), nil
}

// Decode parses exactly one frame. A buffer shorter than the frame it
// declares fails with ErrEndOfStream.
func Decode(b []byte) (Message, error) {
	if len(b) < headerSize {
		return nil, errors.Wrapf(ErrEndOfStream, "frame header needs %d bytes, have %d", headerSize, len(b))
	}
	size := binary.BigEndian.Uint32(b[1:headerSize])
	switch {
	case size < headerSize || size > MaxMessageSize:
		return nil, errors.Wrapf(ErrMalformedMessage, "frame length %d", size)
	case uint64(size) > uint64(len(b)):
		return nil, errors.Wrapf(ErrEndOfStream, "frame declares %d bytes, have %d", size, len(b))
	case uint64(size) < uint64(len(b)):
		return nil, errors.Wrapf(ErrMalformedMessage, "%d trailing bytes", len(b)-int(size))
	}
	m, err := New(Op(b[0]))
	if err != nil {
		return nil, err
	}
	r := NewReader(b[headerSize:])
	h := m.Head()
	h.RandomID = r.ReadRandomID()
	if hasSender(m.Op()) {
		h.Sender = r.ReadContact()
	}
	m.decode(r)
	if err := r.Err(); err != nil {
		return nil, errors.Wrapf(err, "decode %s", m.Op())
	}
	if r.Remaining() != 0 {
		return nil, errors.Wrapf(ErrMalformedMessage, "%s has %d unread bytes", m.Op(), r.Remaining())
	}
	return m, nil
}

// ReadMessage reads one frame from r. io.EOF is returned unchanged when the
// stream ends cleanly before a frame starts.
func ReadMessage(r io.Reader) (Message, error) {
	var head [headerSize]byte
	if _, err := io.ReadFull(r, head[:1]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, head[1:]); err != nil {
		return nil, streamErr(err)
	}
	size := binary.BigEndian.Uint32(head[1:])
	if size < headerSize || size > MaxMessageSize {
		return nil, errors.Wrapf(ErrMalformedMessage, "frame length %d", size)
	}
	buf := make([]byte, size)
	copy(buf, head[:])
	if _, err := io.ReadFull(r, buf[headerSize:]); err != nil {
		return nil, streamErr(err)
	}
	return Decode(buf)
}

// WriteMessage encodes m and writes it to w.
func WriteMessage(w io.Writer, m Message) error {
	b, err := Encode(m)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func streamErr(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return errors.Wrap(ErrEndOfStream, "truncated frame")
	}
	return err
}
