package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lianxiangcloud/linkdht/libs/dht/contact"
	"github.com/lianxiangcloud/linkdht/libs/dht/kadid"
)

func testContact(buckets ...string) *contact.Contact {
	c := contact.New(contact.NewMachineID(), kadid.Random(), 13500, net.ParseIP("192.168.1.7"), net.ParseIP("fe80::1"))
	for _, b := range buckets {
		c.TryAddBucketLocalName(b)
	}
	return c
}

func header(rid uint64) Header {
	return Header{RandomID: rid, Sender: testContact("photos")}
}

func allMessages() []Message {
	bare := contact.New(strings.Repeat("m", MaxASCIILen), kadid.Max(), 65535)
	return []Message{
		&LocalError{Header: header(1), Message: "no chunk source: ファイル"},
		&AllNodesRecognition{Header: Header{RandomID: 0xdeadbeefcafe}, MachineID: contact.NewMachineID(), ProtocolVersion: 3, TCPPort: 13500},
		&Acknowledge{Header: Header{RandomID: 2, Sender: testContact("docs", "音楽🎵")}},
		&Ping{Header: header(0)},
		&PingResponse{Header: header(^uint64(0))},
		&Store{Header: header(4), Key: kadid.Random(), Value: []byte("hello"), IsCached: true, TTLSeconds: 3600},
		&Store{Header: header(5), Key: kadid.Zero, Value: []byte{}},
		&StoreResponse{Header: header(6)},
		&FindNode{Header: header(7), Key: kadid.Random()},
		&FindNodeResponse{Header: header(8), Contacts: []*contact.Contact{}},
		&FindNodeResponse{Header: header(9), Contacts: []*contact.Contact{testContact(), bare, testContact("a", "b")}},
		&FindValue{Header: header(10), Key: kadid.Random()},
		&FindValueResponseWithValue{Header: header(11), Value: bytes.Repeat([]byte{7}, 1000)},
		&FindValueResponseWithCloseContacts{Header: header(12), Contacts: []*contact.Contact{testContact()}},
		&FindValueResponseWithCloseContacts{Header: header(13), Contacts: []*contact.Contact{}},
		&CheckFileExists{Header: header(14), Bucket: "photos", Path: "2019/été.jpg"},
		&CheckFileExistsResponse{Header: header(15), Exists: true, Size: 1 << 40},
		&DownloadChunk{Header: header(16), Bucket: "photos", Path: "a.bin", Ranges: []ChunkRange{{0, 4096}, {8192, 100}}},
		&DownloadChunk{Header: header(17), Bucket: "", Path: "", Ranges: []ChunkRange{}},
		&DownloadChunkResponse{Header: header(18), Chunks: []Chunk{{Offset: 0, Data: []byte("abc")}, {Offset: 9, Data: []byte{}}}},
	}
}

func TestRoundTrip(t *testing.T) {
	for _, m := range allMessages() {
		b, err := Encode(m)
		require.NoError(t, err, m.Op().String())
		assert.Equal(t, byte(m.Op()), b[0])
		assert.Equal(t, uint32(len(b)), binary.BigEndian.Uint32(b[1:5]), m.Op().String())

		got, err := Decode(b)
		require.NoError(t, err, m.Op().String())
		assert.Equal(t, m, got, m.Op().String())
	}
}

func TestTruncatedFramesFailWithEndOfStream(t *testing.T) {
	for _, m := range allMessages() {
		b, err := Encode(m)
		require.NoError(t, err)
		for i := 0; i < len(b); i++ {
			_, err := Decode(b[:i])
			require.Error(t, err)
			require.Equal(t, ErrEndOfStream, errors.Cause(err), "%s truncated to %d", m.Op(), i)
		}
	}
}

func TestTruncatedField(t *testing.T) {
	w := NewWriter(16)
	w.WriteUint32(10)
	w.buf = append(w.buf, 'a', 'b')

	r := NewReader(w.Bytes())
	assert.Nil(t, r.ReadBytes())
	assert.Equal(t, ErrEndOfStream, errors.Cause(r.Err()))

	// huge list counts must not allocate before failing
	r = NewReader([]byte{0xff, 0xff, 0xff, 0xff})
	assert.Nil(t, r.ReadContacts())
	assert.Equal(t, ErrEndOfStream, errors.Cause(r.Err()))
}

func TestASCIIValidation(t *testing.T) {
	w := NewWriter(300)
	w.WriteASCII(strings.Repeat("x", MaxASCIILen+1))
	assert.Equal(t, ErrInvalidData, errors.Cause(w.Err()))

	w = NewWriter(8)
	w.WriteASCII("caf\xc3\xa9")
	assert.Equal(t, ErrInvalidData, errors.Cause(w.Err()))

	m := &AllNodesRecognition{Header: Header{RandomID: 0x0102}, MachineID: "abc", TCPPort: 1}
	b, err := Encode(m)
	require.NoError(t, err)
	// opcode, length, 3 bytes of RandomID, then the machine id length byte
	require.Equal(t, byte(3), b[8])
	b[9] = 0xc3
	_, err = Decode(b)
	assert.Equal(t, ErrInvalidData, errors.Cause(err))
}

func TestUTF32Validation(t *testing.T) {
	w := NewWriter(8)
	w.WriteUTF32("bad \xff")
	assert.Equal(t, ErrEncoding, errors.Cause(w.Err()))

	r := NewReader([]byte{0, 0, 0, 4, 0x00, 0x11, 0x00, 0x00})
	assert.Equal(t, "", r.ReadUTF32())
	assert.Equal(t, ErrEncoding, errors.Cause(r.Err()))

	r = NewReader([]byte{0, 0, 0, 3, 0, 0, 0})
	r.ReadUTF32()
	assert.Equal(t, ErrEncoding, errors.Cause(r.Err()))

	w = NewWriter(8)
	w.WriteUTF32("é")
	assert.Equal(t, []byte{0, 0, 0, 4, 0, 0, 0, 0xe9}, w.Bytes())
}

func TestMalformedFrames(t *testing.T) {
	b, err := Encode(&Ping{Header: header(1)})
	require.NoError(t, err)

	_, err = Decode(append(append([]byte{}, b...), 0))
	assert.Equal(t, ErrMalformedMessage, errors.Cause(err))

	bad := append([]byte{}, b...)
	bad[0] = 200
	_, err = Decode(bad)
	assert.Equal(t, ErrMalformedMessage, errors.Cause(err))
	assert.Equal(t, ErrUnknownOpcode{Op: 200}, err)

	bad = append([]byte{}, b...)
	binary.BigEndian.PutUint32(bad[1:], 3)
	_, err = Decode(bad)
	assert.Equal(t, ErrMalformedMessage, errors.Cause(err))

	_, err = Encode(&Ping{})
	assert.Equal(t, ErrMissingSender, err)
}

func TestReadMessageStream(t *testing.T) {
	var buf bytes.Buffer
	ping := &Ping{Header: header(1)}
	find := &FindNode{Header: header(2), Key: kadid.Random()}
	require.NoError(t, WriteMessage(&buf, ping))
	require.NoError(t, WriteMessage(&buf, find))

	m, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, ping, m)
	m, err = ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, find, m)

	_, err = ReadMessage(&buf)
	assert.Equal(t, io.EOF, err)

	b, _ := Encode(ping)
	_, err = ReadMessage(bytes.NewReader(b[:len(b)-1]))
	assert.Equal(t, ErrEndOfStream, errors.Cause(err))

	huge := []byte{byte(OpPing), 0xff, 0xff, 0xff, 0xff}
	_, err = ReadMessage(bytes.NewReader(huge))
	assert.Equal(t, ErrMalformedMessage, errors.Cause(err))
}

func TestDownloadChunkClone(t *testing.T) {
	d := &DownloadChunk{Header: header(1), Bucket: "b", Path: "p", Ranges: []ChunkRange{{1, 2}}}
	cp := d.Clone()
	require.Equal(t, d, cp)

	cp.Ranges[0].Offset = 99
	cp.Sender.TryAddBucketLocalName("other")
	assert.Equal(t, uint64(1), d.Ranges[0].Offset)
	assert.False(t, d.Sender.HasBucket("other"))

	c := Chunk{Offset: 1, Data: []byte("xy")}
	cc := c.Clone()
	cc.Data[0] = 'z'
	assert.Equal(t, "xy", string(c.Data))
}

func TestOpcodeValues(t *testing.T) {
	assert.Equal(t, Op(0), OpLocalError)
	assert.Equal(t, Op(3), OpPing)
	assert.Equal(t, Op(15), OpDownloadChunkResponse)
	assert.True(t, OpFindValue.IsRequest())
	assert.False(t, OpAcknowledge.IsRequest())
	assert.Equal(t, "FindValueResponseWithCloseContacts", OpFindValueResponseWithCloseContacts.String())
}
