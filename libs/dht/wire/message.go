package wire

import (
	"github.com/lianxiangcloud/linkdht/libs/dht/contact"
	"github.com/lianxiangcloud/linkdht/libs/dht/kadid"
)

// Op is the one-byte operation code at the start of every frame.
type Op byte

// Operation codes. The values are part of the wire format.
const (
	OpLocalError Op = iota
	OpAllNodesRecognition
	OpAcknowledge
	OpPing
	OpPingResponse
	OpStore
	OpStoreResponse
	OpFindNode
	OpFindNodeResponse
	OpFindValue
	OpFindValueResponseWithValue
	OpFindValueResponseWithCloseContacts
	OpCheckFileExists
	OpCheckFileExistsResponse
	OpDownloadChunk
	OpDownloadChunkResponse

	opCount
)

var opNames = [...]string{
	OpLocalError:                         "LocalError",
	OpAllNodesRecognition:                "AllNodesRecognition",
	OpAcknowledge:                        "Acknowledge",
	OpPing:                               "Ping",
	OpPingResponse:                       "PingResponse",
	OpStore:                              "Store",
	OpStoreResponse:                      "StoreResponse",
	OpFindNode:                           "FindNode",
	OpFindNodeResponse:                   "FindNodeResponse",
	OpFindValue:                          "FindValue",
	OpFindValueResponseWithValue:         "FindValueResponseWithValue",
	OpFindValueResponseWithCloseContacts: "FindValueResponseWithCloseContacts",
	OpCheckFileExists:                    "CheckFileExists",
	OpCheckFileExistsResponse:            "CheckFileExistsResponse",
	OpDownloadChunk:                      "DownloadChunk",
	OpDownloadChunkResponse:              "DownloadChunkResponse",
}

func (op Op) String() string {
	if op < opCount {
		return opNames[op]
	}
	return "Unknown"
}

// IsRequest reports whether a message with this opcode expects a response.
func (op Op) IsRequest() bool {
	switch op {
	case OpPing, OpStore, OpFindNode, OpFindValue, OpCheckFileExists, OpDownloadChunk:
		return true
	}
	return false
}

// Message is one frame of the protocol.
type Message interface {
	Op() Op
	Head() *Header

	encode(w *Writer)
	decode(r *Reader)
}

// Header carries the correlation id and, on TCP messages, the sending
// contact. Responses echo the RandomID of their request.
type Header struct {
	RandomID uint64
	Sender   *contact.Contact
}

func (h *Header) Head() *Header { return h }

type (
	// LocalError reports that the peer failed to serve a request.
	LocalError struct {
		Header
		Message string
	}

	// AllNodesRecognition is the multicast discovery announcement. It has
	// no sender contact; receivers answer with Acknowledge over TCP.
	AllNodesRecognition struct {
		Header
		MachineID       string
		ProtocolVersion uint16
		TCPPort         uint16
	}

	// Acknowledge introduces the sender. It expects no response.
	Acknowledge struct{ Header }

	Ping         struct{ Header }
	PingResponse struct{ Header }

	Store struct {
		Header
		Key        kadid.ID
		Value      []byte
		IsCached   bool
		TTLSeconds uint32
	}
	StoreResponse struct{ Header }

	FindNode struct {
		Header
		Key kadid.ID
	}
	FindNodeResponse struct {
		Header
		Contacts []*contact.Contact
	}

	FindValue struct {
		Header
		Key kadid.ID
	}
	FindValueResponseWithValue struct {
		Header
		Value []byte
	}
	FindValueResponseWithCloseContacts struct {
		Header
		Contacts []*contact.Contact
	}

	CheckFileExists struct {
		Header
		Bucket string
		Path   string
	}
	CheckFileExistsResponse struct {
		Header
		Exists bool
		Size   uint64
	}

	DownloadChunk struct {
		Header
		Bucket string
		Path   string
		Ranges []ChunkRange
	}
	DownloadChunkResponse struct {
		Header
		Chunks []Chunk
	}
)

// ChunkRange is a byte range of a shared file.
type ChunkRange struct {
	Offset uint64
	Length uint32
}

// Chunk is file content starting at Offset.
type Chunk struct {
	Offset uint64
	Data   []byte
}

// Clone returns a copy that shares no backing arrays with d.
func (d *DownloadChunk) Clone() *DownloadChunk {
	cp := *d
	cp.Sender = d.Sender.Clone()
	cp.Ranges = append([]ChunkRange(nil), d.Ranges...)
	return &cp
}

// Clone returns a copy that shares no backing array with c.
func (c Chunk) Clone() Chunk {
	return Chunk{Offset: c.Offset, Data: append([]byte(nil), c.Data...)}
}

func (*LocalError) Op() Op                         { return OpLocalError }
func (*AllNodesRecognition) Op() Op                { return OpAllNodesRecognition }
func (*Acknowledge) Op() Op                        { return OpAcknowledge }
func (*Ping) Op() Op                               { return OpPing }
func (*PingResponse) Op() Op                       { return OpPingResponse }
func (*Store) Op() Op                              { return OpStore }
func (*StoreResponse) Op() Op                      { return OpStoreResponse }
func (*FindNode) Op() Op                           { return OpFindNode }
func (*FindNodeResponse) Op() Op                   { return OpFindNodeResponse }
func (*FindValue) Op() Op                          { return OpFindValue }
func (*FindValueResponseWithValue) Op() Op         { return OpFindValueResponseWithValue }
func (*FindValueResponseWithCloseContacts) Op() Op { return OpFindValueResponseWithCloseContacts }
func (*CheckFileExists) Op() Op                    { return OpCheckFileExists }
func (*CheckFileExistsResponse) Op() Op            { return OpCheckFileExistsResponse }
func (*DownloadChunk) Op() Op                      { return OpDownloadChunk }
func (*DownloadChunkResponse) Op() Op              { return OpDownloadChunkResponse }

func (m *LocalError) encode(w *Writer) { w.WriteUTF32(m.Message) }
func (m *LocalError) decode(r *Reader) { m.Message = r.ReadUTF32() }

func (m *AllNodesRecognition) encode(w *Writer) {
	w.WriteASCII(m.MachineID)
	w.WriteUint16(m.ProtocolVersion)
	w.WriteUint16(m.TCPPort)
}

func (m *AllNodesRecognition) decode(r *Reader) {
	m.MachineID = r.ReadASCII()
	m.ProtocolVersion = r.ReadUint16()
	m.TCPPort = r.ReadUint16()
}

func (*Acknowledge) encode(*Writer)   {}
func (*Acknowledge) decode(*Reader)   {}
func (*Ping) encode(*Writer)          {}
func (*Ping) decode(*Reader)          {}
func (*PingResponse) encode(*Writer)  {}
func (*PingResponse) decode(*Reader)  {}
func (*StoreResponse) encode(*Writer) {}
func (*StoreResponse) decode(*Reader) {}

func (m *Store) encode(w *Writer) {
	w.WriteID(m.Key)
	w.WriteBytes(m.Value)
	w.WriteBool(m.IsCached)
	w.WriteUint32(m.TTLSeconds)
}

func (m *Store) decode(r *Reader) {
	m.Key = r.ReadID()
	m.Value = r.ReadBytes()
	m.IsCached = r.ReadBool()
	m.TTLSeconds = r.ReadUint32()
}

func (m *FindNode) encode(w *Writer) { w.WriteID(m.Key) }
func (m *FindNode) decode(r *Reader) { m.Key = r.ReadID() }

func (m *FindNodeResponse) encode(w *Writer) { w.WriteContacts(m.Contacts) }
func (m *FindNodeResponse) decode(r *Reader) { m.Contacts = r.ReadContacts() }

func (m *FindValue) encode(w *Writer) { w.WriteID(m.Key) }
func (m *FindValue) decode(r *Reader) { m.Key = r.ReadID() }

func (m *FindValueResponseWithValue) encode(w *Writer) { w.WriteBytes(m.Value) }
func (m *FindValueResponseWithValue) decode(r *Reader) { m.Value = r.ReadBytes() }

func (m *FindValueResponseWithCloseContacts) encode(w *Writer) { w.WriteContacts(m.Contacts) }
func (m *FindValueResponseWithCloseContacts) decode(r *Reader) { m.Contacts = r.ReadContacts() }

func (m *CheckFileExists) encode(w *Writer) {
	w.WriteUTF32(m.Bucket)
	w.WriteUTF32(m.Path)
}

func (m *CheckFileExists) decode(r *Reader) {
	m.Bucket = r.ReadUTF32()
	m.Path = r.ReadUTF32()
}

func (m *CheckFileExistsResponse) encode(w *Writer) {
	w.WriteBool(m.Exists)
	w.WriteUint64(m.Size)
}

func (m *CheckFileExistsResponse) decode(r *Reader) {
	m.Exists = r.ReadBool()
	m.Size = r.ReadUint64()
}

func (m *DownloadChunk) encode(w *Writer) {
	w.WriteUTF32(m.Bucket)
	w.WriteUTF32(m.Path)
	w.WriteUint32(uint32(len(m.Ranges)))
	for _, rg := range m.Ranges {
		w.WriteUint64(rg.Offset)
		w.WriteUint32(rg.Length)
	}
}

func (m *DownloadChunk) decode(r *Reader) {
	m.Bucket = r.ReadUTF32()
	m.Path = r.ReadUTF32()
	n := r.readCount(12)
	m.Ranges = make([]ChunkRange, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		m.Ranges = append(m.Ranges, ChunkRange{Offset: r.ReadUint64(), Length: r.ReadUint32()})
	}
}

func (m *DownloadChunkResponse) encode(w *Writer) {
	w.WriteUint32(uint32(len(m.Chunks)))
	for _, c := range m.Chunks {
		w.WriteUint64(c.Offset)
		w.WriteBytes(c.Data)
	}
}

func (m *DownloadChunkResponse) decode(r *Reader) {
	n := r.readCount(12)
	m.Chunks = make([]Chunk, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		m.Chunks = append(m.Chunks, Chunk{Offset: r.ReadUint64(), Data: r.ReadBytes()})
	}
}

// New returns an empty message for op.
func New(op Op) (Message, error) {
	switch op {
	case OpLocalError:
		return new(LocalError), nil
	case OpAllNodesRecognition:
		return new(AllNodesRecognition), nil
	case OpAcknowledge:
		return new(Acknowledge), nil
	case OpPing:
		return new(Ping), nil
	case OpPingResponse:
		return new(PingResponse), nil
	case OpStore:
		return new(Store), nil
	case OpStoreResponse:
		return new(StoreResponse), nil
	case OpFindNode:
		return new(FindNode), nil
	case OpFindNodeResponse:
		return new(FindNodeResponse), nil
	case OpFindValue:
		return new(FindValue), nil
	case OpFindValueResponseWithValue:
		return new(FindValueResponseWithValue), nil
	case OpFindValueResponseWithCloseContacts:
		return new(FindValueResponseWithCloseContacts), nil
	case OpCheckFileExists:
		return new(CheckFileExists), nil
	case OpCheckFileExistsResponse:
		return new(CheckFileExistsResponse), nil
	case OpDownloadChunk:
		return new(DownloadChunk), nil
	case OpDownloadChunkResponse:
		return new(DownloadChunkResponse), nil
	}
	return nil, ErrUnknownOpcode{Op: op}
}
