package kad

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	cmn "github.com/lianxiangcloud/linkdht/libs/common"
	"github.com/lianxiangcloud/linkdht/libs/dht/contact"
	"github.com/lianxiangcloud/linkdht/libs/dht/routing"
	"github.com/lianxiangcloud/linkdht/libs/dht/transport"
	"github.com/lianxiangcloud/linkdht/libs/dht/wire"
	"github.com/lianxiangcloud/linkdht/libs/log"
)

// Node is the server side of the protocol. It owns the local contact and
// the routing table, and every inbound message passes through it.
type Node struct {
	cmn.BaseService

	mtx    sync.RWMutex
	self   *contact.Contact
	chunks ChunkSource

	table   *routing.Table
	store   ValueStore
	metrics *Metrics
	server  *transport.Server
}

var _ transport.Handler = (*Node)(nil)

// NewNode returns a node serving table and store.
func NewNode(self *contact.Contact, table *routing.Table, store ValueStore, logger log.Logger) *Node {
	n := &Node{
		self:    self.Clone(),
		table:   table,
		store:   store,
		metrics: NopMetrics(),
	}
	n.BaseService = *cmn.NewBaseService(logger, "DHTNode", n)
	return n
}

// Listen makes the node serve TCP on start. ln may be nil to bind
// cfg.ListenAddr.
func (n *Node) Listen(cfg transport.ServerConfig, ln net.Listener) {
	n.server = transport.NewServer(cfg, ln, n, n.Logger.With("module", "dht-server"))
}

// Addr returns the bound server address, nil when not listening.
func (n *Node) Addr() net.Addr {
	if n.server == nil {
		return nil
	}
	return n.server.Addr()
}

func (n *Node) OnStart() error {
	if n.server != nil {
		return n.server.Start()
	}
	return nil
}

func (n *Node) OnStop() {
	if n.server != nil {
		n.server.Stop()
	}
}

func (n *Node) SetChunkSource(cs ChunkSource) {
	n.mtx.Lock()
	n.chunks = cs
	n.mtx.Unlock()
}

func (n *Node) SetMetrics(m *Metrics) {
	n.metrics = m
}

func (n *Node) Table() *routing.Table {
	return n.table
}

// Self implements transport.Handler.
func (n *Node) Self() *contact.Contact {
	n.mtx.RLock()
	defer n.mtx.RUnlock()
	return n.self.Clone()
}

// AddLocalBucket advertises that this node holds bucket name.
func (n *Node) AddLocalBucket(name string) bool {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.self.TryAddBucketLocalName(name)
}

func (n *Node) ClearAllLocalBuckets() {
	n.mtx.Lock()
	n.self.ClearAllLocalBuckets()
	n.mtx.Unlock()
}

// AddAddress adds an address under which this node is reachable.
func (n *Node) AddAddress(ip net.IP) bool {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.self.TryAddIPAddress(ip)
}

// SetTCPPort records the bound port when listening on port 0.
func (n *Node) SetTCPPort(port uint16) {
	n.mtx.Lock()
	n.self.TCPPort = port
	n.mtx.Unlock()
}

// observe adds the sender of an inbound message to the routing table, with
// the address the message came from.
func (n *Node) observe(ctx context.Context, from net.Addr, sender *contact.Contact) {
	c := sender.Clone()
	if tcp, ok := from.(*net.TCPAddr); ok {
		c.TryAddIPAddress(tcp.IP)
	}
	c.LastSeen = time.Now().UTC().Truncate(time.Millisecond)
	n.table.AddContact(ctx, c)
	n.metrics.Contacts.Set(float64(n.table.Len()))
}

// HandleMessage implements transport.Handler.
func (n *Node) HandleMessage(ctx context.Context, from net.Addr, m wire.Message) (wire.Message, error) {
	n.metrics.Inbound.With("op", m.Op().String()).Add(1)

	sender := m.Head().Sender
	if sender == nil {
		return nil, wire.ErrMissingSender
	}
	if err := sender.Validate(); err != nil {
		return nil, errors.Wrap(ErrInvalidArgument, err.Error())
	}
	n.observe(ctx, from, sender)

	switch req := m.(type) {
	case *wire.Ping:
		return &wire.PingResponse{}, nil

	case *wire.Acknowledge:
		return nil, nil

	case *wire.Store:
		n.store.Put(req.Key, req.Value, sender.MachineID, time.Duration(req.TTLSeconds)*time.Second, req.IsCached)
		return &wire.StoreResponse{}, nil

	case *wire.FindNode:
		return &wire.FindNodeResponse{Contacts: n.table.GetCloseContacts(req.Key, sender.ID)}, nil

	case *wire.FindValue:
		if v, ok := n.store.Get(req.Key); ok {
			return &wire.FindValueResponseWithValue{Value: v}, nil
		}
		return &wire.FindValueResponseWithCloseContacts{Contacts: n.table.GetCloseContacts(req.Key, sender.ID)}, nil

	case *wire.CheckFileExists:
		cs := n.chunkSource()
		if cs == nil {
			return nil, ErrNoChunkSource
		}
		exists, size, err := cs.Stat(req.Bucket, req.Path)
		if err != nil {
			return nil, err
		}
		return &wire.CheckFileExistsResponse{Exists: exists, Size: size}, nil

	case *wire.DownloadChunk:
		cs := n.chunkSource()
		if cs == nil {
			return nil, ErrNoChunkSource
		}
		chunks, err := cs.ReadChunks(req.Bucket, req.Path, req.Ranges)
		if err != nil {
			return nil, err
		}
		return &wire.DownloadChunkResponse{Chunks: chunks}, nil
	}
	return nil, errors.Wrapf(ErrUnexpectedReply, "op %s", m.Op())
}

func (n *Node) chunkSource() ChunkSource {
	n.mtx.RLock()
	defer n.mtx.RUnlock()
	return n.chunks
}
