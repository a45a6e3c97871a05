package transport

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lianxiangcloud/linkdht/libs/dht/connpool"
	"github.com/lianxiangcloud/linkdht/libs/dht/contact"
	"github.com/lianxiangcloud/linkdht/libs/dht/kadid"
	"github.com/lianxiangcloud/linkdht/libs/dht/wire"
	"github.com/lianxiangcloud/linkdht/libs/log"
)

type testHandler struct {
	self *contact.Contact

	mtx      sync.Mutex
	received []wire.Message
	delay    time.Duration
}

func (h *testHandler) Self() *contact.Contact { return h.self }

func (h *testHandler) HandleMessage(ctx context.Context, from net.Addr, m wire.Message) (wire.Message, error) {
	h.mtx.Lock()
	h.received = append(h.received, m)
	delay := h.delay
	h.mtx.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	switch req := m.(type) {
	case *wire.Ping:
		return &wire.PingResponse{}, nil
	case *wire.FindValue:
		return &wire.FindValueResponseWithValue{Value: req.Key.Bytes()}, nil
	case *wire.Acknowledge:
		return nil, nil
	}
	return nil, errors.Errorf("unsupported %s", m.Op())
}

func (h *testHandler) setDelay(d time.Duration) {
	h.mtx.Lock()
	h.delay = d
	h.mtx.Unlock()
}

func (h *testHandler) count(op wire.Op) int {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	n := 0
	for _, m := range h.received {
		if m.Op() == op {
			n++
		}
	}
	return n
}

type fixture struct {
	server  *Server
	handler *testHandler
	pool    *connpool.Pool
	client  *Client
	peer    *contact.Contact
}

func newFixture(t *testing.T, cfg ClientConfig) *fixture {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := uint16(ln.Addr().(*net.TCPAddr).Port)

	h := &testHandler{self: contact.New("server", kadid.Random(), port, net.ParseIP("127.0.0.1"))}
	srv := NewServer(DefaultServerConfig(), ln, h, log.Test())
	require.NoError(t, srv.Start())

	pool := connpool.NewPool(connpool.DefaultConfig(), log.Test())
	local := contact.New("client", kadid.Random(), 1, net.ParseIP("127.0.0.1"))
	client := NewClient(cfg, pool, func() *contact.Contact { return local }, log.Test())
	return &fixture{server: srv, handler: h, pool: pool, client: client, peer: h.self.Clone()}
}

func (f *fixture) stop() {
	f.server.Stop()
	f.pool.Start()
	f.pool.Stop()
}

func TestCallEchoesRandomID(t *testing.T) {
	defer leaktest.Check(t)()
	f := newFixture(t, DefaultClientConfig())
	defer f.stop()

	req := &wire.Ping{}
	resp, err := f.client.Call(context.Background(), f.peer, req)
	require.NoError(t, err)
	require.IsType(t, &wire.PingResponse{}, resp)
	assert.NotZero(t, req.RandomID)
	assert.Equal(t, req.RandomID, resp.Head().RandomID)
	assert.Equal(t, "server", resp.Head().Sender.MachineID)

	// the second call reuses the pooled socket
	key := kadid.Random()
	resp, err = f.client.Call(context.Background(), f.peer, &wire.FindValue{Key: key})
	require.NoError(t, err)
	assert.Equal(t, key.Bytes(), resp.(*wire.FindValueResponseWithValue).Value)
	assert.Equal(t, 1, f.pool.Idle(f.peer.Endpoints()[0]))
}

func TestCallRemoteError(t *testing.T) {
	defer leaktest.Check(t)()
	f := newFixture(t, DefaultClientConfig())
	defer f.stop()

	_, err := f.client.Call(context.Background(), f.peer, &wire.Store{Key: kadid.Random()})
	require.Error(t, err)
	re, ok := err.(RemoteError)
	require.True(t, ok, "%v", err)
	assert.Contains(t, re.Msg, "unsupported Store")
}

func TestCallTimeout(t *testing.T) {
	defer leaktest.Check(t)()
	cfg := DefaultClientConfig()
	cfg.ReceiveTimeout = 50 * time.Millisecond
	f := newFixture(t, cfg)
	defer f.stop()
	f.handler.setDelay(200 * time.Millisecond)

	_, err := f.client.Call(context.Background(), f.peer, &wire.Ping{})
	assert.Equal(t, ErrTimeout, errors.Cause(err))
	assert.Equal(t, 0, f.pool.Idle(f.peer.Endpoints()[0]))
}

func TestCallFallsBackToNextAddress(t *testing.T) {
	defer leaktest.Check(t)()
	cfg := DefaultClientConfig()
	cfg.ConnectTimeout = 200 * time.Millisecond
	f := newFixture(t, cfg)
	defer f.stop()

	peer := contact.New("server", f.peer.ID, f.peer.TCPPort, net.ParseIP("127.0.0.2"), net.ParseIP("127.0.0.1"))
	// nothing listens on 127.0.0.2 at that port
	_, err := f.client.Call(context.Background(), peer, &wire.Ping{})
	assert.NoError(t, err)

	_, err = f.client.Call(context.Background(), contact.New("x", kadid.Random(), 1), &wire.Ping{})
	assert.Equal(t, ErrNoAddress, err)
}

func TestDuplicateSuppressed(t *testing.T) {
	defer leaktest.Check(t)()
	f := newFixture(t, DefaultClientConfig())
	defer f.stop()

	ack := &wire.Acknowledge{Header: wire.Header{RandomID: 42}}
	require.NoError(t, f.client.Send(context.Background(), f.peer, ack))
	require.NoError(t, f.client.Send(context.Background(), f.peer, ack))
	// a ping on the same socket flushes the acknowledges through the server
	_, err := f.client.Call(context.Background(), f.peer, &wire.Ping{})
	require.NoError(t, err)
	assert.Equal(t, 1, f.handler.count(wire.OpAcknowledge))
}

func TestMalformedFrameDropsConnection(t *testing.T) {
	defer leaktest.Check(t)()
	f := newFixture(t, DefaultClientConfig())
	defer f.stop()

	conn, err := net.Dial("tcp", f.peer.Endpoints()[0])
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte{byte(wire.OpPing), 0, 0, 0, 1})
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var buf [1]byte
	_, err = conn.Read(buf[:])
	assert.Error(t, err)

	// the server keeps serving other connections
	_, err = f.client.Call(context.Background(), f.peer, &wire.Ping{})
	assert.NoError(t, err)
}

func TestUnsolicitedReplyDiscarded(t *testing.T) {
	defer leaktest.Check(t)()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	server := contact.New("raw", kadid.Random(), uint16(ln.Addr().(*net.TCPAddr).Port), net.ParseIP("127.0.0.1"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		req, err := wire.ReadMessage(conn)
		if err != nil {
			return
		}
		stale := &wire.PingResponse{Header: wire.Header{RandomID: req.Head().RandomID + 1, Sender: server}}
		fresh := &wire.PingResponse{Header: wire.Header{RandomID: req.Head().RandomID, Sender: server}}
		wire.WriteMessage(conn, stale)
		wire.WriteMessage(conn, fresh)
		wire.ReadMessage(conn)
	}()

	pool := connpool.NewPool(connpool.DefaultConfig(), log.Test())
	local := contact.New("client", kadid.Random(), 1)
	client := NewClient(DefaultClientConfig(), pool, func() *contact.Contact { return local }, log.Test())

	req := &wire.Ping{}
	resp, err := client.Call(context.Background(), server, req)
	require.NoError(t, err)
	assert.Equal(t, req.RandomID, resp.Head().RandomID)

	pool.Start()
	pool.Stop()
	<-done
}

func TestDedupWindow(t *testing.T) {
	d := NewDedup(16, time.Second)
	now := time.Now()
	d.now = func() time.Time { return now }

	m := &wire.Ping{Header: wire.Header{RandomID: 7, Sender: contact.New("a", kadid.Random(), 1)}}
	assert.False(t, d.Seen(m))
	assert.True(t, d.Seen(m))

	other := &wire.Ping{Header: wire.Header{RandomID: 7, Sender: contact.New("b", kadid.Random(), 1)}}
	assert.False(t, d.Seen(other))

	now = now.Add(2 * time.Second)
	assert.False(t, d.Seen(m))

	var disabled *Dedup
	assert.False(t, disabled.Seen(m))
}
