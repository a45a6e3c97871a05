package kad

import (
	"bytes"
	"context"
	"io/ioutil"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/golang/mock/gomock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lianxiangcloud/linkdht/libs/dht/contact"
	"github.com/lianxiangcloud/linkdht/libs/dht/kadid"
	"github.com/lianxiangcloud/linkdht/libs/dht/transport"
	"github.com/lianxiangcloud/linkdht/libs/dht/wire"
	"github.com/lianxiangcloud/linkdht/libs/log"
)

func testDhtConfig() Config {
	cfg := DefaultConfig()
	cfg.K = 4
	cfg.Alpha = 2
	cfg.MaxThreads = 4
	cfg.ResponseWait = 50 * time.Millisecond
	cfg.QueryTimeout = 2 * time.Second
	return cfg
}

func startMockDht(t *testing.T, tr Transport) *Dht {
	d, err := NewDht(testDhtConfig(), testContact("self", 1000), tr, log.Test())
	require.NoError(t, err)
	require.NoError(t, d.Start())
	return d
}

func TestNewDhtValidates(t *testing.T) {
	cfg := testDhtConfig()
	cfg.MaxThreads = 1
	_, err := NewDht(cfg, testContact("self", 1), nil, nil)
	assert.Error(t, err)

	bad := testContact("self", 1)
	bad.MachineID = ""
	_, err = NewDht(testDhtConfig(), bad, nil, nil)
	assert.Equal(t, ErrInvalidArgument, errors.Cause(err))
}

func TestBootstrapPingsSeedsAndLooksUpSelf(t *testing.T) {
	defer leaktest.Check(t)()
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	tr := NewMockTransport(ctrl)
	d := startMockDht(t, tr)
	defer d.Stop()

	seed := testContact("seed", 5)
	tr.EXPECT().CallEndpoint(gomock.Any(), "10.0.0.9:20005", gomock.Any()).
		Return(&wire.PingResponse{Header: wire.Header{Sender: seed}}, nil)
	tr.EXPECT().CallEndpoint(gomock.Any(), "10.0.0.10:20006", gomock.Any()).
		Return(nil, transport.ErrTimeout)
	tr.EXPECT().Call(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, to *contact.Contact, req wire.Message) (wire.Message, error) {
			assert.Equal(t, "seed", to.MachineID)
			fn, ok := req.(*wire.FindNode)
			require.True(t, ok)
			assert.Equal(t, d.Self().ID, fn.Key)
			return &wire.FindNodeResponse{}, nil
		})

	require.NoError(t, d.Bootstrap(context.Background(), []string{"10.0.0.9:20005", "10.0.0.10:20006"}))

	known := d.Table().Contact("seed")
	require.NotNil(t, known)
	assert.Contains(t, known.Endpoints(), "10.0.0.9:20005")
}

func TestBootstrapWithoutSeeds(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	tr := NewMockTransport(ctrl)
	d := startMockDht(t, tr)
	defer d.Stop()

	tr.EXPECT().CallEndpoint(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, transport.ErrTimeout).Times(2)
	err := d.Bootstrap(context.Background(), []string{"10.0.0.1:1", "10.0.0.2:2"})
	assert.Equal(t, ErrNoSeeds, err)
	assert.Equal(t, ErrNoSeeds, d.Bootstrap(context.Background(), nil))
}

func TestStoreRejectsInvalidArguments(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	d := startMockDht(t, NewMockTransport(ctrl))
	defer d.Stop()

	key := kadid.FromUint64(3)
	_, err := d.Store(context.Background(), key, nil, 0)
	assert.Equal(t, ErrInvalidArgument, errors.Cause(err))
	_, err = d.Store(context.Background(), key, make([]byte, MaxValueSize+1), 0)
	assert.Equal(t, ErrInvalidArgument, errors.Cause(err))
	_, err = d.Store(context.Background(), key, []byte("v"), -time.Second)
	assert.Equal(t, ErrInvalidArgument, errors.Cause(err))

	_, ok := d.store.Get(key)
	assert.False(t, ok)
}

func TestStoreReplicatesToClosest(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	tr := NewMockTransport(ctrl)
	d := startMockDht(t, tr)
	defer d.Stop()

	for i := uint64(1); i <= 2; i++ {
		require.True(t, d.Table().AddContact(context.Background(), testContact(machineOf(i), i)))
	}
	var (
		mtx    sync.Mutex
		stored []string
	)
	tr.EXPECT().Call(gomock.Any(), gomock.Any(), gomock.Any()).AnyTimes().
		DoAndReturn(func(ctx context.Context, to *contact.Contact, req wire.Message) (wire.Message, error) {
			switch r := req.(type) {
			case *wire.FindNode:
				return &wire.FindNodeResponse{}, nil
			case *wire.Store:
				assert.False(t, r.IsCached)
				assert.Equal(t, uint32(30), r.TTLSeconds)
				mtx.Lock()
				stored = append(stored, to.MachineID)
				mtx.Unlock()
				return &wire.StoreResponse{}, nil
			}
			return nil, errors.New("unexpected request")
		})

	key := kadid.FromUint64(1)
	n, err := d.Store(context.Background(), key, []byte("value"), 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{machineOf(1), machineOf(2)}, stored)

	res, err := d.FindValue(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), res.Value)
	assert.Equal(t, "self", res.FoundBy.MachineID)
}

func TestStoreRoundsTTLUpToSeconds(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	tr := NewMockTransport(ctrl)
	d := startMockDht(t, tr)
	defer d.Stop()

	require.True(t, d.Table().AddContact(context.Background(), testContact(machineOf(1), 1)))
	var ttls []uint32
	tr.EXPECT().Call(gomock.Any(), gomock.Any(), gomock.Any()).AnyTimes().
		DoAndReturn(func(ctx context.Context, to *contact.Contact, req wire.Message) (wire.Message, error) {
			switch r := req.(type) {
			case *wire.FindNode:
				return &wire.FindNodeResponse{}, nil
			case *wire.Store:
				ttls = append(ttls, r.TTLSeconds)
				return &wire.StoreResponse{}, nil
			}
			return nil, errors.New("unexpected request")
		})

	_, err := d.Store(context.Background(), kadid.FromUint64(2), []byte("v"), 500*time.Millisecond)
	require.NoError(t, err)
	_, err = d.Store(context.Background(), kadid.FromUint64(3), []byte("v"), 1500*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2}, ttls)

	assert.Equal(t, uint32(0), ttlSeconds(0))
	assert.Equal(t, uint32(1), ttlSeconds(time.Nanosecond))
	assert.Equal(t, uint32(30), ttlSeconds(30*time.Second))
}

func TestStoreFailsWhenNoPeerAccepts(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	tr := NewMockTransport(ctrl)
	d := startMockDht(t, tr)
	defer d.Stop()

	require.True(t, d.Table().AddContact(context.Background(), testContact(machineOf(1), 1)))
	tr.EXPECT().Call(gomock.Any(), gomock.Any(), gomock.AssignableToTypeOf(&wire.FindNode{})).
		Return(&wire.FindNodeResponse{}, nil)
	tr.EXPECT().Call(gomock.Any(), gomock.Any(), gomock.AssignableToTypeOf(&wire.Store{})).
		Return(nil, transport.ErrTimeout)

	_, err := d.Store(context.Background(), kadid.FromUint64(1), []byte("v"), 0)
	assert.Equal(t, ErrStoreFailed, err)
	assert.Equal(t, 1, d.errs.Errors(machineOf(1)))
}

func TestFindValueCachesAtClosestNonHolder(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	tr := NewMockTransport(ctrl)
	d := startMockDht(t, tr)
	defer d.Stop()

	holder, other := testContact(machineOf(1), 1), testContact(machineOf(2), 2)
	require.True(t, d.Table().AddContact(context.Background(), holder))
	require.True(t, d.Table().AddContact(context.Background(), other))

	var (
		mtx    sync.Mutex
		cached []*wire.Store
	)
	tr.EXPECT().Call(gomock.Any(), gomock.Any(), gomock.Any()).AnyTimes().
		DoAndReturn(func(ctx context.Context, to *contact.Contact, req wire.Message) (wire.Message, error) {
			switch r := req.(type) {
			case *wire.FindValue:
				if to.MachineID == holder.MachineID {
					return &wire.FindValueResponseWithValue{Value: []byte("remote")}, nil
				}
				return &wire.FindValueResponseWithCloseContacts{}, nil
			case *wire.Store:
				assert.Equal(t, other.MachineID, to.MachineID)
				mtx.Lock()
				cached = append(cached, r)
				mtx.Unlock()
				return &wire.StoreResponse{}, nil
			}
			return nil, errors.New("unexpected request")
		})

	res, err := d.FindValue(context.Background(), kadid.FromUint64(1))
	require.NoError(t, err)
	require.True(t, res.Found())
	assert.Equal(t, []byte("remote"), res.Value)
	assert.Equal(t, holder.MachineID, res.FoundBy.MachineID)

	require.Len(t, cached, 1)
	assert.True(t, cached[0].IsCached)
	assert.Equal(t, uint32(testDhtConfig().CachedValueTTL/time.Second), cached[0].TTLSeconds)
}

func TestHandleRecognition(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	tr := NewMockTransport(ctrl)
	d := startMockDht(t, tr)
	defer d.Stop()

	tr.EXPECT().SendTo(gomock.Any(), "10.0.0.7:20007", gomock.AssignableToTypeOf(&wire.Acknowledge{})).Return(nil)

	from := net.ParseIP("10.0.0.7")
	ctx := context.Background()
	require.NoError(t, d.HandleRecognition(ctx, &wire.AllNodesRecognition{MachineID: "peer", ProtocolVersion: 1, TCPPort: 20007}, from))
	assert.NoError(t, d.HandleRecognition(ctx, &wire.AllNodesRecognition{MachineID: "self", ProtocolVersion: 1, TCPPort: 20007}, from))
	assert.NoError(t, d.HandleRecognition(ctx, &wire.AllNodesRecognition{MachineID: "peer", ProtocolVersion: 9, TCPPort: 20007}, from))

	err := d.HandleRecognition(ctx, &wire.AllNodesRecognition{MachineID: "peer", ProtocolVersion: 1}, from)
	assert.Equal(t, ErrInvalidArgument, errors.Cause(err))
}

func TestCallCountsTransportErrorsOnly(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	tr := NewMockTransport(ctrl)
	d := startMockDht(t, tr)
	defer d.Stop()

	peer := testContact("peer", 5)
	gomock.InOrder(
		tr.EXPECT().Call(gomock.Any(), peer, gomock.Any()).Return(nil, transport.RemoteError{Msg: "busy"}),
		tr.EXPECT().Call(gomock.Any(), peer, gomock.Any()).Return(nil, transport.ErrTimeout).Times(2),
		tr.EXPECT().Call(gomock.Any(), peer, gomock.Any()).Return(&wire.PingResponse{Header: wire.Header{Sender: peer}}, nil),
	)

	ctx := context.Background()
	assert.Error(t, d.Ping(ctx, peer))
	assert.Equal(t, 0, d.errs.Errors("peer"))

	assert.Equal(t, transport.ErrTimeout, d.Ping(ctx, peer))
	assert.Equal(t, transport.ErrTimeout, d.Ping(ctx, peer))
	assert.Equal(t, 2, d.errs.Errors("peer"))

	require.NoError(t, d.Ping(ctx, peer))
	assert.Equal(t, 0, d.errs.Errors("peer"))
	assert.NotNil(t, d.Table().Contact("peer"))
}

func TestBucketKeyStable(t *testing.T) {
	assert.Equal(t, BucketKey("music"), BucketKey("music"))
	assert.NotEqual(t, BucketKey("music"), BucketKey("photos"))
}

// simNetwork delivers messages between Dhts in memory, the way the TCP
// transport would: the caller's contact rides in the request header and
// the callee's in the response.
type simNetwork struct {
	mtx       sync.RWMutex
	byMachine map[string]*Dht
	byAddr    map[string]*Dht
}

func newSimNetwork() *simNetwork {
	return &simNetwork{
		byMachine: make(map[string]*Dht),
		byAddr:    make(map[string]*Dht),
	}
}

func (sn *simNetwork) join(d *Dht) {
	self := d.Self()
	sn.mtx.Lock()
	sn.byMachine[self.MachineID] = d
	for _, ep := range self.Endpoints() {
		sn.byAddr[ep] = d
	}
	sn.mtx.Unlock()
}

type simTransport struct {
	net  *simNetwork
	self func() *contact.Contact
}

func (st *simTransport) deliver(ctx context.Context, target *Dht, req wire.Message) (wire.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if target == nil {
		return nil, transport.ErrTimeout
	}
	self := st.self()
	req.Head().Sender = self
	req.Head().RandomID = transport.NewRandomID()
	from := &net.TCPAddr{IP: self.Addresses[0], Port: int(self.TCPPort)}
	resp, err := target.Node().HandleMessage(ctx, from, req)
	if err != nil {
		return nil, transport.RemoteError{Msg: err.Error()}
	}
	if resp != nil {
		resp.Head().RandomID = req.Head().RandomID
		resp.Head().Sender = target.Self()
	}
	return resp, nil
}

func (st *simTransport) byMachine(id string) *Dht {
	st.net.mtx.RLock()
	defer st.net.mtx.RUnlock()
	return st.net.byMachine[id]
}

func (st *simTransport) byAddr(ep string) *Dht {
	st.net.mtx.RLock()
	defer st.net.mtx.RUnlock()
	return st.net.byAddr[ep]
}

func (st *simTransport) Call(ctx context.Context, to *contact.Contact, req wire.Message) (wire.Message, error) {
	return st.deliver(ctx, st.byMachine(to.MachineID), req)
}

func (st *simTransport) Send(ctx context.Context, to *contact.Contact, m wire.Message) error {
	_, err := st.deliver(ctx, st.byMachine(to.MachineID), m)
	return err
}

func (st *simTransport) SendTo(ctx context.Context, endpoint string, m wire.Message) error {
	_, err := st.deliver(ctx, st.byAddr(endpoint), m)
	return err
}

func (st *simTransport) CallEndpoint(ctx context.Context, endpoint string, req wire.Message) (wire.Message, error) {
	return st.deliver(ctx, st.byAddr(endpoint), req)
}

func TestNetworkStoreAndFindValue(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	root, err := ioutil.TempDir("", "linkdht-net")
	require.NoError(t, err)
	defer os.RemoveAll(root)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "music"), 0700))
	require.NoError(t, ioutil.WriteFile(filepath.Join(root, "music", "song.mp3"), []byte("la la la"), 0600))

	cfg := testDhtConfig()
	cfg.K = 8
	cfg.Alpha = 3
	cfg.MaxThreads = 8

	const size = 16
	sn := newSimNetwork()
	nodes := make([]*Dht, size)
	for i := range nodes {
		self := contact.New("machine-"+strconv.Itoa(i), kadid.Random(), uint16(21000+i), net.ParseIP("127.0.0.1"))
		st := &simTransport{net: sn}
		var opts []Option
		if i == 0 {
			opts = append(opts, WithChunkSource(DirChunkSource{Root: root}))
		}
		d, err := NewDht(cfg, self, st, log.Test(), opts...)
		require.NoError(t, err)
		st.self = d.Self
		if i == 0 {
			d.Node().AddLocalBucket("music")
		}
		require.NoError(t, d.Start())
		defer d.Stop()
		sn.join(d)
		nodes[i] = d
	}

	ctx := context.Background()
	seed := nodes[0].Self().Endpoints()
	for _, d := range nodes[1:] {
		require.NoError(t, d.Bootstrap(ctx, seed))
	}
	for i, d := range nodes {
		assert.True(t, d.Table().Len() > 0, "node %d has an empty table", i)
	}

	key := kadid.Random()
	stored, err := nodes[3].Store(ctx, key, []byte("hello"), 0)
	require.NoError(t, err)
	assert.True(t, stored > 0)

	for _, i := range []int{7, 15} {
		res, err := nodes[i].FindValue(ctx, key)
		require.NoError(t, err)
		require.True(t, res.Found(), "node %d did not find the value", i)
		assert.True(t, bytes.Equal([]byte("hello"), res.Value))
	}

	holders, err := nodes[9].FindBucketHolders(ctx, "music")
	require.NoError(t, err)
	require.NotEmpty(t, holders)
	assert.Equal(t, "machine-0", holders[0].MachineID)

	exists, fileSize, err := nodes[9].CheckFileExists(ctx, holders[0], "music", "song.mp3")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, uint64(8), fileSize)

	chunks, err := nodes[9].DownloadChunk(ctx, holders[0], "music", "song.mp3", []wire.ChunkRange{{Offset: 3, Length: 2}})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, []byte("la"), chunks[0].Data)

	_, _, err = nodes[9].CheckFileExists(ctx, nodes[1].Self(), "music", "song.mp3")
	assert.IsType(t, transport.RemoteError{}, err)
}
