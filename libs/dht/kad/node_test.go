package kad

import (
	"context"
	"io/ioutil"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lianxiangcloud/linkdht/libs/dht/contact"
	"github.com/lianxiangcloud/linkdht/libs/dht/kadid"
	"github.com/lianxiangcloud/linkdht/libs/dht/routing"
	"github.com/lianxiangcloud/linkdht/libs/dht/wire"
	"github.com/lianxiangcloud/linkdht/libs/log"
)

var remoteAddr = &net.TCPAddr{IP: net.ParseIP("10.1.2.3"), Port: 40000}

func newTestNode(t *testing.T) *Node {
	self := testContact("self", 1000)
	table := routing.NewTable(self, routing.Config{K: 4}, nil, nil, log.Test())
	return NewNode(self, table, newMemStore(DefaultConfig()), log.Test())
}

func from(c *contact.Contact) wire.Header {
	return wire.Header{RandomID: 1, Sender: c}
}

func TestNodeAddsSenderWithObservedAddress(t *testing.T) {
	n := newTestNode(t)
	peer := testContact("peer", 5)

	resp, err := n.HandleMessage(context.Background(), remoteAddr, &wire.Ping{Header: from(peer)})
	require.NoError(t, err)
	assert.IsType(t, &wire.PingResponse{}, resp)

	known := n.Table().Contact("peer")
	require.NotNil(t, known)
	assert.Len(t, known.Addresses, 2)
	assert.True(t, known.Addresses[1].Equal(remoteAddr.IP))
}

func TestNodeRejectsMissingOrInvalidSender(t *testing.T) {
	n := newTestNode(t)

	_, err := n.HandleMessage(context.Background(), remoteAddr, &wire.Ping{})
	assert.Equal(t, wire.ErrMissingSender, err)

	bad := testContact("peer", 5)
	bad.TCPPort = 0
	_, err = n.HandleMessage(context.Background(), remoteAddr, &wire.Ping{Header: from(bad)})
	assert.Equal(t, ErrInvalidArgument, errors.Cause(err))
	assert.Equal(t, 0, n.Table().Len())
}

func TestNodeStoreAndFindValue(t *testing.T) {
	n := newTestNode(t)
	peer := testContact("peer", 5)
	key := kadid.FromUint64(77)

	resp, err := n.HandleMessage(context.Background(), remoteAddr, &wire.FindValue{Header: from(peer), Key: key})
	require.NoError(t, err)
	contacts, ok := resp.(*wire.FindValueResponseWithCloseContacts)
	require.True(t, ok)
	assert.Empty(t, contacts.Contacts, "the requester itself is excluded")

	resp, err = n.HandleMessage(context.Background(), remoteAddr, &wire.Store{Header: from(peer), Key: key, Value: []byte("v"), TTLSeconds: 60})
	require.NoError(t, err)
	assert.IsType(t, &wire.StoreResponse{}, resp)

	resp, err = n.HandleMessage(context.Background(), remoteAddr, &wire.FindValue{Header: from(peer), Key: key})
	require.NoError(t, err)
	value, ok := resp.(*wire.FindValueResponseWithValue)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), value.Value)
}

func TestNodeFindNode(t *testing.T) {
	n := newTestNode(t)
	for i := uint64(1); i <= 3; i++ {
		_, err := n.HandleMessage(context.Background(), remoteAddr, &wire.Acknowledge{Header: from(testContact(machineOf(i), i))})
		require.NoError(t, err)
	}
	asker := testContact("asker", 9)
	resp, err := n.HandleMessage(context.Background(), remoteAddr, &wire.FindNode{Header: from(asker), Key: kadid.FromUint64(2)})
	require.NoError(t, err)
	found := resp.(*wire.FindNodeResponse).Contacts
	require.Len(t, found, 3)
	assert.Equal(t, kadid.FromUint64(2), found[0].ID)
	for _, c := range found {
		assert.NotEqual(t, "asker", c.MachineID)
	}
}

func TestNodeAcknowledgeHasNoReply(t *testing.T) {
	n := newTestNode(t)
	resp, err := n.HandleMessage(context.Background(), remoteAddr, &wire.Acknowledge{Header: from(testContact("peer", 5))})
	assert.NoError(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, 1, n.Table().Len())

	_, err = n.HandleMessage(context.Background(), remoteAddr, &wire.PingResponse{Header: from(testContact("peer", 5))})
	assert.Equal(t, ErrUnexpectedReply, errors.Cause(err))
}

func TestNodeFileRequests(t *testing.T) {
	n := newTestNode(t)
	peer := testContact("peer", 5)

	_, err := n.HandleMessage(context.Background(), remoteAddr, &wire.CheckFileExists{Header: from(peer), Bucket: "music", Path: "a.txt"})
	assert.Equal(t, ErrNoChunkSource, err)

	root, err := ioutil.TempDir("", "linkdht-share")
	require.NoError(t, err)
	defer os.RemoveAll(root)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "music", "sub"), 0700))
	require.NoError(t, ioutil.WriteFile(filepath.Join(root, "music", "sub", "a.txt"), []byte("0123456789"), 0600))
	n.SetChunkSource(DirChunkSource{Root: root})

	resp, err := n.HandleMessage(context.Background(), remoteAddr, &wire.CheckFileExists{Header: from(peer), Bucket: "music", Path: "sub/a.txt"})
	require.NoError(t, err)
	assert.Equal(t, &wire.CheckFileExistsResponse{Exists: true, Size: 10}, resp)

	resp, err = n.HandleMessage(context.Background(), remoteAddr, &wire.CheckFileExists{Header: from(peer), Bucket: "music", Path: "missing"})
	require.NoError(t, err)
	assert.False(t, resp.(*wire.CheckFileExistsResponse).Exists)

	resp, err = n.HandleMessage(context.Background(), remoteAddr, &wire.DownloadChunk{
		Header: from(peer),
		Bucket: "music",
		Path:   "sub/a.txt",
		Ranges: []wire.ChunkRange{{Offset: 2, Length: 3}, {Offset: 8, Length: 5}, {Offset: 20, Length: 1}},
	})
	require.NoError(t, err)
	chunks := resp.(*wire.DownloadChunkResponse).Chunks
	require.Len(t, chunks, 3)
	assert.Equal(t, []byte("234"), chunks[0].Data)
	assert.Equal(t, []byte("89"), chunks[1].Data)
	assert.Empty(t, chunks[2].Data)

	_, err = n.HandleMessage(context.Background(), remoteAddr, &wire.CheckFileExists{Header: from(peer), Bucket: "music", Path: "../../etc/passwd"})
	assert.Equal(t, ErrInvalidArgument, errors.Cause(err))
	_, err = n.HandleMessage(context.Background(), remoteAddr, &wire.CheckFileExists{Header: from(peer), Bucket: "..", Path: "x"})
	assert.Equal(t, ErrInvalidArgument, errors.Cause(err))
}

func TestNodeLocalBuckets(t *testing.T) {
	n := newTestNode(t)
	assert.True(t, n.AddLocalBucket("photos"))
	assert.False(t, n.AddLocalBucket("photos"))
	assert.True(t, n.Self().HasBucket("photos"))

	n.ClearAllLocalBuckets()
	assert.False(t, n.Self().HasBucket("photos"))

	assert.True(t, n.AddAddress(net.ParseIP("192.168.0.4")))
	assert.Len(t, n.Self().Addresses, 2)
}
