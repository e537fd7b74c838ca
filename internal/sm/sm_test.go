package sm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/ratelimit"

	"github.com/fabrpc/fabrpc/internal/transport"
	"github.com/fabrpc/fabrpc/internal/verbs"
	"github.com/fabrpc/fabrpc/internal/verbs/verbstest"
)

func newLoopTransport(t *testing.T, rpcID uint8, lid uint16) *transport.Transport {
	t.Helper()
	dev := &verbstest.Device{
		DevName: "mlx5_0",
		Ports:   map[uint8]verbs.PortAttr{1: verbstest.ActivePort(lid, 4096)},
	}
	tr, err := transport.New(rpcID, 0, &transport.Options{Provider: verbstest.NewFabric(dev)})
	require.NoError(t, err)
	return tr
}

func TestRoutingExchange(t *testing.T) {
	server := newLoopTransport(t, 1, 17)
	client := newLoopTransport(t, 2, 23)

	resp, err := NewResponder("127.0.0.1:0", server)
	require.NoError(t, err)
	defer resp.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go resp.Serve(ctx)

	fetchCtx, fetchCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer fetchCancel()

	peer, err := Fetch(fetchCtx, resp.Addr(), client, ratelimit.New(100))
	require.NoError(t, err)

	// The fetched blob is the server's addressing record.
	assert.Equal(t, uint8(1), peer.RPCID)
	assert.Equal(t, server.QPNum(), peer.Info.QPN())
	assert.Equal(t, uint16(17), peer.Info.PortLID())

	// The responder learned the client's blob from the request itself.
	select {
	case got := <-resp.Peers:
		assert.Equal(t, uint8(2), got.RPCID)
		assert.Equal(t, client.QPNum(), got.Info.QPN())
		assert.Equal(t, uint16(23), got.Info.PortLID())
	case <-time.After(2 * time.Second):
		t.Fatal("responder never surfaced the requester's routing info")
	}
}

func TestFetchGivesUpOnContext(t *testing.T) {
	client := newLoopTransport(t, 2, 23)

	// Nothing listens on this address; Fetch must stop when the context
	// expires instead of retrying forever.
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	_, err := Fetch(ctx, "127.0.0.1:1", client, ratelimit.New(50))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "giving up")
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, _, err := decode([]byte{1, 2, 3})
	require.Error(t, err)

	bad := make([]byte, packetSize)
	bad[0], bad[1] = 0xde, 0xad
	_, _, err = decode(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "magic")
}
