package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/andyson007/collabtext/internal/config"
	"github.com/andyson007/collabtext/internal/replica"
	"github.com/andyson007/collabtext/internal/session"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

// startTestServer boots a coordinator plus transport server on an
// ephemeral loopback port and tears both down when the test ends.
func startTestServer(t *testing.T, initial []byte) (*session.Coordinator, string) {
	t.Helper()

	cfg := config.ServerConfig{
		Host:             "127.0.0.1",
		Port:             0,
		HandshakeTimeout: 5 * time.Second,
		SendQueueSize:    64,
	}
	coord := session.New(cfg, config.DocumentConfig{}, initial, nil, nil, nil, nil, nil, nil, zap.NewNop())
	srv := NewServer(cfg, coord, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = coord.Run(ctx) }()
	require.NoError(t, srv.Start(ctx))
	t.Cleanup(func() {
		cancel()
		srv.Stop()
	})

	return coord, srv.Addr().String()
}

// startTestReplica dials the server and blocks until the handshake has
// completed. The returned cancel drops the connection.
func startTestReplica(t *testing.T, addr, name string) (*replica.Replica, context.CancelFunc) {
	t.Helper()

	r := replica.New(replica.Config{Addr: addr, Name: name}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = r.Run(ctx) }()
	t.Cleanup(cancel)

	require.Eventually(t, r.Ready, waitFor, tick, "handshake for %s did not complete", name)
	return r, cancel
}

func TestJoinDeliversSnapshot(t *testing.T) {
	_, addr := startTestServer(t, []byte("seed"))

	r, _ := startTestReplica(t, addr, "alice")
	require.Equal(t, "seed", string(r.Bytes()))
}

func TestEditPropagatesBetweenPeers(t *testing.T) {
	coord, addr := startTestServer(t, nil)

	a, _ := startTestReplica(t, addr, "alice")
	b, _ := startTestReplica(t, addr, "bob")
	require.Equal(t, 2, coord.ConnectionCount())

	require.NoError(t, a.Insert(0, []byte("hello")))
	require.Eventually(t, func() bool {
		return string(b.Bytes()) == "hello"
	}, waitFor, tick, "bob never saw alice's insert")

	require.NoError(t, b.Insert(5, []byte(" world")))
	require.Eventually(t, func() bool {
		return string(a.Bytes()) == "hello world"
	}, waitFor, tick, "alice never saw bob's insert")
}

func TestPeerDisconnectLeavesDocumentIntact(t *testing.T) {
	coord, addr := startTestServer(t, nil)

	a, cancelA := startTestReplica(t, addr, "alice")
	b, _ := startTestReplica(t, addr, "bob")

	require.NoError(t, a.Insert(0, []byte("hi")))
	require.Eventually(t, func() bool {
		return string(b.Bytes()) == "hi"
	}, waitFor, tick)

	cancelA()
	require.Eventually(t, func() bool {
		return coord.ConnectionCount() == 1
	}, waitFor, tick, "server never noticed alice leaving")

	// Alice's bytes survive her departure, and bob can keep editing.
	require.NoError(t, b.Insert(2, []byte("!")))
	require.Eventually(t, func() bool {
		return string(b.Bytes()) == "hi!"
	}, waitFor, tick)
}

func TestResyncRequestAnswersWithFullSync(t *testing.T) {
	_, addr := startTestServer(t, []byte("truth"))

	r, _ := startTestReplica(t, addr, "alice")
	require.Equal(t, "truth", string(r.Bytes()))

	require.NoError(t, r.RequestResync())
	require.Eventually(t, func() bool {
		return string(r.Bytes()) == "truth"
	}, waitFor, tick)
}
