package replica

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/andyson007/collabtext/internal/piece"
	"github.com/andyson007/collabtext/internal/wire"
)

// newSyncedReplica builds a replica in the state it would be in right
// after a successful handshake, without a live socket: assigned id, table
// seeded from the join snapshot, ready for inbound frames.
func newSyncedReplica(t *testing.T, id uint32, snapshot []byte) *Replica {
	t.Helper()
	r := New(Config{Name: "test"}, zap.NewNop())
	r.clientID = id
	r.table = piece.New(originClient, snapshot)
	r.table.EnsureClient(id)
	r.ready = true
	return r
}

func TestEditsBeforeHandshakeRejected(t *testing.T) {
	r := New(Config{Name: "test"}, zap.NewNop())
	require.ErrorIs(t, r.Insert(0, []byte("x")), ErrNotReady)
	require.ErrorIs(t, r.Delete(0, 1), ErrNotReady)
}

func TestApplyRemoteInsertFromPeer(t *testing.T) {
	r := newSyncedReplica(t, 1, []byte("hello"))

	// Peer 2 is introduced by a Join announcement, then inserts.
	require.NoError(t, r.applyRemote(wire.EncodeJoin(wire.Join{AssignedID: 2, IsNewPeer: true})))
	require.NoError(t, r.applyRemote(wire.EncodeInsert(wire.Insert{ClientID: 2, Position: 5, Bytes: []byte(" world")})))

	require.Equal(t, "hello world", string(r.Bytes()))
}

func TestApplyRemoteDelete(t *testing.T) {
	r := newSyncedReplica(t, 1, []byte("hello world"))
	require.NoError(t, r.applyRemote(wire.EncodeDelete(wire.Delete{ClientID: 1, Position: 5, Length: 6})))
	require.Equal(t, "hello", string(r.Bytes()))
}

func TestApplyRemoteLeaveKeepsDocument(t *testing.T) {
	r := newSyncedReplica(t, 1, nil)
	require.NoError(t, r.applyRemote(wire.EncodeJoin(wire.Join{AssignedID: 2, IsNewPeer: true})))
	require.NoError(t, r.applyRemote(wire.EncodeInsert(wire.Insert{ClientID: 2, Position: 0, Bytes: []byte("bye")})))

	require.NoError(t, r.applyRemote(wire.EncodeLeave(wire.Leave{ClientID: 2})))
	require.Equal(t, "bye", string(r.Bytes()), "departing peer's bytes stay in the document")
}

func TestApplyRemoteFullSyncReplacesLocalState(t *testing.T) {
	r := newSyncedReplica(t, 1, []byte("diverged local state"))
	require.NoError(t, r.applyRemote(wire.EncodeFullSync(wire.FullSync{Snapshot: []byte("server truth")})))
	require.Equal(t, "server truth", string(r.Bytes()))

	// The replica's own buffer must be re-allocated so later edits tagged
	// with its id still apply.
	require.NoError(t, r.applyRemote(wire.EncodeInsert(wire.Insert{ClientID: 1, Position: 0, Bytes: []byte("! ")})))
	require.Equal(t, "! server truth", string(r.Bytes()))
}

func TestApplyRemoteOutOfRangeInsertFails(t *testing.T) {
	r := newSyncedReplica(t, 1, []byte("ab"))
	err := r.applyRemote(wire.EncodeInsert(wire.Insert{ClientID: 1, Position: 99, Bytes: []byte("x")}))
	require.Error(t, err)
	require.Equal(t, "ab", string(r.Bytes()))
}

func TestApplyRemoteUnknownOpCode(t *testing.T) {
	r := newSyncedReplica(t, 1, nil)
	require.Error(t, r.applyRemote([]byte{0x7F, 0x00}))
}
