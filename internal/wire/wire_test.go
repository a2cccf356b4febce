package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInsertRoundTrip(t *testing.T) {
	want := Insert{ClientID: 7, Position: 42, Bytes: []byte("hello")}
	op, payload, err := decodeRoundTrip(t, EncodeInsert(want))
	require.NoError(t, err)
	require.Equal(t, OpInsert, op)

	got, err := DecodeInsert(payload)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestDeleteRoundTrip(t *testing.T) {
	want := Delete{ClientID: 3, Position: 10, Length: 5}
	op, payload, err := decodeRoundTrip(t, EncodeDelete(want))
	require.NoError(t, err)
	require.Equal(t, OpDelete, op)

	got, err := DecodeDelete(payload)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestJoinWithSnapshotRoundTrip(t *testing.T) {
	want := Join{AssignedID: 2, Snapshot: []byte("seed")}
	_, payload, err := decodeRoundTrip(t, EncodeJoin(want))
	require.NoError(t, err)

	got, err := DecodeJoin(payload)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestJoinNewPeerSignalHasZeroLength(t *testing.T) {
	want := Join{AssignedID: 5, IsNewPeer: true}
	_, payload, err := decodeRoundTrip(t, EncodeJoin(want))
	require.NoError(t, err)

	got, err := DecodeJoin(payload)
	require.NoError(t, err)
	require.True(t, got.IsNewPeer)
	require.Empty(t, got.Snapshot)
}

func TestLeaveRoundTrip(t *testing.T) {
	want := Leave{ClientID: 99}
	_, payload, err := decodeRoundTrip(t, EncodeLeave(want))
	require.NoError(t, err)

	got, err := DecodeLeave(payload)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestFullSyncRoundTrip(t *testing.T) {
	want := FullSync{Snapshot: []byte("seed")}
	_, payload, err := decodeRoundTrip(t, EncodeFullSync(want))
	require.NoError(t, err)

	got, err := DecodeFullSync(payload)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestHelloRoundTrip(t *testing.T) {
	want := Hello{ProtoVersion: 1, Name: "alice", Credentials: []byte("token")}
	_, payload, err := decodeRoundTrip(t, EncodeHello(want))
	require.NoError(t, err)

	got, err := DecodeHello(payload)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestDecodeInsertRejectsShortPayload(t *testing.T) {
	_, err := DecodeInsert([]byte{0, 1})
	require.ErrorIs(t, err, ErrShortPayload)
}

func TestFrameWriteReadRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := EncodeInsert(Insert{ClientID: 1, Position: 0, Bytes: []byte("x")})
	require.NoError(t, WriteFrame(&buf, want))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	lenBuf := make([]byte, 4)
	for i := range lenBuf {
		lenBuf[i] = 0xFF
	}
	buf.Write(lenBuf)
	_, err := ReadFrame(&buf)
	require.Error(t, err)
}

func decodeRoundTrip(t *testing.T, frame []byte) (OpCode, []byte, error) {
	t.Helper()
	return PeekOpCode(frame)
}
