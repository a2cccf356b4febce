package cluster

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	sender := &Fanout{nodeID: []byte("node-a")}
	receiver := &Fanout{nodeID: []byte("node-b")}

	frame := []byte{0x01, 0xDE, 0xAD}
	got, ok := receiver.unwrap(sender.wrap(frame))
	require.True(t, ok)
	require.Equal(t, frame, got)
}

func TestOwnPublishesFiltered(t *testing.T) {
	f := &Fanout{nodeID: []byte("node-a")}
	_, ok := f.unwrap(f.wrap([]byte{0x01}))
	require.False(t, ok)
}

func TestMalformedEnvelopeDropped(t *testing.T) {
	f := &Fanout{nodeID: []byte("node-a")}

	_, ok := f.unwrap(nil)
	require.False(t, ok)

	// Declared id length runs past the end of the message.
	_, ok = f.unwrap([]byte{200, 'x'})
	require.False(t, ok)
}
