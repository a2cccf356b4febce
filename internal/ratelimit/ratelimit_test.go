package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBurstThenLimited(t *testing.T) {
	l := New(1, 2)
	require.True(t, l.Allow(1))
	require.True(t, l.Allow(1))
	require.False(t, l.Allow(1), "third op in the same instant should exceed the burst")
}

func TestClientsAreIndependent(t *testing.T) {
	l := New(1, 1)
	require.True(t, l.Allow(1))
	require.False(t, l.Allow(1))
	require.True(t, l.Allow(2), "a second client gets its own bucket")
}

func TestRemoveDiscardsBucket(t *testing.T) {
	l := New(1, 1)
	require.True(t, l.Allow(7))
	require.False(t, l.Allow(7))

	l.Remove(7)
	require.True(t, l.Allow(7), "a fresh bucket after Remove starts with full burst")
}
