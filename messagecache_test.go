package gossipsub

import (
	"testing"

	"github.com/libp2p/go-gossipsub-core/pb"
	"github.com/stretchr/testify/require"
)

func TestMessageCachePutGet(t *testing.T) {
	c := NewMessageCache(5, 3)
	m := &pb.Message{Data: []byte("hello")}
	c.Put("m1", "t", m)

	got, ok := c.Get("m1")
	require.True(t, ok)
	require.Equal(t, m, got)

	_, ok = c.Get("missing")
	require.False(t, ok)
}

func TestMessageCacheGetMultipleSplitsHitsAndMisses(t *testing.T) {
	c := NewMessageCache(5, 3)
	c.Put("m1", "t", &pb.Message{Data: []byte("a")})

	found, missing := c.GetMultiple([]MessageID{"m1", "m2"})
	require.Len(t, found, 1)
	require.Equal(t, []MessageID{"m2"}, missing)
}

func TestMessageCacheGetForPeerTracksCount(t *testing.T) {
	c := NewMessageCache(5, 3)
	c.Put("m1", "t", &pb.Message{Data: []byte("a")})

	_, count, ok := c.GetForPeer("m1", "peerA")
	require.True(t, ok)
	require.Equal(t, 1, count)

	_, count, ok = c.GetForPeer("m1", "peerA")
	require.True(t, ok)
	require.Equal(t, 2, count)

	_, count, ok = c.GetForPeer("m1", "peerB")
	require.True(t, ok)
	require.Equal(t, 1, count)
}

func TestMessageCacheGetGossipIDsRespectsWindow(t *testing.T) {
	c := NewMessageCache(3, 1)
	c.Put("m1", "t", &pb.Message{Data: []byte("a")})
	require.Equal(t, []MessageID{"m1"}, c.GetGossipIDs("t"))

	c.Shift()
	require.Empty(t, c.GetGossipIDs("t"))
}

func TestMessageCacheShiftExpiresOldestWindow(t *testing.T) {
	c := NewMessageCache(2, 2)
	c.Put("m1", "t", &pb.Message{Data: []byte("a")})
	c.Shift()
	c.Shift()

	_, ok := c.Get("m1")
	require.False(t, ok)
}

func TestMessageCacheGetGossipIDsFiltersByTopic(t *testing.T) {
	c := NewMessageCache(3, 3)
	c.Put("m1", "t1", &pb.Message{Data: []byte("a")})
	c.Put("m2", "t2", &pb.Message{Data: []byte("b")})

	require.Equal(t, []MessageID{"m1"}, c.GetGossipIDs("t1"))
}
