package gossipsub

import (
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/test"
	"github.com/stretchr/testify/require"
)

func TestPeerStateManagerAddAndGet(t *testing.T) {
	m := NewPeerStateManager()
	p := test.RandPeerIDFatal(t)
	now := time.Unix(0, 0)
	m.AddPeer(p, VersionV11, DirectionInbound, "", now)

	ps, ok := m.Get(p)
	require.True(t, ok)
	require.Equal(t, p, ps.ID)
	require.Equal(t, VersionV11, ps.Version)
}

func TestPeerStateManagerUpdateIsCopyOnWrite(t *testing.T) {
	m := NewPeerStateManager()
	p := test.RandPeerIDFatal(t)
	now := time.Unix(0, 0)
	m.AddPeer(p, VersionV11, DirectionInbound, "", now)

	before, _ := m.Get(p)
	require.Empty(t, before.Subscriptions)

	ok := m.UpdatePeer(p, func(ps *PeerState) {
		ps.Subscriptions["t"] = struct{}{}
	})
	require.True(t, ok)

	// the snapshot taken before the update must not observe the mutation
	require.Empty(t, before.Subscriptions)

	after, _ := m.Get(p)
	require.Contains(t, after.Subscriptions, Topic("t"))
}

func TestPeerStateManagerPeersSubscribedTo(t *testing.T) {
	m := NewPeerStateManager()
	a := test.RandPeerIDFatal(t)
	b := test.RandPeerIDFatal(t)
	now := time.Unix(0, 0)
	m.AddPeer(a, VersionV11, DirectionInbound, "", now)
	m.AddPeer(b, VersionV11, DirectionInbound, "", now)

	m.UpdatePeer(a, func(ps *PeerState) { ps.Subscriptions["t"] = struct{}{} })

	subs := m.PeersSubscribedTo("t")
	require.Equal(t, []PeerID{a}, subs)
}

func TestPeerStateManagerPeersNotBackedOff(t *testing.T) {
	m := NewPeerStateManager()
	a := test.RandPeerIDFatal(t)
	b := test.RandPeerIDFatal(t)
	now := time.Unix(0, 0)
	m.AddPeer(a, VersionV11, DirectionInbound, "", now)
	m.AddPeer(b, VersionV11, DirectionInbound, "", now)

	m.UpdatePeer(a, func(ps *PeerState) { ps.Backoff["t"] = now.Add(time.Minute) })

	eligible := m.PeersNotBackedOff("t", []PeerID{a, b}, now)
	require.Equal(t, []PeerID{b}, eligible)

	eligible = m.PeersNotBackedOff("t", []PeerID{a, b}, now.Add(2*time.Minute))
	require.ElementsMatch(t, []PeerID{a, b}, eligible)
}

func TestPeerStateDontWantExpiring(t *testing.T) {
	m := NewPeerStateManager()
	p := test.RandPeerIDFatal(t)
	now := time.Unix(0, 0)
	m.AddPeer(p, VersionV12, DirectionInbound, "", now)

	m.UpdatePeer(p, func(ps *PeerState) {
		ps.recordDontWant("m1", now.Add(time.Minute))
	})

	ps, _ := m.Get(p)
	require.False(t, ps.WantsMessage("m1", now))
	require.True(t, ps.WantsMessage("m1", now.Add(2*time.Minute)))
	require.True(t, ps.WantsMessage("unseen", now))
}

func TestPeerStateManagerOutboundPeersSubscribedTo(t *testing.T) {
	m := NewPeerStateManager()
	out := test.RandPeerIDFatal(t)
	in := test.RandPeerIDFatal(t)
	now := time.Unix(0, 0)
	m.AddPeer(out, VersionV11, DirectionOutbound, "", now)
	m.AddPeer(in, VersionV11, DirectionInbound, "", now)
	m.UpdatePeer(out, func(ps *PeerState) { ps.Subscriptions["t"] = struct{}{} })
	m.UpdatePeer(in, func(ps *PeerState) { ps.Subscriptions["t"] = struct{}{} })

	outbound := m.OutboundPeersSubscribedTo("t")
	require.Contains(t, outbound, out)
	require.NotContains(t, outbound, in)
}
