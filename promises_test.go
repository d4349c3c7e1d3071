package gossipsub

import (
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/test"
	"github.com/stretchr/testify/require"
)

func TestGossipPromisesBrokenAfterDeadline(t *testing.T) {
	g := NewGossipPromises()
	p := test.RandPeerIDFatal(t)
	now := time.Unix(0, 0)
	g.AddPromise("m1", p, now, 3*time.Second)

	require.Empty(t, g.GetBrokenPromises(now.Add(time.Second)))

	broken := g.GetBrokenPromises(now.Add(4 * time.Second))
	require.Equal(t, 1, broken[p])

	// promise consumed, doesn't fire twice
	require.Empty(t, g.GetBrokenPromises(now.Add(10*time.Second)))
}

func TestGossipPromisesDeliveredClearsPromise(t *testing.T) {
	g := NewGossipPromises()
	p := test.RandPeerIDFatal(t)
	now := time.Unix(0, 0)
	g.AddPromise("m1", p, now, time.Second)
	g.MessageDelivered("m1")

	require.Empty(t, g.GetBrokenPromises(now.Add(time.Hour)))
}

func TestGossipPromisesRemovePeer(t *testing.T) {
	g := NewGossipPromises()
	p := test.RandPeerIDFatal(t)
	now := time.Unix(0, 0)
	g.AddPromise("m1", p, now, time.Second)
	g.RemovePeer(p)

	require.Empty(t, g.GetBrokenPromises(now.Add(time.Hour)))
}

func TestGossipPromisesSecondAddDoesNotExtendDeadline(t *testing.T) {
	g := NewGossipPromises()
	p := test.RandPeerIDFatal(t)
	now := time.Unix(0, 0)
	g.AddPromise("m1", p, now, time.Second)
	g.AddPromise("m1", p, now.Add(500*time.Millisecond), 10*time.Second)

	broken := g.GetBrokenPromises(now.Add(2 * time.Second))
	require.Equal(t, 1, broken[p])
}
