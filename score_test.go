package gossipsub

import (
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/test"
	"github.com/stretchr/testify/require"
)

func newTestScorer(t *testing.T, clock Clock) *PeerScorer {
	t.Helper()
	params := DefaultPeerScoreParams()
	params.Topics["t"] = DefaultTopicScoreParams()
	require.NoError(t, params.Validate())
	return NewPeerScorer(clock, params)
}

func TestScoreIPColocation(t *testing.T) {
	clock := NewVirtualClock(time.Unix(0, 0))
	s := newTestScorer(t, clock)
	s.params.IPColocationThreshold = 2

	a := test.RandPeerIDFatal(t)
	b := test.RandPeerIDFatal(t)
	c := test.RandPeerIDFatal(t)
	for _, p := range []PeerID{a, b, c} {
		s.AddPeer(p)
	}

	s.RegisterPeerIP(a, "1.2.3.4")
	s.RegisterPeerIP(b, "1.2.3.4")
	colocated, penalized := s.RegisterPeerIP(c, "::ffff:1.2.3.4")
	require.True(t, penalized)
	require.Len(t, colocated, 3)

	for _, p := range []PeerID{a, b, c} {
		require.InDelta(t, -20.0, s.Score(p), 0.0001)
	}
}

func TestScoreProtectedPeerAlwaysZero(t *testing.T) {
	clock := NewVirtualClock(time.Unix(0, 0))
	s := newTestScorer(t, clock)
	p := test.RandPeerIDFatal(t)
	s.AddPeer(p)
	s.RegisterProtectedPeer(p)

	s.RecordInvalidMessage(p, "t")
	s.RecordInvalidMessage(p, "t")
	require.Equal(t, 0.0, s.Score(p))
}

func TestScoreDecayTowardZero(t *testing.T) {
	clock := NewVirtualClock(time.Unix(0, 0))
	s := newTestScorer(t, clock)
	p := test.RandPeerIDFatal(t)
	s.AddPeer(p)
	s.RecordDuplicateMessage(p)
	before := s.Score(p)
	require.Less(t, before, 0.0)

	clock.Advance(100 * time.Second)
	s.DecayAll()
	after := s.Score(p)
	require.Greater(t, after, before)
}

func TestScoreGCBelowThreshold(t *testing.T) {
	clock := NewVirtualClock(time.Unix(0, 0))
	s := newTestScorer(t, clock)
	p := test.RandPeerIDFatal(t)
	s.AddPeer(p)
	s.recordGlobalDelta(p, 0.0001)

	clock.Advance(time.Second)
	s.DecayAll()
	s.mu.Lock()
	_, stillTracked := s.peers[p]
	s.mu.Unlock()
	require.False(t, stillTracked)
}

func TestTrackIWantRequestExcessive(t *testing.T) {
	clock := NewVirtualClock(time.Unix(0, 0))
	s := newTestScorer(t, clock)
	p := test.RandPeerIDFatal(t)
	s.AddPeer(p)

	var last IWantOutcome
	for i := 0; i < s.params.IWantDuplicateThreshold; i++ {
		last, _ = s.TrackIWantRequest(p, "m1")
	}
	require.Equal(t, IWantExcessive, last)
}

func TestTrackIWantRequestWindowResets(t *testing.T) {
	clock := NewVirtualClock(time.Unix(0, 0))
	s := newTestScorer(t, clock)
	p := test.RandPeerIDFatal(t)
	s.AddPeer(p)

	outcome, _ := s.TrackIWantRequest(p, "m1")
	require.Equal(t, IWantAccepted, outcome)

	clock.Advance(s.params.IWantTrackingWindow * 2)
	outcome, count := s.TrackIWantRequest(p, "m1")
	require.Equal(t, IWantAccepted, outcome)
	require.Equal(t, 1, count)
}

func TestOpportunisticGraftScenario(t *testing.T) {
	clock := NewVirtualClock(time.Unix(0, 0))
	s := newTestScorer(t, clock)

	mesh := make([]PeerID, 6)
	scores := []float64{-10, -10, -10, 0, 0, 0}
	for i := range mesh {
		mesh[i] = test.RandPeerIDFatal(t)
		s.AddPeer(mesh[i])
		s.recordGlobalDelta(mesh[i], scores[i])
	}

	median := s.MedianScore(mesh, nil)
	require.InDelta(t, -10.0, median, 0.0001)

	candA := test.RandPeerIDFatal(t)
	candB := test.RandPeerIDFatal(t)
	candC := test.RandPeerIDFatal(t)
	s.AddPeer(candA)
	s.AddPeer(candB)
	s.AddPeer(candC)
	s.recordGlobalDelta(candA, 20)
	s.recordGlobalDelta(candB, 5)
	s.recordGlobalDelta(candC, -1)

	var eligible []PeerID
	for _, c := range []PeerID{candA, candB, candC} {
		if s.Score(c) > median {
			eligible = append(eligible, c)
		}
	}
	require.ElementsMatch(t, []PeerID{candA, candB}, eligible)
}
