package gossipsub

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-gossipsub-core/envelope"
	"github.com/libp2p/go-gossipsub-core/pb"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
)

// recordingTransport is a test-only Transport that records every RPC sent
// per peer instead of touching a network.
type recordingTransport struct {
	mu       sync.Mutex
	sent     map[PeerID][]*pb.RPC
	connects []PeerID
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{sent: make(map[PeerID][]*pb.RPC)}
}

func (t *recordingTransport) SendRPC(p PeerID, rpc *pb.RPC) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent[p] = append(t.sent[p], rpc)
	return nil
}

func (t *recordingTransport) Connect(ctx context.Context, p PeerID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connects = append(t.connects, p)
	return nil
}

func (t *recordingTransport) TagPeer(p PeerID, tag string, weight int)  {}
func (t *recordingTransport) UntagPeer(p PeerID, tag string)            {}

func (t *recordingTransport) rpcsTo(p PeerID) []*pb.RPC {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*pb.RPC(nil), t.sent[p]...)
}

func (t *recordingTransport) lastPrune(p PeerID) *pb.ControlPrune {
	var last *pb.ControlPrune
	for _, rpc := range t.rpcsTo(p) {
		if ctl := rpc.GetControl(); ctl != nil {
			if n := len(ctl.GetPrune()); n > 0 {
				last = ctl.GetPrune()[n-1]
			}
		}
	}
	return last
}

func newTestPeerID(t *testing.T) PeerID {
	t.Helper()
	_, pub, err := crypto.GenerateEd25519Key(nil)
	require.NoError(t, err)
	id, err := peer.IDFromPublicKey(pub)
	require.NoError(t, err)
	return id
}

func newTestKeyPair(t *testing.T) (crypto.PrivKey, PeerID) {
	t.Helper()
	priv, pub, err := crypto.GenerateEd25519Key(nil)
	require.NoError(t, err)
	id, err := peer.IDFromPublicKey(pub)
	require.NoError(t, err)
	return priv, id
}

func newTestRouter(t *testing.T, clock Clock, tr Transport, opts ...Option) *Router {
	t.Helper()
	local := newTestPeerID(t)
	allOpts := append([]Option{WithClock(clock), WithTransport(tr)}, opts...)
	r, err := NewRouter(local, allOpts...)
	require.NoError(t, err)
	t.Cleanup(r.Shutdown)
	return r
}

func connectPeer(r *Router, p PeerID, version Version, dir Direction) {
	r.HandlePeerConnected(p, version, dir, "/ip4/10.0.0.1/tcp/4001")
	time.Sleep(5 * time.Millisecond)
}

func TestRouterGraftAcceptedIntoMesh(t *testing.T) {
	clock := NewVirtualClock(time.Unix(0, 0))
	tr := newRecordingTransport()
	r := newTestRouter(t, clock, tr)

	const topic Topic = "graft-topic"
	_, err := r.Subscribe(topic)
	require.NoError(t, err)

	peerA := newTestPeerID(t)
	connectPeer(r, peerA, VersionV11, DirectionInbound)
	r.HandleRPC(peerA, &pb.RPC{Control: &pb.ControlMessage{Graft: []*pb.ControlGraft{{TopicID: string(topic)}}}})
	time.Sleep(10 * time.Millisecond)

	require.True(t, r.mesh.IsInMesh(topic, peerA))
}

func TestRouterGraftDuringBackoffRejected(t *testing.T) {
	clock := NewVirtualClock(time.Unix(0, 0))
	tr := newRecordingTransport()
	r := newTestRouter(t, clock, tr, WithPruneBackoff(time.Minute))

	const topic Topic = "backoff-topic"
	_, err := r.Subscribe(topic)
	require.NoError(t, err)

	peerA := newTestPeerID(t)
	connectPeer(r, peerA, VersionV11, DirectionInbound)

	r.doOp(func() {
		r.peers.UpdatePeer(peerA, func(ps *PeerState) {
			ps.Backoff[topic] = clock.Now().Add(time.Minute)
		})
	})

	r.HandleRPC(peerA, &pb.RPC{Control: &pb.ControlMessage{Graft: []*pb.ControlGraft{{TopicID: string(topic)}}}})
	time.Sleep(10 * time.Millisecond)

	require.False(t, r.mesh.IsInMesh(topic, peerA))
	require.NotNil(t, tr.lastPrune(peerA))
	require.Less(t, r.scorer.Score(peerA), 0.0)
}

func TestRouterDuplicateMessageIgnoredAndPenalized(t *testing.T) {
	clock := NewVirtualClock(time.Unix(0, 0))
	tr := newRecordingTransport()
	r := newTestRouter(t, clock, tr, WithValidationMode(AuthenticityNone))

	const topic Topic = "dup-topic"
	sub, err := r.Subscribe(topic)
	require.NoError(t, err)

	peerA := newTestPeerID(t)
	connectPeer(r, peerA, VersionV11, DirectionInbound)

	msg := &pb.Message{From: []byte(peerA), Data: []byte("hello"), Seqno: []byte{0, 0, 0, 0, 0, 0, 0, 1}, Topic: string(topic)}
	r.HandleRPC(peerA, &pb.RPC{Publish: []*pb.Message{msg}})
	time.Sleep(10 * time.Millisecond)

	select {
	case <-sub.Messages():
	case <-time.After(time.Second):
		t.Fatal("expected first delivery")
	}

	before := r.scorer.Score(peerA)
	r.HandleRPC(peerA, &pb.RPC{Publish: []*pb.Message{msg}})
	time.Sleep(10 * time.Millisecond)

	select {
	case <-sub.Messages():
		t.Fatal("duplicate should not be re-delivered")
	case <-time.After(50 * time.Millisecond):
	}
	require.Less(t, r.scorer.Score(peerA), before)
}

func TestRouterBrokenPromisePenalizesPeer(t *testing.T) {
	clock := NewVirtualClock(time.Unix(0, 0))
	tr := newRecordingTransport()
	r := newTestRouter(t, clock, tr, WithIWantFollowupTime(time.Second), WithHeartbeatInterval(time.Hour))

	const topic Topic = "promise-topic"
	_, err := r.Subscribe(topic)
	require.NoError(t, err)

	peerA := newTestPeerID(t)
	connectPeer(r, peerA, VersionV11, DirectionInbound)

	r.HandleRPC(peerA, &pb.RPC{Control: &pb.ControlMessage{Ihave: []*pb.ControlIHave{{TopicID: string(topic), MessageIDs: []string{"msg-1"}}}}})
	time.Sleep(10 * time.Millisecond)

	before := r.scorer.Score(peerA)
	clock.Advance(2 * time.Second)
	r.doOp(func() { r.performScoringMaintenance() })

	require.Less(t, r.scorer.Score(peerA), before)
}

func TestRouterIWantFulfillsPromise(t *testing.T) {
	clock := NewVirtualClock(time.Unix(0, 0))
	tr := newRecordingTransport()
	r := newTestRouter(t, clock, tr, WithIWantFollowupTime(time.Second), WithHeartbeatInterval(time.Hour), WithValidationMode(AuthenticityNone))

	const topic Topic = "fulfilled-promise-topic"
	_, err := r.Subscribe(topic)
	require.NoError(t, err)

	peerA := newTestPeerID(t)
	connectPeer(r, peerA, VersionV11, DirectionInbound)

	msg := &pb.Message{From: []byte(peerA), Data: []byte("x"), Seqno: []byte{0, 0, 0, 0, 0, 0, 0, 2}, Topic: string(topic)}
	id := DefaultMsgID(msg)

	r.HandleRPC(peerA, &pb.RPC{Control: &pb.ControlMessage{Ihave: []*pb.ControlIHave{{TopicID: string(topic), MessageIDs: []string{string(id)}}}}})
	time.Sleep(10 * time.Millisecond)

	r.HandleRPC(peerA, &pb.RPC{Publish: []*pb.Message{msg}})
	time.Sleep(10 * time.Millisecond)

	before := r.scorer.Score(peerA)
	clock.Advance(2 * time.Second)
	r.doOp(func() { r.performScoringMaintenance() })

	// two decay intervals elapse; no broken-promise penalty on top of decay
	decayed := before * math.Pow(r.scorer.params.DecayFactor, 2)
	require.InDelta(t, decayed, r.scorer.Score(peerA), 1e-9)
}

func TestRouterSybilDefensePenalizesColocatedPeers(t *testing.T) {
	clock := NewVirtualClock(time.Unix(0, 0))
	tr := newRecordingTransport()
	params := DefaultPeerScoreParams()
	params.IPColocationThreshold = 1
	r := newTestRouter(t, clock, tr, WithPeerScore(params, DefaultPeerScoreThresholds()))

	peerA := newTestPeerID(t)
	peerB := newTestPeerID(t)
	r.HandlePeerConnected(peerA, VersionV11, DirectionInbound, "/ip4/203.0.113.9/tcp/4001")
	r.HandlePeerConnected(peerB, VersionV11, DirectionInbound, "/ip4/203.0.113.9/tcp/4001")
	time.Sleep(10 * time.Millisecond)

	require.Less(t, r.scorer.Score(peerA), 0.0)
	require.Less(t, r.scorer.Score(peerB), 0.0)
}

func TestRouterOpportunisticGraftLiftsPoorMesh(t *testing.T) {
	clock := NewVirtualClock(time.Unix(0, 0))
	tr := newRecordingTransport()
	r := newTestRouter(t, clock, tr,
		WithMeshParams(3, 2, 6, 1),
		WithOpportunisticGraft(0, 1),
		WithHeartbeatInterval(time.Hour))

	const topic Topic = "opp-graft-topic"
	_, err := r.Subscribe(topic)
	require.NoError(t, err)

	poor := make([]PeerID, 2)
	for i := range poor {
		p := newTestPeerID(t)
		poor[i] = p
		connectPeer(r, p, VersionV11, DirectionInbound)
		r.doOp(func() {
			r.mesh.AddToMesh(topic, p)
			r.scorer.PeerJoinedMesh(p, topic)
			r.scorer.RecordInvalidMessage(p, topic)
			r.scorer.RecordInvalidMessage(p, topic)
		})
	}

	good := newTestPeerID(t)
	connectPeer(r, good, VersionV11, DirectionInbound)
	r.doOp(func() {
		r.peers.UpdatePeer(good, func(ps *PeerState) { ps.Subscriptions[topic] = struct{}{} })
	})

	r.doOp(func() {
		r.opportunisticGraft(topic, map[PeerID]struct{}{poor[0]: {}, poor[1]: {}}, r.scoreThresholds())
	})

	require.True(t, r.mesh.IsInMesh(topic, good))
}

func TestRouterIDontWantSuppressesForwarding(t *testing.T) {
	clock := NewVirtualClock(time.Unix(0, 0))
	tr := newRecordingTransport()
	r := newTestRouter(t, clock, tr, WithValidationMode(AuthenticityNone), WithIDontWant(1, time.Minute))

	const topic Topic = "idontwant-topic"
	_, err := r.Subscribe(topic)
	require.NoError(t, err)

	origin := newTestPeerID(t)
	meshPeer := newTestPeerID(t)
	connectPeer(r, origin, VersionV12, DirectionInbound)
	connectPeer(r, meshPeer, VersionV12, DirectionInbound)

	r.doOp(func() {
		r.mesh.AddToMesh(topic, meshPeer)
		r.scorer.PeerJoinedMesh(meshPeer, topic)
	})

	msg := &pb.Message{From: []byte(origin), Data: []byte("big-payload"), Seqno: []byte{0, 0, 0, 0, 0, 0, 0, 3}, Topic: string(topic)}
	id := DefaultMsgID(msg)

	r.doOp(func() {
		r.peers.UpdatePeer(meshPeer, func(ps *PeerState) {
			ps.recordDontWant(id, clock.Now().Add(time.Minute))
		})
	})

	r.HandleRPC(origin, &pb.RPC{Publish: []*pb.Message{msg}})
	time.Sleep(10 * time.Millisecond)

	for _, rpc := range tr.rpcsTo(meshPeer) {
		for _, m := range rpc.GetPublish() {
			require.NotEqual(t, msg.Data, m.Data, "message should have been suppressed by IDONTWANT")
		}
	}
}

func TestRouterPublishRequiresSigningKeyInStrictMode(t *testing.T) {
	clock := NewVirtualClock(time.Unix(0, 0))
	tr := newRecordingTransport()
	r := newTestRouter(t, clock, tr)

	_, err := r.Publish("no-signing-key-topic", []byte("payload"))
	require.ErrorIs(t, err, ErrSigningKeyRequired)
}

func TestRouterPublishSignsWithConfiguredKey(t *testing.T) {
	clock := NewVirtualClock(time.Unix(0, 0))
	tr := newRecordingTransport()
	priv, local := newTestKeyPair(t)

	r, err := NewRouter(local, WithClock(clock), WithTransport(tr), WithSigningKey(priv))
	require.NoError(t, err)
	defer r.Shutdown()

	peerA := newTestPeerID(t)
	connectPeer(r, peerA, VersionV11, DirectionInbound)
	r.doOp(func() {
		r.peers.UpdatePeer(peerA, func(ps *PeerState) { ps.Subscriptions["signed-topic"] = struct{}{} })
	})

	_, err = r.Publish("signed-topic", []byte("payload"))
	require.NoError(t, err)

	rpcs := tr.rpcsTo(peerA)
	require.NotEmpty(t, rpcs)
	sent := rpcs[len(rpcs)-1].GetPublish()
	require.Len(t, sent, 1)
	require.True(t, verifySignature(sent[0]))
}

func TestRouterAnonymousModeRequiresCustomMsgID(t *testing.T) {
	clock := NewVirtualClock(time.Unix(0, 0))
	tr := newRecordingTransport()
	_, err := NewRouter(newTestPeerID(t), WithClock(clock), WithTransport(tr), WithValidationMode(AuthenticityAnonymous))
	require.ErrorIs(t, err, ErrAnonymousModeRequiresCustomMessageID)
}

func TestRouterPublishAnonymousWithCustomMsgID(t *testing.T) {
	clock := NewVirtualClock(time.Unix(0, 0))
	tr := newRecordingTransport()
	counter := 0
	msgID := func(m *pb.Message) MessageID {
		counter++
		return MessageID(m.GetTopic())
	}
	r, err := NewRouter(newTestPeerID(t), WithClock(clock), WithTransport(tr),
		WithValidationMode(AuthenticityAnonymous), WithMessageIDFn(msgID))
	require.NoError(t, err)
	defer r.Shutdown()

	id, err := r.Publish("anon-topic", []byte("payload"))
	require.NoError(t, err)
	require.Equal(t, MessageID("anon-topic"), id)
}

func TestRouterPublishRejectsOversizedMessage(t *testing.T) {
	clock := NewVirtualClock(time.Unix(0, 0))
	tr := newRecordingTransport()
	r := newTestRouter(t, clock, tr, WithMaxMessageSize(4), WithValidationMode(AuthenticityNone))

	_, err := r.Publish("size-topic", []byte("too-large"))
	var tooLarge *ErrMessageTooLarge
	require.ErrorAs(t, err, &tooLarge)
}

func TestRouterUnsubscribePrunesMeshPeers(t *testing.T) {
	clock := NewVirtualClock(time.Unix(0, 0))
	tr := newRecordingTransport()
	r := newTestRouter(t, clock, tr)

	const topic Topic = "unsub-topic"
	_, err := r.Subscribe(topic)
	require.NoError(t, err)

	peerA := newTestPeerID(t)
	connectPeer(r, peerA, VersionV11, DirectionInbound)
	r.doOp(func() {
		r.mesh.AddToMesh(topic, peerA)
		r.scorer.PeerJoinedMesh(peerA, topic)
	})

	r.Unsubscribe(topic)

	require.False(t, r.mesh.IsInMesh(topic, peerA))
	require.NotNil(t, tr.lastPrune(peerA))
}

func TestRouterPruneAtCapacityCarriesVerifiableSignedPeerRecord(t *testing.T) {
	clock := NewVirtualClock(time.Unix(0, 0))
	tr := newRecordingTransport()
	signingKey, local := newTestKeyPair(t)
	r, err := NewRouter(local, WithClock(clock), WithTransport(tr),
		WithSigningKey(signingKey), WithMaxPeersPerTopic(1), WithPeerExchange(true, 16, 0))
	require.NoError(t, err)
	t.Cleanup(r.Shutdown)

	const topic Topic = "px-topic"
	_, err = r.Subscribe(topic)
	require.NoError(t, err)

	peerA := newTestPeerID(t)
	connectPeer(r, peerA, VersionV11, DirectionInbound)
	r.doOp(func() {
		r.peers.UpdatePeer(peerA, func(ps *PeerState) { ps.Subscriptions[topic] = struct{}{} })
		r.mesh.AddToMesh(topic, peerA)
		r.scorer.PeerJoinedMesh(peerA, topic)
	})

	peerB := newTestPeerID(t)
	connectPeer(r, peerB, VersionV11, DirectionInbound)
	r.HandleRPC(peerB, &pb.RPC{Control: &pb.ControlMessage{Graft: []*pb.ControlGraft{{TopicID: string(topic)}}}})
	time.Sleep(10 * time.Millisecond)

	prune := tr.lastPrune(peerB)
	require.NotNil(t, prune)
	require.NotEmpty(t, prune.GetPeers())

	var candidate *pb.PeerInfo
	for _, pi := range prune.GetPeers() {
		id, err := peer.IDFromBytes(pi.GetPeerID())
		require.NoError(t, err)
		if id == peerA {
			candidate = pi
		}
	}
	require.NotNil(t, candidate, "PRUNE should offer peerA as a PX candidate")
	require.NotEmpty(t, candidate.GetSignedPeerRecord())

	env, err := envelope.Unmarshal(candidate.GetSignedPeerRecord())
	require.NoError(t, err)
	pub, payload, err := envelope.OpenAs(env, envelope.PeerRecordDomain, envelope.PeerRecordCodec)
	require.NoError(t, err)
	signer, err := peer.IDFromPublicKey(pub)
	require.NoError(t, err)
	require.Equal(t, local, signer)

	rec, err := envelope.UnmarshalPeerRecord(payload)
	require.NoError(t, err)
	require.Equal(t, peerA, rec.PeerID)
	require.NotEmpty(t, rec.Addrs)
}

func TestRouterOutboundQuotaGraftsMoreOutboundPeers(t *testing.T) {
	clock := NewVirtualClock(time.Unix(0, 0))
	tr := newRecordingTransport()
	r := newTestRouter(t, clock, tr,
		WithMeshParams(4, 1, 8, 2),
		WithHeartbeatInterval(time.Hour))

	const topic Topic = "outbound-quota-topic"
	_, err := r.Subscribe(topic)
	require.NoError(t, err)

	inbound := newTestPeerID(t)
	connectPeer(r, inbound, VersionV11, DirectionInbound)
	r.doOp(func() {
		r.peers.UpdatePeer(inbound, func(ps *PeerState) { ps.Subscriptions[topic] = struct{}{} })
		r.mesh.AddToMesh(topic, inbound)
		r.scorer.PeerJoinedMesh(inbound, topic)
	})

	outboundCandidate := newTestPeerID(t)
	connectPeer(r, outboundCandidate, VersionV11, DirectionOutbound)
	r.doOp(func() {
		r.peers.UpdatePeer(outboundCandidate, func(ps *PeerState) { ps.Subscriptions[topic] = struct{}{} })
	})

	require.False(t, r.mesh.IsInMesh(topic, outboundCandidate))

	r.doOp(func() {
		r.enforceOutboundQuota(topic, clock.Now(), r.scoreThresholds())
	})

	require.True(t, r.mesh.IsInMesh(topic, outboundCandidate), "outbound quota graft should have pulled in the outbound candidate")
}

func TestRouterGenerateGossipDoesNotCreatePromises(t *testing.T) {
	clock := NewVirtualClock(time.Unix(0, 0))
	tr := newRecordingTransport()
	r := newTestRouter(t, clock, tr, WithHeartbeatInterval(time.Hour), WithValidationMode(AuthenticityNone))

	const topic Topic = "gossip-no-promise-topic"
	_, err := r.Subscribe(topic)
	require.NoError(t, err)

	_, err = r.Publish(topic, []byte("hello"))
	require.NoError(t, err)

	nonMeshPeer := newTestPeerID(t)
	connectPeer(r, nonMeshPeer, VersionV11, DirectionInbound)
	r.doOp(func() {
		r.peers.UpdatePeer(nonMeshPeer, func(ps *PeerState) { ps.Subscriptions[topic] = struct{}{} })
	})

	r.doOp(func() {
		r.generateGossip(topic, map[PeerID]struct{}{}, r.scoreThresholds())
	})

	rpcs := tr.rpcsTo(nonMeshPeer)
	sawIHave := false
	for _, rpc := range rpcs {
		if ctl := rpc.GetControl(); ctl != nil && len(ctl.GetIhave()) > 0 {
			sawIHave = true
		}
	}
	require.True(t, sawIHave, "expected an outgoing IHAVE for the published message")

	broken := r.promises.GetBrokenPromises(clock.Now().Add(time.Hour))
	require.Empty(t, broken, "gossip IHAVE must not create a promise for the peer it was sent to")
}

func TestSeenCacheCleanupDropsExpiredEntries(t *testing.T) {
	c := NewSeenCache(10*time.Millisecond, 0)
	require.True(t, c.Add("m1"))
	require.Equal(t, 1, c.Len())

	time.Sleep(20 * time.Millisecond)
	c.Cleanup()

	require.Equal(t, 0, c.Len())
}
