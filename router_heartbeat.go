package gossipsub

import (
	"time"

	"github.com/libp2p/go-gossipsub-core/pb"
)

// heartbeatTick runs one full maintenance pass: mesh maintenance,
// opportunistic grafting, gossip emission, then the periodic cache/state
// cleanups. Runs only on the event loop goroutine, driven by run()'s ticker.
func (r *Router) heartbeatTick() {
	r.clearExpiredBackoffs()
	r.clearExpiredDontWants()

	thresholds := r.scoreThresholds()
	excluded := make(map[Topic]map[PeerID]struct{})

	subscribedTopics := r.mesh.SubscribedTopics()
	for _, topic := range subscribedTopics {
		members := r.maintainMesh(topic, thresholds)
		r.opportunisticGraft(topic, members, thresholds)
		excluded[topic] = members
	}

	r.mesh.CleanupFanout(r.clock.Now(), r.cfg.FanoutTTL)
	fanoutTopics := r.fanoutTopics(subscribedTopics)
	for _, topic := range fanoutTopics {
		r.maintainFanout(topic, thresholds)
		members := make(map[PeerID]struct{})
		for _, p := range r.mesh.FanoutPeers(topic) {
			members[p] = struct{}{}
		}
		excluded[topic] = members
	}

	for topic, members := range excluded {
		r.generateGossip(topic, members, thresholds)
	}

	for _, topic := range subscribedTopics {
		for _, p := range r.mesh.MeshPeers(topic) {
			r.scorer.AccrueTimeInMesh(p, topic, r.cfg.HeartbeatInterval)
		}
	}

	r.performScoringMaintenance()
	r.msgCache.Shift()
	r.seenCache.Cleanup()
}

// fanoutTopics returns every topic that has live fanout state and is not
// among the already-subscribed topics.
func (r *Router) fanoutTopics(subscribed []Topic) []Topic {
	skip := make(map[Topic]struct{}, len(subscribed))
	for _, t := range subscribed {
		skip[t] = struct{}{}
	}

	seen := make(map[Topic]struct{})
	var out []Topic
	for _, p := range r.peers.allPeerIDs() {
		ps, ok := r.peers.Get(p)
		if !ok {
			continue
		}
		for t := range ps.Subscriptions {
			if _, already := seen[t]; already {
				continue
			}
			if _, isSubscribed := skip[t]; isSubscribed {
				continue
			}
			if len(r.mesh.FanoutPeers(t)) == 0 {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}

// maintainMesh enforces MeshDegreeLow/MeshDegreeHigh/MeshOutboundMin for
// topic. Returns the post-maintenance mesh
// membership, for the caller to exclude from gossip (redundant with the
// push forwarding mesh peers already get).
func (r *Router) maintainMesh(topic Topic, thresholds *PeerScoreThresholds) map[PeerID]struct{} {
	now := r.clock.Now()

	for _, p := range r.mesh.MeshPeers(topic) {
		if r.scorer.IsGraylisted(p, thresholds.GraylistThreshold) {
			r.pruneMeshPeer(p, topic, 0, nil)
		}
	}

	if meshSize := r.mesh.MeshPeerCount(topic); meshSize < r.cfg.MeshDegreeLow {
		need := r.cfg.MeshDegree - meshSize
		candidates := r.graftCandidates(topic, now, thresholds)
		for _, p := range r.mesh.SelectPeersForGraft(topic, need, candidates) {
			r.graftMeshPeer(p, topic)
		}
	}

	if r.mesh.MeshPeerCount(topic) > r.cfg.MeshDegreeHigh {
		outbound := r.peers.OutboundPeersSubscribedTo(topic)
		for _, p := range r.mesh.SelectPeersForPrune(topic, r.cfg.MeshDegree, r.cfg.MeshOutboundMin, outbound) {
			r.pruneMeshPeer(p, topic, r.cfg.PruneBackoff, r.pxCandidates(topic, p))
		}
	}

	r.enforceOutboundQuota(topic, now, thresholds)

	members := make(map[PeerID]struct{})
	for _, p := range r.mesh.MeshPeers(topic) {
		members[p] = struct{}{}
	}
	return members
}

// enforceOutboundQuota grafts additional outbound peers when the mesh's
// outbound membership has fallen below MeshOutboundMin, even if the mesh is
// otherwise at or above MeshDegree. Without this, a mesh that fills up on
// inbound connections alone never dials out, leaving the local peer
// dependent on others choosing to connect to it.
func (r *Router) enforceOutboundQuota(topic Topic, now time.Time, thresholds *PeerScoreThresholds) {
	outbound := r.peers.OutboundPeersSubscribedTo(topic)

	outboundInMesh := 0
	for _, p := range r.mesh.MeshPeers(topic) {
		if _, isOut := outbound[p]; isOut {
			outboundInMesh++
		}
	}
	if outboundInMesh >= r.cfg.MeshOutboundMin {
		return
	}

	need := r.cfg.MeshOutboundMin - outboundInMesh
	var candidates []PeerID
	for _, p := range r.graftCandidates(topic, now, thresholds) {
		if _, isOut := outbound[p]; isOut {
			candidates = append(candidates, p)
		}
	}

	for _, p := range r.mesh.SelectPeersForGraft(topic, need, candidates) {
		r.graftMeshPeer(p, topic)
		r.emit(Event{Kind: EventOutboundQuotaGraft, Peer: p, Topic: topic})
	}
}

// graftCandidates lists peers eligible to be grafted into topic's mesh:
// subscribed, not backed off, not direct (direct peers are forwarded to
// unconditionally and never need a mesh slot), not graylisted. MeshState
// itself filters out peers already in the mesh.
func (r *Router) graftCandidates(topic Topic, now time.Time, thresholds *PeerScoreThresholds) []PeerID {
	subscribed := r.peers.PeersSubscribedTo(topic)
	eligible := r.peers.PeersNotBackedOff(topic, subscribed, now)

	out := eligible[:0:0]
	for _, p := range eligible {
		if r.isDirectPeer(p) {
			continue
		}
		if r.scorer.IsGraylisted(p, thresholds.GraylistThreshold) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (r *Router) graftMeshPeer(p PeerID, topic Topic) {
	r.mesh.AddToMesh(topic, p)
	r.scorer.PeerJoinedMesh(p, topic)
	r.sendGraft(p, topic)
	r.emit(Event{Kind: EventPeerJoinedMesh, Peer: p, Topic: topic})
	r.emit(Event{Kind: EventGrafted, Peer: p, Topic: topic})
}

func (r *Router) pruneMeshPeer(p PeerID, topic Topic, backoff time.Duration, px []*pb.PeerInfo) {
	r.mesh.RemoveFromMesh(topic, p)
	r.scorer.PeerLeftMesh(p, topic)
	r.sendPrune(p, topic, backoff, px)
	r.emit(Event{Kind: EventPeerLeftMesh, Peer: p, Topic: topic})
	r.emit(Event{Kind: EventPruned, Peer: p, Topic: topic})
}

// opportunisticGraft implements slow mesh-quality recovery:
// if the mesh's median score is below OpportunisticGraftThreshold, graft a
// few random peers scoring above that median.
func (r *Router) opportunisticGraft(topic Topic, members map[PeerID]struct{}, thresholds *PeerScoreThresholds) {
	if len(members) < 2 {
		return
	}

	meshPeers := make([]PeerID, 0, len(members))
	for p := range members {
		meshPeers = append(meshPeers, p)
	}

	protected := make(map[PeerID]struct{})
	for p := range r.directPeers {
		protected[p] = struct{}{}
	}

	median := r.scorer.MedianScore(meshPeers, protected)
	if median >= r.cfg.OpportunisticGraftThreshold {
		return
	}

	now := r.clock.Now()
	candidates := r.graftCandidates(topic, now, thresholds)
	var above []PeerID
	for _, p := range candidates {
		if _, inMesh := members[p]; inMesh {
			continue
		}
		if r.scorer.Score(p) > median {
			above = append(above, p)
		}
	}

	chosen := r.mesh.SelectPeersForGraft(topic, r.cfg.OpportunisticGraftPeers, above)
	for _, p := range chosen {
		r.graftMeshPeer(p, topic)
		r.emit(Event{Kind: EventOpportunisticGraft, Peer: p, Topic: topic})
	}
}

// maintainFanout keeps a fanout set topped up to MeshDegree for a topic
// we're publishing to without being subscribed, dropping peers that fell
// below the publish threshold or are no longer subscribed.
func (r *Router) maintainFanout(topic Topic, thresholds *PeerScoreThresholds) {
	for _, p := range r.mesh.FanoutPeers(topic) {
		ps, ok := r.peers.Get(p)
		stillSubscribed := ok
		if ok {
			_, stillSubscribed = ps.Subscriptions[topic]
		}
		if !stillSubscribed || r.scorer.Score(p) < thresholds.PublishThreshold {
			r.mesh.RemoveFromFanout(topic, p)
		}
	}

	fanout := r.mesh.FanoutPeers(topic)
	if len(fanout) >= r.cfg.MeshDegree {
		return
	}

	already := make(map[PeerID]struct{}, len(fanout))
	for _, p := range fanout {
		already[p] = struct{}{}
	}
	var candidates []PeerID
	for _, p := range r.peers.PeersSubscribedTo(topic) {
		if _, in := already[p]; !in {
			candidates = append(candidates, p)
		}
	}
	need := r.cfg.MeshDegree - len(fanout)
	chosen := r.mesh.SelectPeersForGraft(topic, need, candidates)
	for _, p := range chosen {
		if r.isDirectPeer(p) {
			continue
		}
		if r.scorer.Score(p) < thresholds.PublishThreshold {
			continue
		}
		r.mesh.AddToFanout(topic, p)
	}
}

// generateGossip emits IHAVE for recently seen
// message ids to a handful of non-mesh subscribers per topic.
func (r *Router) generateGossip(topic Topic, exclude map[PeerID]struct{}, thresholds *PeerScoreThresholds) {
	ids := r.msgCache.GetGossipIDs(topic)
	if len(ids) == 0 {
		return
	}
	if len(ids) > r.cfg.MaxIHaveMessages {
		ids = ids[:r.cfg.MaxIHaveMessages]
	}

	var candidates []PeerID
	for _, p := range r.peers.PeersSubscribedTo(topic) {
		if _, excluded := exclude[p]; excluded {
			continue
		}
		if r.isDirectPeer(p) {
			continue
		}
		ps, ok := r.peers.Get(p)
		if !ok || !ps.Version.SupportsControl() {
			continue
		}
		if r.scorer.Score(p) < thresholds.GossipThreshold {
			continue
		}
		candidates = append(candidates, p)
	}

	target := selectRandomPeers(candidates, r.cfg.GossipDegree)
	for _, p := range target {
		r.sendIHave(p, topic, ids)
	}
}

// selectRandomPeers returns up to count peers from peers in random order,
// for contexts (gossip fanout) where mesh membership isn't a filter.
func selectRandomPeers(peers []PeerID, count int) []PeerID {
	pool := append([]PeerID(nil), peers...)
	shufflePeerIDs(pool)
	if count >= 0 && count < len(pool) {
		pool = pool[:count]
	}
	return pool
}

func (r *Router) clearExpiredBackoffs() {
	now := r.clock.Now()
	for _, p := range r.peers.allPeerIDs() {
		r.peers.UpdatePeer(p, func(ps *PeerState) {
			for t, until := range ps.Backoff {
				if !now.Before(until) {
					delete(ps.Backoff, t)
				}
			}
		})
	}
}

func (r *Router) clearExpiredDontWants() {
	now := r.clock.Now()
	for _, p := range r.peers.allPeerIDs() {
		r.peers.UpdatePeer(p, func(ps *PeerState) {
			for id, expiry := range ps.DontWant {
				if now.After(expiry) {
					delete(ps.DontWant, id)
				}
			}
		})
	}
}

// performScoringMaintenance runs the heartbeat's score bookkeeping: decay
// every counter, then apply delivery-rate penalties and broken-promise
// penalties gathered without holding the scorer's lock, applying
// cross-peer penalties only after releasing it.
func (r *Router) performScoringMaintenance() {
	r.scorer.DecayAll()

	for p, penalty := range r.scorer.ApplyDeliveryRatePenalties() {
		if penalty < 0 {
			r.emit(Event{Kind: EventPeerPenalized, Peer: p, Reason: PenaltyLowDeliveryRate})
		}
	}

	broken := r.promises.GetBrokenPromises(r.clock.Now())
	for p, count := range broken {
		r.scorer.RecordBrokenPromise(p, count)
		r.emit(Event{Kind: EventBrokenPromisesDetected, Peer: p, Count: count})
	}
}
