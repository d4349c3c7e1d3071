package gossipsub

import (
	"math/rand"
	"sync"
	"time"
)

// SubscribeResult is the outcome of MeshState.TrySubscribe.
type SubscribeResult int

const (
	SubscribeOK SubscribeResult = iota
	SubscribeAlreadySubscribed
	SubscribeLimitReached
)

type topicMesh struct {
	subscribed    bool
	mesh          map[PeerID]struct{}
	fanout        map[PeerID]struct{}
	lastPublished time.Time
}

// MeshState owns the per-topic mesh and fanout sets plus the local
// subscription registry, under a single lock. A peer is a member of
// mesh[t] XOR fanout[t] for any topic, never both.
type MeshState struct {
	mu     sync.Mutex
	topics map[Topic]*topicMesh
}

// NewMeshState returns an empty MeshState.
func NewMeshState() *MeshState {
	return &MeshState{topics: make(map[Topic]*topicMesh)}
}

func (m *MeshState) get(t Topic) *topicMesh {
	tm, ok := m.topics[t]
	if !ok {
		tm = &topicMesh{mesh: make(map[PeerID]struct{}), fanout: make(map[PeerID]struct{})}
		m.topics[t] = tm
	}
	return tm
}

// TrySubscribe marks t as locally subscribed, enforcing maxSubscriptions
// (0 means unlimited). Atomic: the check and the mutation happen under one
// lock acquisition.
func (m *MeshState) TrySubscribe(t Topic, maxSubscriptions int) SubscribeResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	tm := m.get(t)
	if tm.subscribed {
		return SubscribeAlreadySubscribed
	}

	if maxSubscriptions > 0 {
		count := 0
		for _, other := range m.topics {
			if other.subscribed {
				count++
			}
		}
		if count >= maxSubscriptions {
			return SubscribeLimitReached
		}
	}

	tm.subscribed = true
	return SubscribeOK
}

// Unsubscribe clears the local subscription flag and the mesh set for t,
// returning the mesh peers that were present (the caller emits PRUNE to
// each). Fanout and lastPublished are retained in case of a future
// publish-without-subscribe.
func (m *MeshState) Unsubscribe(t Topic) []PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()

	tm, ok := m.topics[t]
	if !ok {
		return nil
	}
	tm.subscribed = false

	peers := make([]PeerID, 0, len(tm.mesh))
	for p := range tm.mesh {
		peers = append(peers, p)
	}
	tm.mesh = make(map[PeerID]struct{})
	return peers
}

func (m *MeshState) IsSubscribed(t Topic) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	tm, ok := m.topics[t]
	return ok && tm.subscribed
}

func (m *MeshState) SubscribedTopics() []Topic {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Topic, 0, len(m.topics))
	for t, tm := range m.topics {
		if tm.subscribed {
			out = append(out, t)
		}
	}
	return out
}

// AddToMesh adds p to mesh[t], removing it from fanout[t] if present
// so a peer is never counted in both sets at once.
func (m *MeshState) AddToMesh(t Topic, p PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tm := m.get(t)
	delete(tm.fanout, p)
	tm.mesh[p] = struct{}{}
}

// RemoveFromMesh removes p from mesh[t].
func (m *MeshState) RemoveFromMesh(t Topic, p PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tm, ok := m.topics[t]; ok {
		delete(tm.mesh, p)
	}
}

func (m *MeshState) IsInMesh(t Topic, p PeerID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	tm, ok := m.topics[t]
	if !ok {
		return false
	}
	_, in := tm.mesh[p]
	return in
}

func (m *MeshState) MeshPeers(t Topic) []PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	tm, ok := m.topics[t]
	if !ok {
		return nil
	}
	out := make([]PeerID, 0, len(tm.mesh))
	for p := range tm.mesh {
		out = append(out, p)
	}
	return out
}

func (m *MeshState) MeshPeerCount(t Topic) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	tm, ok := m.topics[t]
	if !ok {
		return 0
	}
	return len(tm.mesh)
}

// TouchFanout marks the topic as just-published-to, so CleanupFanout keeps
// its fanout set for another ttl. It does not add any peer; see AddToFanout.
func (m *MeshState) TouchFanout(t Topic, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tm := m.get(t)
	tm.lastPublished = now
}

func (m *MeshState) AddToFanout(t Topic, p PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tm := m.get(t)
	if _, inMesh := tm.mesh[p]; inMesh {
		return
	}
	tm.fanout[p] = struct{}{}
}

// RemoveFromFanout removes p from fanout[t].
func (m *MeshState) RemoveFromFanout(t Topic, p PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tm, ok := m.topics[t]; ok {
		delete(tm.fanout, p)
	}
}

func (m *MeshState) FanoutPeers(t Topic) []PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	tm, ok := m.topics[t]
	if !ok {
		return nil
	}
	out := make([]PeerID, 0, len(tm.fanout))
	for p := range tm.fanout {
		out = append(out, p)
	}
	return out
}

// CleanupFanout drops fanout state for topics that are not subscribed and
// have not been published to within ttl.
func (m *MeshState) CleanupFanout(now time.Time, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for t, tm := range m.topics {
		if tm.subscribed {
			continue
		}
		if len(tm.fanout) == 0 {
			continue
		}
		if now.Sub(tm.lastPublished) > ttl {
			tm.fanout = make(map[PeerID]struct{})
		}
	}
}

// RemovePeerFromAll removes p from every topic's mesh and fanout sets
// (peer disconnect).
func (m *MeshState) RemovePeerFromAll(p PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tm := range m.topics {
		delete(tm.mesh, p)
		delete(tm.fanout, p)
	}
}

// SelectPeersForGraft returns up to count peers from candidates that are
// not already in mesh[t], in random order.
func (m *MeshState) SelectPeersForGraft(t Topic, count int, candidates []PeerID) []PeerID {
	m.mu.Lock()
	tm, ok := m.topics[t]
	pool := make([]PeerID, 0, len(candidates))
	for _, p := range candidates {
		if ok {
			if _, in := tm.mesh[p]; in {
				continue
			}
		}
		pool = append(pool, p)
	}
	m.mu.Unlock()

	shufflePeerIDs(pool)
	if count >= 0 && count < len(pool) {
		pool = pool[:count]
	}
	return pool
}

// SelectPeersForPrune picks peers to drop from mesh[t] down to targetCount,
// pruning inbound peers first and only dipping into outbound peers beyond
// protectOutbound.
func (m *MeshState) SelectPeersForPrune(t Topic, targetCount int, protectOutbound int, outboundPeers map[PeerID]struct{}) []PeerID {
	m.mu.Lock()
	tm, ok := m.topics[t]
	var all []PeerID
	if ok {
		all = make([]PeerID, 0, len(tm.mesh))
		for p := range tm.mesh {
			all = append(all, p)
		}
	}
	m.mu.Unlock()

	if len(all) <= targetCount {
		return nil
	}

	var inbound, outbound []PeerID
	for _, p := range all {
		if _, isOut := outboundPeers[p]; isOut {
			outbound = append(outbound, p)
		} else {
			inbound = append(inbound, p)
		}
	}
	shufflePeerIDs(inbound)
	shufflePeerIDs(outbound)

	toDrop := len(all) - targetCount
	var pruned []PeerID

	for len(pruned) < toDrop && len(inbound) > 0 {
		pruned = append(pruned, inbound[0])
		inbound = inbound[1:]
	}

	excessOutbound := len(outbound) - protectOutbound
	for len(pruned) < toDrop && excessOutbound > 0 && len(outbound) > 0 {
		pruned = append(pruned, outbound[0])
		outbound = outbound[1:]
		excessOutbound--
	}

	return pruned
}

func shufflePeerIDs(peers []PeerID) {
	rand.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })
}
