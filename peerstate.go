package gossipsub

import (
	"sync"
	"time"
)

// MaxDontWantPerPeer caps how many IDONTWANT message IDs are retained per
// peer, matching MaxIDontWantsPerPeer in config.go.
const MaxDontWantPerPeer = MaxIDontWantsPerPeer

// PeerState is the immutable-by-convention snapshot of everything the
// router tracks about one connected peer. Updates go through
// PeerStateManager.UpdatePeer, which copies, mutates, and stores a new
// value rather than mutating in place, so readers never observe a
// half-updated peer.
type PeerState struct {
	ID          PeerID
	Version     Version
	Direction   Direction
	ConnectedAt time.Time
	LastSeen    time.Time
	RemoteAddr  string

	Subscriptions map[Topic]struct{}

	// Backoff[topic] is the time before which a GRAFT to/from this peer on
	// topic must be rejected (PRUNE backoff).
	Backoff map[Topic]time.Time

	IWantCount int

	// PendingGraft[topic] marks a GRAFT sent to this peer that has not yet
	// been reflected in mesh state, to avoid double-sending.
	PendingGraft map[Topic]struct{}

	// DontWant tracks message IDs this peer announced via IDONTWANT, each
	// with its expiry. Capped at MaxDontWantPerPeer (oldest evicted first).
	DontWant     map[MessageID]time.Time
	dontWantOrder []MessageID
}

func newPeerState(id PeerID, version Version, dir Direction, remoteAddr string, now time.Time) *PeerState {
	return &PeerState{
		ID:            id,
		Version:       version,
		Direction:     dir,
		ConnectedAt:   now,
		LastSeen:      now,
		RemoteAddr:    remoteAddr,
		Subscriptions: make(map[Topic]struct{}),
		Backoff:       make(map[Topic]time.Time),
		PendingGraft:  make(map[Topic]struct{}),
		DontWant:      make(map[MessageID]time.Time),
	}
}

func (p *PeerState) clone() *PeerState {
	c := *p
	c.Subscriptions = make(map[Topic]struct{}, len(p.Subscriptions))
	for t := range p.Subscriptions {
		c.Subscriptions[t] = struct{}{}
	}
	c.Backoff = make(map[Topic]time.Time, len(p.Backoff))
	for t, at := range p.Backoff {
		c.Backoff[t] = at
	}
	c.PendingGraft = make(map[Topic]struct{}, len(p.PendingGraft))
	for t := range p.PendingGraft {
		c.PendingGraft[t] = struct{}{}
	}
	c.DontWant = make(map[MessageID]time.Time, len(p.DontWant))
	for id, at := range p.DontWant {
		c.DontWant[id] = at
	}
	c.dontWantOrder = append([]MessageID(nil), p.dontWantOrder...)
	return &c
}

func (p *PeerState) HasBackoff(t Topic, now time.Time) bool {
	until, ok := p.Backoff[t]
	return ok && now.Before(until)
}

func (p *PeerState) WantsMessage(id MessageID, now time.Time) bool {
	until, ok := p.DontWant[id]
	if !ok {
		return true
	}
	return now.After(until)
}

func (p *PeerState) recordDontWant(id MessageID, expiry time.Time) {
	if _, exists := p.DontWant[id]; !exists {
		p.dontWantOrder = append(p.dontWantOrder, id)
	}
	p.DontWant[id] = expiry
	for len(p.dontWantOrder) > MaxDontWantPerPeer {
		oldest := p.dontWantOrder[0]
		p.dontWantOrder = p.dontWantOrder[1:]
		delete(p.DontWant, oldest)
	}
}

// PeerStateManager owns the collection of connected peers, indexed under a
// single mutex.
type PeerStateManager struct {
	mu    sync.Mutex
	peers map[PeerID]*PeerState
}

func NewPeerStateManager() *PeerStateManager {
	return &PeerStateManager{peers: make(map[PeerID]*PeerState)}
}

func (m *PeerStateManager) AddPeer(id PeerID, version Version, dir Direction, remoteAddr string, now time.Time) *PeerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps := newPeerState(id, version, dir, remoteAddr, now)
	m.peers[id] = ps
	return ps
}

func (m *PeerStateManager) RemovePeer(id PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, id)
}

func (m *PeerStateManager) Get(id PeerID) (*PeerState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.peers[id]
	if !ok {
		return nil, false
	}
	return ps.clone(), true
}

// UpdatePeer applies fn to a clone of the current state for id and stores
// the result, so concurrent readers of Get never see a partially mutated
// PeerState.
func (m *PeerStateManager) UpdatePeer(id PeerID, fn func(*PeerState)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.peers[id]
	if !ok {
		return false
	}
	next := ps.clone()
	fn(next)
	m.peers[id] = next
	return true
}

// PeersSubscribedTo returns every connected peer currently subscribed to
// topic.
func (m *PeerStateManager) PeersSubscribedTo(t Topic) []PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PeerID
	for id, ps := range m.peers {
		if _, ok := ps.Subscriptions[t]; ok {
			out = append(out, id)
		}
	}
	return out
}

// PeersNotBackedOff filters candidates down to those without an active
// PRUNE backoff on topic.
func (m *PeerStateManager) PeersNotBackedOff(t Topic, candidates []PeerID, now time.Time) []PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PeerID
	for _, id := range candidates {
		ps, ok := m.peers[id]
		if !ok || !ps.HasBackoff(t, now) {
			out = append(out, id)
		}
	}
	return out
}

// OutboundPeersSubscribedTo returns the subset of PeersSubscribedTo(t)
// that were dialed outbound by the local node, used to protect mesh
// diversity during pruning (eclipse-attack mitigation).
func (m *PeerStateManager) OutboundPeersSubscribedTo(t Topic) map[PeerID]struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[PeerID]struct{})
	for id, ps := range m.peers {
		if ps.Direction == DirectionOutbound {
			if _, ok := ps.Subscriptions[t]; ok {
				out[id] = struct{}{}
			}
		}
	}
	return out
}

// allPeerIDs returns every connected peer, in no particular order.
func (m *PeerStateManager) allPeerIDs() []PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PeerID, 0, len(m.peers))
	for id := range m.peers {
		out = append(out, id)
	}
	return out
}

func (m *PeerStateManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers)
}
