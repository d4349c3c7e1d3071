package gossipsub

import (
	"sync"
	"time"
)

// GossipPromises tracks outstanding IWANT requests: for each message ID
// requested from a peer, a deadline by which that peer must deliver it or
// be charged a broken-promise penalty.
type GossipPromises struct {
	mu sync.Mutex
	// promises[id][peer] = deadline
	promises map[MessageID]map[PeerID]time.Time
}

func NewGossipPromises() *GossipPromises {
	return &GossipPromises{promises: make(map[MessageID]map[PeerID]time.Time)}
}

// AddPromise records that p was asked for id and must deliver it by
// now+followup. A second AddPromise for the same (id, p) pair before the
// first expires does not push the deadline out further.
func (g *GossipPromises) AddPromise(id MessageID, p PeerID, now time.Time, followup time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	byPeer, ok := g.promises[id]
	if !ok {
		byPeer = make(map[PeerID]time.Time)
		g.promises[id] = byPeer
	}
	if _, exists := byPeer[p]; exists {
		return
	}
	byPeer[p] = now.Add(followup)
}

// MessageDelivered clears every outstanding promise for id, across all
// peers that were asked for it, since delivery from any source satisfies
// them all.
func (g *GossipPromises) MessageDelivered(id MessageID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.promises, id)
}

// GetBrokenPromises scans for promises whose deadline has passed and
// removes them, returning the peers that failed to deliver and how many
// distinct messages each one owes a penalty for.
func (g *GossipPromises) GetBrokenPromises(now time.Time) map[PeerID]int {
	g.mu.Lock()
	defer g.mu.Unlock()

	broken := make(map[PeerID]int)
	for id, byPeer := range g.promises {
		for p, deadline := range byPeer {
			if now.After(deadline) {
				broken[p]++
				delete(byPeer, p)
			}
		}
		if len(byPeer) == 0 {
			delete(g.promises, id)
		}
	}
	return broken
}

// RemovePeer drops every promise tracked against p, called on disconnect
// so a departed peer cannot accrue further broken-promise penalties.
func (g *GossipPromises) RemovePeer(p PeerID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, byPeer := range g.promises {
		delete(byPeer, p)
		if len(byPeer) == 0 {
			delete(g.promises, id)
		}
	}
}
