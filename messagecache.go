package gossipsub

import (
	"sync"

	"github.com/libp2p/go-gossipsub-core/pb"
)

type cacheEntry struct {
	msg        *pb.Message
	topic      Topic
	sentTo     map[PeerID]int // IWANT retransmission count per peer, for spam cutoff
}

// MessageCache is a sliding window of recently published/forwarded
// messages, used to answer IWANT requests and to build IHAVE gossip.
// windowCount buckets are kept; only the first gossipWindowCount are
// advertised via gossip.
type MessageCache struct {
	mu               sync.Mutex
	windowCount      int
	gossipWindowCount int
	msgs             map[MessageID]*cacheEntry
	history          [][]MessageID // history[0] is the current (newest) window
}

// NewMessageCache returns a MessageCache with windowCount history buckets,
// of which gossipWindowCount are eligible for IHAVE gossip.
func NewMessageCache(windowCount, gossipWindowCount int) *MessageCache {
	history := make([][]MessageID, windowCount)
	return &MessageCache{
		windowCount:       windowCount,
		gossipWindowCount: gossipWindowCount,
		msgs:              make(map[MessageID]*cacheEntry),
		history:           history,
	}
}

// Put stores msg under id in the current window. A duplicate Put (id
// already present) is a no-op: the original entry, and its per-peer
// retransmission counts, are preserved.
func (c *MessageCache) Put(id MessageID, topic Topic, msg *pb.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.msgs[id]; ok {
		return
	}
	c.msgs[id] = &cacheEntry{msg: msg, topic: topic, sentTo: make(map[PeerID]int)}
	c.history[0] = append(c.history[0], id)
}

// Get returns the cached message for id, if present.
func (c *MessageCache) Get(id MessageID) (*pb.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.msgs[id]
	if !ok {
		return nil, false
	}
	return e.msg, true
}

// GetMultiple resolves a batch of requested IDs, splitting hits from
// misses.
func (c *MessageCache) GetMultiple(ids []MessageID) (found []*pb.Message, missing []MessageID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		if e, ok := c.msgs[id]; ok {
			found = append(found, e.msg)
		} else {
			missing = append(missing, id)
		}
	}
	return found, missing
}

// GetForPeer resolves id for a specific requesting peer, tracking how many
// times that peer has been sent this message via IWANT. The caller uses
// the returned count to decide whether to honor a repeated request
// (retransmission-spam cutoff).
func (c *MessageCache) GetForPeer(id MessageID, p PeerID) (msg *pb.Message, count int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, exists := c.msgs[id]
	if !exists {
		return nil, 0, false
	}
	e.sentTo[p]++
	return e.msg, e.sentTo[p], true
}

// GetGossipIDs returns the message IDs eligible for IHAVE gossip on topic,
// drawn from the gossip-eligible window buckets only.
func (c *MessageCache) GetGossipIDs(topic Topic) []MessageID {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []MessageID
	limit := c.gossipWindowCount
	if limit > len(c.history) {
		limit = len(c.history)
	}
	for i := 0; i < limit; i++ {
		for _, id := range c.history[i] {
			if e, ok := c.msgs[id]; ok && e.topic == topic {
				out = append(out, id)
			}
		}
	}
	return out
}

// Shift rotates the history window, dropping the oldest bucket and the
// messages it alone referenced. Called once per heartbeat.
func (c *MessageCache) Shift() {
	c.mu.Lock()
	defer c.mu.Unlock()

	last := c.history[len(c.history)-1]
	for _, id := range last {
		delete(c.msgs, id)
	}
	copy(c.history[1:], c.history[:len(c.history)-1])
	c.history[0] = nil
}
