// Package pb holds the in-memory representation of the GossipSub RPC wire
// message. Encoding/decoding to the actual libp2p pubsub protobuf is the
// protocol-negotiation/wire-codec layer's job and is out of scope for this
// module; these types exist so the router has something concrete to build
// and consume. The field names and nil-safe Get* accessors follow the shape
// of the real generated gogo/protobuf types so code written against the
// upstream library reads the same way here.
package pb

// RPC is a single batch exchanged with a peer: subscription changes,
// payload messages, and an optional control batch.
type RPC struct {
	Subscriptions []*RPC_SubOpts
	Publish       []*Message
	Control       *ControlMessage
}

func (m *RPC) GetSubscriptions() []*RPC_SubOpts {
	if m == nil {
		return nil
	}
	return m.Subscriptions
}

func (m *RPC) GetPublish() []*Message {
	if m == nil {
		return nil
	}
	return m.Publish
}

func (m *RPC) GetControl() *ControlMessage {
	if m == nil {
		return nil
	}
	return m.Control
}

// RPC_SubOpts announces a subscribe or unsubscribe for a topic.
type RPC_SubOpts struct {
	Subscribe bool
	Topicid   string
}

func (m *RPC_SubOpts) GetSubscribe() bool {
	if m == nil {
		return false
	}
	return m.Subscribe
}

func (m *RPC_SubOpts) GetTopicid() string {
	if m == nil {
		return ""
	}
	return m.Topicid
}

// Message is a single GossipSub payload message.
type Message struct {
	From      []byte
	Data      []byte
	Seqno     []byte
	Topic     string
	Signature []byte
	Key       []byte
}

func (m *Message) GetFrom() []byte {
	if m == nil {
		return nil
	}
	return m.From
}

func (m *Message) GetData() []byte {
	if m == nil {
		return nil
	}
	return m.Data
}

func (m *Message) GetSeqno() []byte {
	if m == nil {
		return nil
	}
	return m.Seqno
}

func (m *Message) GetTopic() string {
	if m == nil {
		return ""
	}
	return m.Topic
}

func (m *Message) GetSignature() []byte {
	if m == nil {
		return nil
	}
	return m.Signature
}

func (m *Message) GetKey() []byte {
	if m == nil {
		return nil
	}
	return m.Key
}

// Clone returns a shallow copy of the message; byte slices are shared, the
// struct is not. Used when the router needs to rewrite a message's id
// without mutating the caller's copy.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	return &cp
}

// ControlMessage is the batch of gossip/mesh-maintenance control records
// piggybacked on an RPC.
type ControlMessage struct {
	Ihave     []*ControlIHave
	Iwant     []*ControlIWant
	Graft     []*ControlGraft
	Prune     []*ControlPrune
	Idontwant []*ControlIDontWant
}

func (m *ControlMessage) GetIhave() []*ControlIHave {
	if m == nil {
		return nil
	}
	return m.Ihave
}

func (m *ControlMessage) GetIwant() []*ControlIWant {
	if m == nil {
		return nil
	}
	return m.Iwant
}

func (m *ControlMessage) GetGraft() []*ControlGraft {
	if m == nil {
		return nil
	}
	return m.Graft
}

func (m *ControlMessage) GetPrune() []*ControlPrune {
	if m == nil {
		return nil
	}
	return m.Prune
}

func (m *ControlMessage) GetIdontwant() []*ControlIDontWant {
	if m == nil {
		return nil
	}
	return m.Idontwant
}

type ControlGraft struct {
	TopicID string
}

func (m *ControlGraft) GetTopicID() string {
	if m == nil {
		return ""
	}
	return m.TopicID
}

type ControlPrune struct {
	TopicID string
	Peers   []*PeerInfo
	Backoff uint64 // seconds; 0 means "not specified"
}

func (m *ControlPrune) GetTopicID() string {
	if m == nil {
		return ""
	}
	return m.TopicID
}

func (m *ControlPrune) GetPeers() []*PeerInfo {
	if m == nil {
		return nil
	}
	return m.Peers
}

func (m *ControlPrune) GetBackoff() uint64 {
	if m == nil {
		return 0
	}
	return m.Backoff
}

type ControlIHave struct {
	TopicID    string
	MessageIDs []string
}

func (m *ControlIHave) GetTopicID() string {
	if m == nil {
		return ""
	}
	return m.TopicID
}

func (m *ControlIHave) GetMessageIDs() []string {
	if m == nil {
		return nil
	}
	return m.MessageIDs
}

type ControlIWant struct {
	MessageIDs []string
}

func (m *ControlIWant) GetMessageIDs() []string {
	if m == nil {
		return nil
	}
	return m.MessageIDs
}

// ControlIDontWant is the GossipSub v1.2 addition: a hint to suppress
// forwarding of specific message ids.
type ControlIDontWant struct {
	MessageIDs []string
}

func (m *ControlIDontWant) GetMessageIDs() []string {
	if m == nil {
		return nil
	}
	return m.MessageIDs
}

// PeerInfo is a peer exchange candidate: a bare peer ID plus an optional
// signed peer record (serialized envelope.Envelope bytes).
type PeerInfo struct {
	PeerID           []byte
	SignedPeerRecord []byte
}

func (m *PeerInfo) GetPeerID() []byte {
	if m == nil {
		return nil
	}
	return m.PeerID
}

func (m *PeerInfo) GetSignedPeerRecord() []byte {
	if m == nil {
		return nil
	}
	return m.SignedPeerRecord
}
