package gossipsub

import "github.com/libp2p/go-libp2p/core/peer"

// PeerID is the stable, hashable peer identity used throughout the router.
// It is the ecosystem's own peer.ID rather than a local newtype, since
// peer-identity is an external collaborator concern (key generation,
// signature primitives) and peer.ID is already comparable and hashable.
type PeerID = peer.ID

// Topic is an opaque topic key.
type Topic string

// MessageID is an opaque message identity, derived either by default
// (source||seqno) or by a caller-supplied MsgIDFunction.
type MessageID string

// Version enumerates the GossipSub protocol versions a peer may speak.
// Protocol negotiation itself (mapping a wire protocol.ID to a Version) is
// an external collaborator's job; the router only ever reasons about
// Version.
type Version int

const (
	VersionFloodsub Version = iota
	VersionV10
	VersionV11
	VersionV12
)

func (v Version) String() string {
	switch v {
	case VersionFloodsub:
		return "floodsub"
	case VersionV10:
		return "gossipsub-v1.0"
	case VersionV11:
		return "gossipsub-v1.1"
	case VersionV12:
		return "gossipsub-v1.2"
	default:
		return "unknown"
	}
}

// SupportsControl reports whether this version carries GRAFT/PRUNE/IHAVE/IWANT.
func (v Version) SupportsControl() bool { return v != VersionFloodsub }

// SupportsIDontWant reports whether this version carries IDONTWANT (v1.2+).
func (v Version) SupportsIDontWant() bool { return v >= VersionV12 }

// Less reports version ordering: floodsub < v1.0 < v1.1 < v1.2.
func (v Version) Less(o Version) bool { return v < o }

// Direction enumerates connection direction for a peer.
type Direction int

const (
	DirectionInbound Direction = iota
	DirectionOutbound
)

func (d Direction) String() string {
	if d == DirectionOutbound {
		return "outbound"
	}
	return "inbound"
}
