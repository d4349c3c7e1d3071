package gossipsub

import (
	"context"

	"github.com/libp2p/go-gossipsub-core/pb"
)

// Transport is the external collaborator that owns stream multiplexing,
// protocol negotiation, and wire encoding (all explicitly out of scope for
// this module). The router hands it outbound RPCs via SendRPC; it never
// touches a network socket itself. The router in this module does not call
// Connect, TagPeer or UntagPeer: peer-exchange candidates are reported to
// the application through EventPeerExchangeConnect instead of being dialed.
type Transport interface {
	// SendRPC delivers an outbound RPC to peer p. Implementations should
	// drop (not block) when p's outbound queue is full, matching this
	// module's bounded per-peer channel semantics.
	SendRPC(p PeerID, rpc *pb.RPC) error

	// Connect asks the transport to establish a connection to p. It is not
	// called by the router itself.
	Connect(ctx context.Context, p PeerID) error

	// TagPeer/UntagPeer are connection-manager weighting hints so a
	// transport-level connection manager can protect peers this router
	// values (mesh membership, direct peers) from being pruned under
	// connection pressure.
	TagPeer(p PeerID, tag string, weight int)
	UntagPeer(p PeerID, tag string)
}
