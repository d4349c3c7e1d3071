package gossipsub

import (
	"net"
	"strings"
)

// handlePeerConnected installs state for a newly connected peer. Runs only
// on the event loop goroutine.
func (r *Router) handlePeerConnected(p PeerID, version Version, direction Direction, remoteAddr string) {
	now := r.clock.Now()
	r.peers.AddPeer(p, version, direction, remoteAddr, now)
	r.scorer.AddPeer(p)
	if r.isDirectPeer(p) {
		r.scorer.RegisterProtectedPeer(p)
	}

	if ip := extractIP(remoteAddr); ip != "" {
		colocated, penalized := r.scorer.RegisterPeerIP(p, ip)
		if penalized {
			r.emit(Event{Kind: EventSybilSuspected, IP: ip, PeerCount: len(colocated), Peers: colocated})
			for _, q := range colocated {
				r.emit(Event{Kind: EventPeerPenalized, Peer: q, Reason: PenaltyIPColocation, IP: ip})
			}
		}
	}

	r.emit(Event{Kind: EventPeerConnected, Peer: p})
}

// handlePeerDisconnected tears down state for a departed peer:
// purge mesh membership, peer state, scorer entry, and promise ledger
// entries for p.
func (r *Router) handlePeerDisconnected(p PeerID) {
	r.mesh.RemovePeerFromAll(p)
	r.peers.RemovePeer(p)
	r.scorer.RemovePeer(p)
	r.promises.RemovePeer(p)
	r.emit(Event{Kind: EventPeerDisconnected, Peer: p})
}

// extractIP pulls a bare IP out of either a "host:port" remote address or
// a libp2p-style multiaddr ("/ip4/1.2.3.4/tcp/4001", "/ip6/::1/udp/4001/quic").
// Returns "" if remoteAddr is empty or no address component is found.
func extractIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	if strings.HasPrefix(remoteAddr, "/") {
		parts := strings.Split(remoteAddr, "/")
		for i, part := range parts {
			if (part == "ip4" || part == "ip6") && i+1 < len(parts) {
				return parts[i+1]
			}
		}
		return ""
	}
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	if net.ParseIP(remoteAddr) != nil {
		return remoteAddr
	}
	return ""
}
