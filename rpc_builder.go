package gossipsub

import (
	"time"

	"github.com/libp2p/go-gossipsub-core/pb"
)

// sendGraft asks p to add us to its mesh for t.
func (r *Router) sendGraft(p PeerID, t Topic) {
	rpc := &pb.RPC{Control: &pb.ControlMessage{Graft: []*pb.ControlGraft{{TopicID: string(t)}}}}
	if err := r.transport.SendRPC(p, rpc); err != nil {
		log.Debugw("send GRAFT failed", "peer", p, "topic", t, "error", err)
	}
}

// sendPrune asks p to drop us from its mesh for t, optionally carrying a
// backoff and a peer-exchange candidate list. It also records the backoff
// against our own PeerState entry for p so a subsequent GRAFT from p
// within the window is rejected (GRAFT-during-backoff).
func (r *Router) sendPrune(p PeerID, t Topic, backoff time.Duration, px []*pb.PeerInfo) {
	ctrlPrune := &pb.ControlPrune{TopicID: string(t), Peers: px}
	if backoff > 0 {
		ctrlPrune.Backoff = uint64(backoff / time.Second)
		r.peers.UpdatePeer(p, func(ps *PeerState) {
			ps.Backoff[t] = r.clock.Now().Add(backoff)
		})
	}
	rpc := &pb.RPC{Control: &pb.ControlMessage{Prune: []*pb.ControlPrune{ctrlPrune}}}
	if err := r.transport.SendRPC(p, rpc); err != nil {
		log.Debugw("send PRUNE failed", "peer", p, "topic", t, "error", err)
	}
}

func (r *Router) sendIHave(p PeerID, t Topic, ids []MessageID) {
	if len(ids) == 0 {
		return
	}
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = string(id)
	}
	rpc := &pb.RPC{Control: &pb.ControlMessage{Ihave: []*pb.ControlIHave{{TopicID: string(t), MessageIDs: strIDs}}}}
	if err := r.transport.SendRPC(p, rpc); err != nil {
		log.Debugw("send IHAVE failed", "peer", p, "topic", t, "error", err)
	}
}

func (r *Router) sendIWant(p PeerID, ids []MessageID) {
	if len(ids) == 0 {
		return
	}
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = string(id)
	}
	rpc := &pb.RPC{Control: &pb.ControlMessage{Iwant: []*pb.ControlIWant{{MessageIDs: strIDs}}}}
	if err := r.transport.SendRPC(p, rpc); err != nil {
		log.Debugw("send IWANT failed", "peer", p, "error", err)
	}
	r.emit(Event{Kind: EventIWantSent, Peer: p})
}

func (r *Router) sendIDontWant(p PeerID, ids []MessageID) {
	if len(ids) == 0 {
		return
	}
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = string(id)
	}
	rpc := &pb.RPC{Control: &pb.ControlMessage{Idontwant: []*pb.ControlIDontWant{{MessageIDs: strIDs}}}}
	if err := r.transport.SendRPC(p, rpc); err != nil {
		log.Debugw("send IDONTWANT failed", "peer", p, "error", err)
	}
	r.emit(Event{Kind: EventIDontWantSent, Peer: p})
}

func (r *Router) forwardMessage(p PeerID, msg *pb.Message) {
	rpc := &pb.RPC{Publish: []*pb.Message{msg}}
	if err := r.transport.SendRPC(p, rpc); err != nil {
		log.Debugw("forward failed", "peer", p, "error", err)
	}
}
