package gossipsub

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/libp2p/go-gossipsub-core/pb"
	"github.com/libp2p/go-libp2p/core/crypto"
)

// publishLocked implements Publish. Runs only on the event loop
// goroutine.
func (r *Router) publishLocked(topic Topic, data []byte) (MessageID, error) {
	if len(data) > r.cfg.MaxMessageSize {
		return "", &ErrMessageTooLarge{Size: len(data), Max: r.cfg.MaxMessageSize}
	}

	msg, err := r.buildMessage(topic, data)
	if err != nil {
		return "", err
	}

	id := r.cfg.MsgIDFn(msg)
	r.seenCache.Add(id)
	r.msgCache.Put(id, topic, msg)

	if !r.mesh.IsSubscribed(topic) {
		r.mesh.TouchFanout(topic, r.clock.Now())
	}

	targets := r.peersForPublish(topic)
	rpc := &pb.RPC{Publish: []*pb.Message{msg}}
	for _, p := range targets {
		if err := r.transport.SendRPC(p, rpc); err != nil {
			log.Debugw("publish send failed", "peer", p, "topic", topic, "error", err)
		}
	}

	r.emit(Event{Kind: EventMessagePublished, Topic: topic, MessageID: id, Peers: targets})
	return id, nil
}

// buildMessage constructs the wire message for data on topic according to
// the effective authenticity mode.
func (r *Router) buildMessage(topic Topic, data []byte) (*pb.Message, error) {
	switch r.cfg.Authenticity {
	case AuthenticityAnonymous:
		if !r.cfg.customMsgID {
			return nil, ErrAnonymousModeRequiresCustomMessageID
		}
		return &pb.Message{Data: data, Topic: string(topic)}, nil

	case AuthenticityNone:
		return &pb.Message{
			From:  []byte(r.local),
			Data:  data,
			Seqno: r.nextSeqno(),
			Topic: string(topic),
		}, nil

	case AuthenticityPermissive:
		msg := &pb.Message{
			From:  []byte(r.local),
			Data:  data,
			Seqno: r.nextSeqno(),
			Topic: string(topic),
		}
		if r.cfg.SigningKey != nil {
			r.signMessage(msg)
		}
		return msg, nil

	default: // AuthenticityStrict
		if r.cfg.SigningKey == nil {
			return nil, ErrSigningKeyRequired
		}
		msg := &pb.Message{
			From:  []byte(r.local),
			Data:  data,
			Seqno: r.nextSeqno(),
			Topic: string(topic),
		}
		r.signMessage(msg)
		return msg, nil
	}
}

func (r *Router) signMessage(msg *pb.Message) {
	sig, err := r.cfg.SigningKey.Sign(signingBytes(msg))
	if err != nil {
		log.Warnw("failed to sign outgoing message", "error", err)
		return
	}
	msg.Signature = sig
	if pub := r.cfg.SigningKey.GetPublic(); pub != nil {
		if key, err := crypto.MarshalPublicKey(pub); err == nil {
			msg.Key = key
		}
	}
}

func (r *Router) nextSeqno() []byte {
	seqno := make([]byte, 8)
	counter := atomic.AddUint64(&r.seqCounter, 1)
	binary.BigEndian.PutUint64(seqno, counter)
	return seqno
}

// peersForPublish returns the set a locally originated message is sent to:
// mesh members if we're subscribed (else fanout, extended with random
// subscribers up to MeshDegree whenever it holds fewer than MeshDegree
// peers), direct peers, and, if FloodPublish is enabled, a bounded set of
// additional subscribers regardless of mesh membership.
func (r *Router) peersForPublish(topic Topic) []PeerID {
	seen := make(map[PeerID]struct{})
	var out []PeerID
	add := func(p PeerID) {
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}

	if r.mesh.IsSubscribed(topic) {
		for _, p := range r.mesh.MeshPeers(topic) {
			add(p)
		}
	} else {
		fanout := r.mesh.FanoutPeers(topic)
		if len(fanout) < r.cfg.MeshDegree {
			candidates := r.peers.PeersSubscribedTo(topic)
			for _, p := range r.mesh.SelectPeersForGraft(topic, r.cfg.MeshDegree-len(fanout), candidates) {
				r.mesh.AddToFanout(topic, p)
			}
			fanout = r.mesh.FanoutPeers(topic)
		}
		for _, p := range fanout {
			add(p)
		}
	}

	for p := range r.directPeers {
		if ps, ok := r.peers.Get(p); ok {
			if _, subscribed := ps.Subscriptions[topic]; subscribed {
				add(p)
			}
		}
	}

	if r.cfg.FloodPublish {
		for _, p := range r.peers.PeersSubscribedTo(topic) {
			if len(out) >= r.cfg.FloodPublishMaxPeers {
				break
			}
			add(p)
		}
	}

	return out
}
