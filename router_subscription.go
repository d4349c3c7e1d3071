package gossipsub

import "github.com/libp2p/go-gossipsub-core/pb"

// subscribeLocked implements Subscribe. Runs only on the event
// loop goroutine.
func (r *Router) subscribeLocked(topic Topic) (*Subscription, error) {
	if existing, ok := r.subscriptions[topic]; ok {
		return existing, &ErrAlreadySubscribed{Topic: topic}
	}

	if r.cfg.SubscriptionFilter != nil && !r.cfg.SubscriptionFilter.CanSubscribe(topic) {
		return nil, &ErrSubscriptionNotAllowed{Topic: topic}
	}

	switch r.mesh.TrySubscribe(topic, r.cfg.MaxSubscriptions) {
	case SubscribeLimitReached:
		return nil, &ErrMaxSubscriptionsReached{Limit: r.cfg.MaxSubscriptions}
	case SubscribeAlreadySubscribed:
		// MeshState and Router disagree; shouldn't happen, but fall through
		// to reuse the existing local registration defensively.
	}

	sub := newSubscription(topic, r)
	r.subscriptions[topic] = sub
	r.broadcastSubscriptionChange(topic, true)
	r.emit(Event{Kind: EventSubscribed, Topic: topic})
	return sub, nil
}

// unsubscribeLocked implements Unsubscribe: prune the mesh and
// send PRUNE to every former mesh peer.
func (r *Router) unsubscribeLocked(topic Topic) {
	sub, ok := r.subscriptions[topic]
	if !ok {
		return
	}
	delete(r.subscriptions, topic)
	sub.queue.close()

	meshPeers := r.mesh.Unsubscribe(topic)
	for _, p := range meshPeers {
		r.scorer.PeerLeftMesh(p, topic)
		r.sendPrune(p, topic, r.cfg.PruneBackoff, nil)
		r.emit(Event{Kind: EventPeerLeftMesh, Peer: p, Topic: topic})
	}

	r.broadcastSubscriptionChange(topic, false)
	r.emit(Event{Kind: EventUnsubscribed, Topic: topic})
}

// broadcastSubscriptionChange announces a local (un)subscribe to every
// connected peer.
func (r *Router) broadcastSubscriptionChange(topic Topic, subscribe bool) {
	opt := &pb.RPC_SubOpts{Subscribe: subscribe, Topicid: string(topic)}
	r.announceToAllPeers(&pb.RPC{Subscriptions: []*pb.RPC_SubOpts{opt}})
}

// announceToAllPeers is a narrow helper used only for local subscription
// announcements, which unlike message forwarding go to every connected
// peer regardless of topic membership.
func (r *Router) announceToAllPeers(rpc *pb.RPC) {
	for _, p := range r.peers.allPeerIDs() {
		_ = r.transport.SendRPC(p, rpc)
	}
}
