package gossipsub

import (
	"time"

	"github.com/libp2p/go-gossipsub-core/envelope"
	"github.com/libp2p/go-gossipsub-core/pb"
	"github.com/libp2p/go-libp2p/core/peer"
)

type routerValidatorCtx struct{ done <-chan struct{} }

func (c routerValidatorCtx) Done() <-chan struct{} { return c.done }

// handleRPC implements the RPC ingress pipeline. Runs only on the
// event loop goroutine.
func (r *Router) handleRPC(from PeerID, rpc *pb.RPC) {
	ps, ok := r.peers.Get(from)
	if !ok {
		log.Debugw("dropping RPC from unknown peer", "peer", from)
		return
	}

	subs := rpc.GetSubscriptions()
	if r.cfg.SubscriptionFilter != nil && len(subs) > 0 {
		filtered, err := r.cfg.SubscriptionFilter.FilterIncomingSubscriptions(from, subs)
		if err != nil {
			log.Debugw("subscription filter rejected RPC", "peer", from, "error", err)
			return
		}
		subs = filtered
	}
	r.applySubscriptions(from, subs)

	for _, msg := range rpc.GetPublish() {
		r.messagePipeline(from, msg)
	}

	if ps.Version.SupportsControl() && rpc.GetControl() != nil {
		r.handleControl(from, ps, rpc.GetControl())
	}
}

func (r *Router) applySubscriptions(from PeerID, subs []*pb.RPC_SubOpts) {
	for _, s := range subs {
		topic := Topic(s.GetTopicid())
		if s.GetSubscribe() {
			r.peers.UpdatePeer(from, func(ps *PeerState) { ps.Subscriptions[topic] = struct{}{} })
			r.emit(Event{Kind: EventPeerSubscribed, Peer: from, Topic: topic})
		} else {
			r.peers.UpdatePeer(from, func(ps *PeerState) { delete(ps.Subscriptions, topic) })
			r.mesh.RemoveFromMesh(topic, from)
			r.scorer.PeerLeftMesh(from, topic)
			r.emit(Event{Kind: EventPeerUnsubscribed, Peer: from, Topic: topic})
		}
	}
}

func (r *Router) handleControl(from PeerID, ps *PeerState, ctrl *pb.ControlMessage) {
	var wantIDs []MessageID
	now := r.clock.Now()

	for _, ihave := range ctrl.GetIhave() {
		topic := Topic(ihave.GetTopicID())
		r.emit(Event{Kind: EventIHaveReceived, Peer: from, Topic: topic})
		for _, idStr := range ihave.GetMessageIDs() {
			id := MessageID(idStr)
			if len(wantIDs) >= r.cfg.MaxIWantMessages {
				break
			}
			if r.seenCache.Contains(id) {
				continue
			}
			wantIDs = append(wantIDs, id)
			r.promises.AddPromise(id, from, now, r.cfg.IWantFollowupTime)
		}
	}
	if len(wantIDs) > 0 {
		r.sendIWant(from, wantIDs)
	}

	thresholds := r.scoreThresholds()
	var responseMsgs []*pb.Message
	if !r.scorer.IsGraylisted(from, thresholds.GraylistThreshold) {
		for _, iwant := range ctrl.GetIwant() {
			for _, idStr := range iwant.GetMessageIDs() {
				id := MessageID(idStr)
				outcome, _ := r.scorer.TrackIWantRequest(from, id)
				if outcome == IWantExcessive {
					r.scorer.RecordExcessiveIWant(from)
					r.emit(Event{Kind: EventPeerPenalized, Peer: from, Reason: PenaltyExcessiveIWant})
				}
				if msg, count, found := r.msgCache.GetForPeer(id, from); found && count <= GossipRetransmission {
					responseMsgs = append(responseMsgs, msg)
				}
			}
		}
	}
	if len(responseMsgs) > 0 {
		if err := r.transport.SendRPC(from, &pb.RPC{Publish: responseMsgs}); err != nil {
			log.Debugw("send IWANT response failed", "peer", from, "error", err)
		}
	}

	for _, graft := range ctrl.GetGraft() {
		r.handleGraft(from, ps, Topic(graft.GetTopicID()))
	}

	for _, prune := range ctrl.GetPrune() {
		r.handlePrune(from, Topic(prune.GetTopicID()), prune)
	}

	if ps.Version.SupportsIDontWant() {
		for _, idw := range ctrl.GetIdontwant() {
			expiry := now.Add(r.cfg.IDontWantTTL)
			r.peers.UpdatePeer(from, func(ps *PeerState) {
				for _, idStr := range idw.GetMessageIDs() {
					ps.recordDontWant(MessageID(idStr), expiry)
				}
			})
			r.emit(Event{Kind: EventIDontWantReceived, Peer: from})
		}
	}
}

func (r *Router) handleGraft(from PeerID, ps *PeerState, topic Topic) {
	now := r.clock.Now()

	if !r.mesh.IsSubscribed(topic) {
		r.sendPrune(from, topic, r.cfg.PruneBackoff, nil)
		return
	}

	if ps.HasBackoff(topic, now) && !r.isDirectPeer(from) {
		r.scorer.RecordGraftDuringBackoff(from)
		r.emit(Event{Kind: EventPeerPenalized, Peer: from, Topic: topic, Reason: PenaltyGraftDuringBackoff})
		r.sendPrune(from, topic, r.cfg.PruneBackoff, r.pxCandidates(topic, from))
		return
	}

	if r.mesh.MeshPeerCount(topic) >= r.cfg.MaxPeersPerTopic {
		r.sendPrune(from, topic, r.cfg.PruneBackoff, r.pxCandidates(topic, from))
		return
	}

	r.mesh.AddToMesh(topic, from)
	r.scorer.PeerJoinedMesh(from, topic)
	r.emit(Event{Kind: EventPeerJoinedMesh, Peer: from, Topic: topic})
	r.emit(Event{Kind: EventGrafted, Peer: from, Topic: topic})
}

func (r *Router) handlePrune(from PeerID, topic Topic, prune *pb.ControlPrune) {
	if r.mesh.IsInMesh(topic, from) {
		r.mesh.RemoveFromMesh(topic, from)
		r.scorer.PeerLeftMesh(from, topic)
		r.emit(Event{Kind: EventPeerLeftMesh, Peer: from, Topic: topic})
		r.emit(Event{Kind: EventPruned, Peer: from, Topic: topic})
	}

	if backoff := prune.GetBackoff(); backoff > 0 {
		expiry := r.clock.Now().Add(time.Duration(backoff) * time.Second)
		r.peers.UpdatePeer(from, func(ps *PeerState) { ps.Backoff[topic] = expiry })
	}

	px := prune.GetPeers()
	thresholds := r.scoreThresholds()
	if len(px) > 0 && r.scorer.Score(from) >= thresholds.AcceptPXThreshold {
		budget := r.cfg.PrunePeers
		if len(px) > budget {
			budget = len(px)
		}
		candidates := make([]PeerID, 0, len(px))
		addrs := make([]string, 0, len(px))
		for _, pi := range px {
			pid, err := peer.IDFromBytes(pi.GetPeerID())
			if err != nil || pid == r.local {
				continue
			}
			candidates = append(candidates, pid)
			addrs = append(addrs, verifiedPeerRecordAddr(pid, pi.GetSignedPeerRecord()))
			if len(candidates) >= budget {
				break
			}
		}
		r.emit(Event{Kind: EventPeerExchangeReceived, Peer: from, Topic: topic})
		if len(candidates) > 0 {
			r.emit(Event{Kind: EventPeerExchangeConnect, Peers: candidates, PeerAddrs: addrs, Topic: topic})
		}
	} else if len(px) > 0 {
		r.emit(Event{Kind: EventPeerExchangeRejected, Peer: from, Topic: topic})
	}
}

// pxCandidates gathers a peer-exchange candidate list for a PRUNE sent to
// `exclude`, drawn from current mesh/subscribed peers with score >= 0.
func (r *Router) pxCandidates(topic Topic, exclude PeerID) []*pb.PeerInfo {
	if !r.cfg.EnablePeerExchange {
		return nil
	}
	subs := r.peers.PeersSubscribedTo(topic)
	var out []*pb.PeerInfo
	for _, p := range subs {
		if p == exclude || p == r.local {
			continue
		}
		if r.scorer.Score(p) < 0 {
			continue
		}
		out = append(out, &pb.PeerInfo{PeerID: []byte(p), SignedPeerRecord: r.sealPeerRecord(p)})
		if len(out) >= r.cfg.PrunePeers {
			break
		}
	}
	return out
}

// verifiedPeerRecordAddr opens a signed peer record received via peer
// exchange and returns its first address hint, but only once the
// envelope's signer matches the claimed peer ID. Returns "" if raw is
// empty or fails to verify, leaving the candidate peer ID usable on its
// own.
func verifiedPeerRecordAddr(claimed PeerID, raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	env, err := envelope.Unmarshal(raw)
	if err != nil {
		return ""
	}
	pub, payload, err := envelope.OpenAs(env, envelope.PeerRecordDomain, envelope.PeerRecordCodec)
	if err != nil {
		return ""
	}
	signer, err := peer.IDFromPublicKey(pub)
	if err != nil || signer != claimed {
		return ""
	}
	rec, err := envelope.UnmarshalPeerRecord(payload)
	if err != nil || len(rec.Addrs) == 0 {
		return ""
	}
	return string(rec.Addrs[0])
}

// sealPeerRecord builds a signed address hint for p, for peer-exchange
// recipients to dial without a prior connection. Returns nil if this
// router has no signing key or p's remote address is unknown, in which
// case the recipient gets a bare peer ID and must discover p some other
// way.
func (r *Router) sealPeerRecord(p PeerID) []byte {
	if r.cfg.SigningKey == nil {
		return nil
	}
	ps, ok := r.peers.Get(p)
	if !ok || ps.RemoteAddr == "" {
		return nil
	}
	rec := &envelope.PeerRecord{
		PeerID: peer.ID(p),
		Seq:    uint64(r.clock.Now().UnixNano()),
		Addrs:  [][]byte{[]byte(ps.RemoteAddr)},
	}
	env, err := envelope.Seal(rec, r.cfg.SigningKey)
	if err != nil {
		log.Debugw("failed to seal peer record", "peer", p, "error", err)
		return nil
	}
	out, err := env.Marshal()
	if err != nil {
		log.Debugw("failed to marshal peer record envelope", "peer", p, "error", err)
		return nil
	}
	return out
}

func (r *Router) scoreThresholds() *PeerScoreThresholds {
	if r.cfg.ScoreThresholds != nil {
		return r.cfg.ScoreThresholds
	}
	return DefaultPeerScoreThresholds()
}

// messagePipeline implements the per-message validation/delivery pipeline.
// Steps a-f run synchronously on the event loop; if a topic validator is
// configured, g-k are deferred to a goroutine (the only suspension point
// inside the core) and resumed on the event loop via a continuation
// posted to opCh.
func (r *Router) messagePipeline(from PeerID, msg *pb.Message) {
	thresholds := r.scoreThresholds()
	if r.scorer.IsGraylisted(from, thresholds.GraylistThreshold) {
		r.emit(Event{Kind: EventMessageValidated, Peer: from, Validation: ValidationReject})
		return
	}

	if r.cfg.customMsgID {
		id := r.cfg.MsgIDFn(msg)
		r.continueMessagePipeline(from, msg, id)
		return
	}
	id := DefaultMsgID(msg)
	r.continueMessagePipeline(from, msg, id)
}

func (r *Router) continueMessagePipeline(from PeerID, msg *pb.Message, id MessageID) {
	topic := Topic(msg.GetTopic())

	if !r.seenCache.Add(id) {
		r.scorer.RecordDuplicateMessage(from)
		r.emit(Event{Kind: EventPeerPenalized, Peer: from, Topic: topic, Reason: PenaltyDuplicateMessage})
		return
	}
	r.promises.MessageDelivered(id)

	if !r.structurallyValid(msg) {
		r.rejectMessage(from, topic)
		return
	}

	if !r.passesAuthenticity(msg) {
		r.rejectMessage(from, topic)
		return
	}

	validator, hasValidator := r.validators[topic]
	if !hasValidator {
		r.deliverMessage(from, topic, msg, id)
		return
	}

	ctx := routerValidatorCtx{done: r.doneCh}
	go func() {
		result := safeValidate(validator, ctx, topic, msg, from)
		r.opCh <- func() { r.finishValidatedMessage(from, topic, msg, id, result) }
	}()
}

// safeValidate treats a panicking validator the same as "ignore", per
// this module's failure semantics for application validator exceptions.
func safeValidate(v Validator, ctx ValidatorContext, topic Topic, msg *pb.Message, from PeerID) (result ValidationResult) {
	result = ValidationIgnore
	defer func() {
		if rec := recover(); rec != nil {
			log.Warnw("validator panicked, treating as ignore", "topic", topic, "recover", rec)
			result = ValidationIgnore
		}
	}()
	return v(ctx, topic, msg, from)
}

func (r *Router) finishValidatedMessage(from PeerID, topic Topic, msg *pb.Message, id MessageID, result ValidationResult) {
	if result == ValidationReject {
		r.rejectMessage(from, topic)
		return
	}
	if result == ValidationIgnore {
		r.emit(Event{Kind: EventMessageValidated, Peer: from, Topic: topic, Validation: ValidationIgnore})
		return
	}
	r.deliverMessage(from, topic, msg, id)
}

func (r *Router) rejectMessage(from PeerID, topic Topic) {
	r.scorer.RecordInvalidMessage(from, topic)
	r.emit(Event{Kind: EventPeerPenalized, Peer: from, Topic: topic, Reason: PenaltyInvalidMessage})
	r.emit(Event{Kind: EventMessageValidated, Peer: from, Topic: topic, Validation: ValidationReject})
}

func (r *Router) structurallyValid(msg *pb.Message) bool {
	if msg.GetTopic() == "" {
		return false
	}
	if len(msg.GetData()) > r.cfg.MaxMessageSize {
		return false
	}
	return true
}

func (r *Router) passesAuthenticity(msg *pb.Message) bool {
	switch r.cfg.Authenticity {
	case AuthenticityStrict:
		if len(msg.GetFrom()) == 0 || len(msg.GetSeqno()) == 0 {
			return false
		}
		return verifySignature(msg)
	case AuthenticityPermissive:
		if len(msg.GetSignature()) == 0 {
			return true
		}
		return verifySignature(msg)
	case AuthenticityAnonymous:
		return len(msg.GetFrom()) == 0 && len(msg.GetSeqno()) == 0 && len(msg.GetSignature()) == 0
	default: // AuthenticityNone
		return true
	}
}

// deliverMessage implements pipeline steps h-k: scoring on success,
// deliver+cache, forward, and conditional IDONTWANT emission.
func (r *Router) deliverMessage(from PeerID, topic Topic, msg *pb.Message, id MessageID) {
	r.scorer.RecordFirstMessageDelivery(from, topic)
	if r.mesh.IsInMesh(topic, from) {
		r.scorer.RecordMeshDelivery(from, topic)
	}

	r.msgCache.Put(id, topic, msg)
	if sub, ok := r.subscriptions[topic]; ok {
		sub.queue.push(msg)
	}
	r.emit(Event{Kind: EventMessageReceived, Peer: from, Topic: topic, MessageID: id})

	r.forwardToPeers(from, topic, msg, id)

	if r.cfg.IDontWantThreshold > 0 && len(msg.GetData()) >= r.cfg.IDontWantThreshold {
		for _, p := range r.mesh.MeshPeers(topic) {
			if p == from {
				continue
			}
			if ps, ok := r.peers.Get(p); ok && ps.Version.SupportsIDontWant() {
				r.sendIDontWant(p, []MessageID{id})
			}
		}
	}
}

func (r *Router) forwardToPeers(from PeerID, topic Topic, msg *pb.Message, id MessageID) {
	now := r.clock.Now()
	targets := make(map[PeerID]struct{})
	for _, p := range r.mesh.MeshPeers(topic) {
		targets[p] = struct{}{}
	}
	for p := range r.directPeers {
		if ps, ok := r.peers.Get(p); ok {
			if _, subscribed := ps.Subscriptions[topic]; subscribed {
				targets[p] = struct{}{}
			}
		}
	}
	for _, p := range r.peers.PeersSubscribedTo(topic) {
		if ps, ok := r.peers.Get(p); ok && ps.Version == VersionFloodsub {
			targets[p] = struct{}{}
		}
	}
	delete(targets, from)

	for p := range targets {
		ps, ok := r.peers.Get(p)
		if ok && !ps.WantsMessage(id, now) {
			r.emit(Event{Kind: EventMessageSkippedByIDontWant, Peer: p, Topic: topic, MessageID: id})
			continue
		}
		r.forwardMessage(p, msg)
		r.emit(Event{Kind: EventMessageForwarded, Peer: p, Topic: topic, MessageID: id})
	}
}
