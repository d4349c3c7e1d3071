package gossipsub

import (
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-gossipsub-core/pb"
)

type rpcJob struct {
	from PeerID
	rpc  *pb.RPC
}

type connectJob struct {
	peer       PeerID
	version    Version
	direction  Direction
	remoteAddr string
}

type subscribeJob struct {
	topic Topic
	resp  chan subscribeResult
}

type subscribeResult struct {
	sub *Subscription
	err error
}

type unsubscribeJob struct {
	topic Topic
	done  chan struct{}
}

type publishJob struct {
	topic Topic
	data  []byte
	resp  chan publishResult
}

type publishResult struct {
	id  MessageID
	err error
}

// Router orchestrates MeshState, PeerStateManager, PeerScorer,
// MessageCache, SeenCache, and GossipPromises. A single internal
// goroutine (run) serializes all router-level orchestration — RPC
// ingress, subscribe/unsubscribe, publish, peer lifecycle, and heartbeat
// passes. The component types it holds each own their own mutex and
// remain safe to call from other goroutines (e.g. a transport's per-peer
// reader goroutines feed rpcCh concurrently).
type Router struct {
	cfg       *Config
	clock     Clock
	transport Transport
	local     PeerID

	mesh      *MeshState
	peers     *PeerStateManager
	scorer    *PeerScorer
	msgCache  *MessageCache
	seenCache *SeenCache
	promises  *GossipPromises

	events *unboundedQueue[Event]

	// router-owned maps, touched only from inside run() — no lock needed.
	validators    map[Topic]Validator
	directPeers   map[PeerID]struct{}
	subscriptions map[Topic]*Subscription

	rpcCh        chan rpcJob
	connectCh    chan connectJob
	disconnectCh chan PeerID
	subscribeCh  chan subscribeJob
	unsubCh      chan unsubscribeJob
	publishCh    chan publishJob
	opCh         chan func()

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	seqCounter uint64
}

// NewRouter validates cfg, applies opts, and starts the router's event
// loop. Callers should call Shutdown when done.
func NewRouter(local PeerID, opts ...Option) (*Router, error) {
	cfg := NewConfig(local)
	if err := cfg.apply(opts); err != nil {
		return nil, err
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("gossipsub: a Transport is required")
	}

	scoreParams := cfg.ScoreParams
	if scoreParams == nil {
		scoreParams = DefaultPeerScoreParams()
	}

	r := &Router{
		cfg:       cfg,
		clock:     cfg.Clock,
		transport: cfg.Transport,
		local:     local,

		mesh:      NewMeshState(),
		peers:     NewPeerStateManager(),
		scorer:    NewPeerScorer(cfg.Clock, scoreParams),
		msgCache:  NewMessageCache(cfg.MessageCacheLength, cfg.MessageCacheGossipLength),
		seenCache: NewSeenCache(cfg.SeenTTL, cfg.SeenCacheSize),
		promises:  NewGossipPromises(),

		events: newUnboundedQueue[Event](),

		validators:    make(map[Topic]Validator),
		directPeers:   make(map[PeerID]struct{}),
		subscriptions: make(map[Topic]*Subscription),

		rpcCh:        make(chan rpcJob, 256),
		connectCh:    make(chan connectJob, 64),
		disconnectCh: make(chan PeerID, 64),
		subscribeCh:  make(chan subscribeJob),
		unsubCh:      make(chan unsubscribeJob),
		publishCh:    make(chan publishJob),
		opCh:         make(chan func(), 64),

		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	for t, v := range cfg.Validators {
		r.validators[t] = v
	}
	for p := range cfg.DirectPeers {
		r.directPeers[p] = struct{}{}
		r.scorer.RegisterProtectedPeer(p)
	}

	go r.run()
	return r, nil
}

func (r *Router) emit(e Event) { r.events.push(e) }

// Events returns the router's event stream. It is closed after Shutdown
// drains whatever was already queued.
func (r *Router) Events() <-chan Event { return r.events.out }

func (r *Router) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			r.shutdownLocked()
			return

		case job := <-r.rpcCh:
			r.handleRPC(job.from, job.rpc)

		case job := <-r.connectCh:
			r.handlePeerConnected(job.peer, job.version, job.direction, job.remoteAddr)

		case p := <-r.disconnectCh:
			r.handlePeerDisconnected(p)

		case job := <-r.subscribeCh:
			sub, err := r.subscribeLocked(job.topic)
			job.resp <- subscribeResult{sub: sub, err: err}

		case job := <-r.unsubCh:
			r.unsubscribeLocked(job.topic)
			close(job.done)

		case job := <-r.publishCh:
			id, err := r.publishLocked(job.topic, job.data)
			job.resp <- publishResult{id: id, err: err}

		case fn := <-r.opCh:
			fn()

		case <-ticker.C:
			r.heartbeatTick()
		}
	}
}

func (r *Router) shutdownLocked() {
	for _, sub := range r.subscriptions {
		sub.queue.close()
	}
	r.subscriptions = nil
	r.validators = nil
	r.directPeers = nil
	r.events.close()
}

// Shutdown stops the event loop and closes the event channel and every
// outstanding Subscription's message channel. It blocks until the loop
// has exited.
func (r *Router) Shutdown() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.doneCh
}

// doOp runs fn on the router goroutine and waits for it to finish. Used
// for low-traffic control operations (validators, direct peers) that need
// to touch router-owned maps without their own channel type.
func (r *Router) doOp(fn func()) {
	done := make(chan struct{})
	select {
	case r.opCh <- func() { fn(); close(done) }:
		<-done
	case <-r.doneCh:
	}
}

// AddValidator installs a per-topic application validator.
func (r *Router) AddValidator(topic Topic, v Validator) {
	r.doOp(func() {
		if r.validators != nil {
			r.validators[topic] = v
		}
	})
}

// RemoveValidator removes a previously installed validator.
func (r *Router) RemoveValidator(topic Topic) {
	r.doOp(func() {
		if r.validators != nil {
			delete(r.validators, topic)
		}
	})
}

// AddDirectPeer registers p as a protected, always-forwarded-to peer.
func (r *Router) AddDirectPeer(p PeerID) {
	r.doOp(func() {
		if r.directPeers == nil {
			return
		}
		r.directPeers[p] = struct{}{}
		r.scorer.RegisterProtectedPeer(p)
		r.emit(Event{Kind: EventDirectPeerAdded, Peer: p})
	})
}

// RemoveDirectPeer drops p's protected status.
func (r *Router) RemoveDirectPeer(p PeerID) {
	r.doOp(func() {
		if r.directPeers == nil {
			return
		}
		delete(r.directPeers, p)
		r.emit(Event{Kind: EventDirectPeerRemoved, Peer: p})
	})
}

func (r *Router) isDirectPeer(p PeerID) bool {
	_, ok := r.directPeers[p]
	return ok
}

// HandleRPC enqueues an inbound RPC from peer `from` for processing on the
// router's event loop. It does not block on processing; if the queue is
// saturated, the RPC is dropped, matching the transport's drop-don't-block
// contract.
func (r *Router) HandleRPC(from PeerID, rpc *pb.RPC) {
	select {
	case r.rpcCh <- rpcJob{from: from, rpc: rpc}:
	default:
		log.Warnw("dropping inbound RPC, router busy", "peer", from)
	}
}

// HandlePeerConnected installs state for a newly connected peer.
func (r *Router) HandlePeerConnected(p PeerID, version Version, direction Direction, remoteAddr string) {
	select {
	case r.connectCh <- connectJob{peer: p, version: version, direction: direction, remoteAddr: remoteAddr}:
	case <-r.doneCh:
	}
}

// HandlePeerDisconnected tears down state for a departed peer.
func (r *Router) HandlePeerDisconnected(p PeerID) {
	select {
	case r.disconnectCh <- p:
	case <-r.doneCh:
	}
}

// Subscribe joins topic locally, returning a Subscription for delivered
// messages.
func (r *Router) Subscribe(topic Topic) (*Subscription, error) {
	resp := make(chan subscribeResult, 1)
	select {
	case r.subscribeCh <- subscribeJob{topic: topic, resp: resp}:
	case <-r.doneCh:
		return nil, ErrRouterClosed
	}
	res := <-resp
	return res.sub, res.err
}

// Unsubscribe leaves topic locally, pruning the mesh and emitting PRUNE to
// former mesh peers.
func (r *Router) Unsubscribe(topic Topic) {
	done := make(chan struct{})
	select {
	case r.unsubCh <- unsubscribeJob{topic: topic, done: done}:
		<-done
	case <-r.doneCh:
	}
}

// Publish broadcasts data on topic.
func (r *Router) Publish(topic Topic, data []byte) (MessageID, error) {
	resp := make(chan publishResult, 1)
	select {
	case r.publishCh <- publishJob{topic: topic, data: data, resp: resp}:
	case <-r.doneCh:
		return "", ErrRouterClosed
	}
	res := <-resp
	return res.id, res.err
}
