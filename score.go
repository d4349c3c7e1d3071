package gossipsub

import (
	"math"
	"net"
	"sort"
	"sync"
	"time"
)

// topicCounters holds the P1..P4 raw counters for one peer-topic pair.
type topicCounters struct {
	inMesh    bool
	graftedAt time.Time

	timeInMeshQuanta float64 // P1, capped, not decayed (reset on leaving mesh)

	firstMessageDeliveries float64 // P2, decayed

	meshMessageDeliveries       float64 // P3, decayed, accumulates since graft
	meshMessageDeliveriesActive bool

	meshFailurePenalty float64 // P3b, decayed accumulator

	invalidMessageDeliveries float64 // P4, decayed
}

func (c *topicCounters) contribution(p *TopicScoreParams) float64 {
	p1 := math.Min(c.timeInMeshQuanta, p.TimeInMeshCap) * p.TimeInMeshWeight

	p2 := math.Min(c.firstMessageDeliveries, p.FirstMessageDeliveriesCap) * p.FirstMessageDeliveriesWeight

	var p3 float64
	if c.meshMessageDeliveriesActive && c.inMesh && c.meshMessageDeliveries < p.MeshMessageDeliveriesThreshold {
		deficit := p.MeshMessageDeliveriesThreshold - c.meshMessageDeliveries
		p3 = p.MeshMessageDeliveriesWeight * deficit * deficit
	}

	p3b := p.MeshFailurePenaltyWeight * c.meshFailurePenalty

	p4 := p.InvalidMessageDeliveriesWeight * c.invalidMessageDeliveries * c.invalidMessageDeliveries

	return p.TopicWeight * (p1 + p2 + p3 + p3b + p4)
}

type peerScoreEntry struct {
	global    float64
	lastDecay time.Time
	topics    map[Topic]*topicCounters
	protected bool
	ips       map[string]struct{}

	// IWANT request-spam tracking: (messageID) -> recent request timestamps
	// window, per-peer.
	iwantCounts map[MessageID]*iwantWindow

	deliveries deliveryCounters
}

type iwantWindow struct {
	count      int
	windowFrom time.Time
}

type deliveryCounters struct {
	expected  int
	delivered int
}

// PeerScorer implements the global + per-topic scoring model:
// P1 time-in-mesh, P2 first-message-deliveries, P3 mesh-message-delivery
// deficit, P3b mesh-failure penalty, P4 invalid-message-deliveries, plus
// IP colocation (Sybil defense) and IWANT request tracking.
type PeerScorer struct {
	clock  Clock
	params *PeerScoreParams

	mu    sync.Mutex
	peers map[PeerID]*peerScoreEntry

	ipMu sync.Mutex
	ips  map[string]map[PeerID]struct{}
}

// NewPeerScorer constructs a scorer. params must have passed Validate().
func NewPeerScorer(clock Clock, params *PeerScoreParams) *PeerScorer {
	return &PeerScorer{
		clock:  clock,
		params: params,
		peers:  make(map[PeerID]*peerScoreEntry),
		ips:    make(map[string]map[PeerID]struct{}),
	}
}

func (s *PeerScorer) entry(p PeerID) *peerScoreEntry {
	e, ok := s.peers[p]
	if !ok {
		e = &peerScoreEntry{
			lastDecay: s.clock.Now(),
			topics:    make(map[Topic]*topicCounters),
			ips:       make(map[string]struct{}),
		}
		s.peers[p] = e
	}
	return e
}

func (s *PeerScorer) topic(e *peerScoreEntry, t Topic) *topicCounters {
	tc, ok := e.topics[t]
	if !ok {
		tc = &topicCounters{}
		e.topics[t] = tc
	}
	return tc
}

// AddPeer creates the scoring entry for a newly connected peer.
func (s *PeerScorer) AddPeer(p PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry(p)
}

// RemovePeer discards a disconnected peer's scoring state and IP
// colocation registration.
func (s *PeerScorer) RemovePeer(p PeerID) {
	s.mu.Lock()
	e, ok := s.peers[p]
	if ok {
		delete(s.peers, p)
	}
	s.mu.Unlock()

	if !ok {
		return
	}

	s.ipMu.Lock()
	for ip := range e.ips {
		if peers, ok := s.ips[ip]; ok {
			delete(peers, p)
			if len(peers) == 0 {
				delete(s.ips, ip)
			}
		}
	}
	s.ipMu.Unlock()
}

// RegisterProtectedPeer marks p as protected (typically a direct peer).
// Protected peers always score 0.0 from the graylist/median-feeding path
// and are never penalized or graylisted.
func (s *PeerScorer) RegisterProtectedPeer(p PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry(p).protected = true
}

// Score returns the peer's current computed score: globalScore plus the
// sum of topicWeight*(P1+P2+P3+P3b+P4) over all topics. Protected peers
// always score 0.0.
func (s *PeerScorer) Score(p PeerID) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scoreLocked(p)
}

func (s *PeerScorer) scoreLocked(p PeerID) float64 {
	e, ok := s.peers[p]
	if !ok {
		return 0
	}
	if e.protected {
		return 0
	}

	total := e.global
	for t, tc := range e.topics {
		tp := s.topicParams(t)
		if tp == nil {
			continue
		}
		contribution := tc.contribution(tp)
		if contribution > s.params.TopicScoreCap && s.params.TopicScoreCap > 0 {
			contribution = s.params.TopicScoreCap
		}
		total += contribution
	}
	return total
}

func (s *PeerScorer) topicParams(t Topic) *TopicScoreParams {
	if s.params.Topics == nil {
		return nil
	}
	return s.params.Topics[t]
}

// IsGraylisted reports whether p's score is below threshold.
func (s *PeerScorer) IsGraylisted(p PeerID, threshold float64) bool {
	return s.Score(p) < threshold
}

// --- Mesh lifecycle: P1 and P3/P3b bookkeeping ---

// PeerJoinedMesh starts the time-in-mesh and mesh-delivery-deficit clocks
// for (p, t).
func (s *PeerScorer) PeerJoinedMesh(p PeerID, t Topic) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tc := s.topic(s.entry(p), t)
	tc.inMesh = true
	tc.graftedAt = s.clock.Now()
	tc.meshMessageDeliveries = 0
	tc.meshMessageDeliveriesActive = false
}

// PeerLeftMesh stops time-in-mesh accrual and, if the peer was still in a
// mesh-message-delivery deficit, folds deficit^2 into the decayed P3b
// accumulator.
func (s *PeerScorer) PeerLeftMesh(p PeerID, t Topic) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.peers[p]
	if !ok {
		return
	}
	tc, ok := e.topics[t]
	if !ok {
		return
	}

	if tp := s.topicParams(t); tp != nil && tc.meshMessageDeliveriesActive && tc.meshMessageDeliveries < tp.MeshMessageDeliveriesThreshold {
		deficit := tp.MeshMessageDeliveriesThreshold - tc.meshMessageDeliveries
		tc.meshFailurePenalty += deficit * deficit
	}

	tc.inMesh = false
	tc.timeInMeshQuanta = 0
}

// --- Per-message scoring events ---

// RecordFirstMessageDelivery applies the global first-delivery bonus and
// increments the per-topic P2 counter.
func (s *PeerScorer) RecordFirstMessageDelivery(p PeerID, t Topic) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entry(p)
	e.global += s.params.FirstMessageDeliveryBonus
	s.topic(e, t).firstMessageDeliveries++
}

// RecordMeshDelivery increments the P3 mesh-message-delivery counter for a
// peer that is in the mesh for t, and activates deficit tracking once the
// activation window since grafting has elapsed.
func (s *PeerScorer) RecordMeshDelivery(p PeerID, t Topic) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.peers[p]
	if !ok {
		return
	}
	tc, ok := e.topics[t]
	if !ok || !tc.inMesh {
		return
	}
	tc.meshMessageDeliveries++

	if tp := s.topicParams(t); tp != nil && !tc.meshMessageDeliveriesActive {
		if s.clock.Now().Sub(tc.graftedAt) >= tp.MeshMessageDeliveriesActivation {
			tc.meshMessageDeliveriesActive = true
		}
	}
}

// --- Penalty recorders (small constant deltas to globalScore) ---

func (s *PeerScorer) recordGlobalDelta(p PeerID, delta float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry(p).global += delta
}

func (s *PeerScorer) RecordInvalidMessage(p PeerID, t Topic) {
	s.mu.Lock()
	e := s.entry(p)
	e.global += s.params.InvalidMessagePenalty
	tc := s.topic(e, t)
	tc.invalidMessageDeliveries++
	s.mu.Unlock()
}

func (s *PeerScorer) RecordDuplicateMessage(p PeerID) {
	s.recordGlobalDelta(p, s.params.DuplicateMessagePenalty)
}

func (s *PeerScorer) RecordGraftDuringBackoff(p PeerID) {
	s.recordGlobalDelta(p, s.params.GraftBackoffPenalty)
}

func (s *PeerScorer) RecordBrokenPromise(p PeerID, count int) {
	s.recordGlobalDelta(p, s.params.BrokenPromisePenalty*float64(count))
}

func (s *PeerScorer) RecordExcessiveIWant(p PeerID) {
	s.recordGlobalDelta(p, s.params.ExcessiveIWantPenalty)
}

func (s *PeerScorer) RecordTopicMismatch(p PeerID) {
	s.recordGlobalDelta(p, s.params.TopicMismatchPenalty)
}

// --- IWANT request-spam tracking ---

type IWantOutcome int

const (
	IWantAccepted IWantOutcome = iota
	IWantExcessive
)

// TrackIWantRequest records that p has asked (again) for msgID via IWANT.
// It returns IWantExcessive once the same peer has asked for the same id
// at least IWantDuplicateThreshold times within IWantTrackingWindow; the
// window resets on expiry.
func (s *PeerScorer) TrackIWantRequest(p PeerID, id MessageID) (IWantOutcome, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(p)
	if e.iwantCounts == nil {
		e.iwantCounts = make(map[MessageID]*iwantWindow)
	}

	now := s.clock.Now()
	w, ok := e.iwantCounts[id]
	if !ok || now.Sub(w.windowFrom) > s.params.IWantTrackingWindow {
		w = &iwantWindow{count: 0, windowFrom: now}
		e.iwantCounts[id] = w
	}
	w.count++

	if w.count >= s.params.IWantDuplicateThreshold {
		return IWantExcessive, w.count
	}
	return IWantAccepted, w.count
}

// --- Delivery-rate tracking ---

// RecordExpectedMessage notes that a mesh peer was expected to deliver a
// message it advertised via IHAVE or that we otherwise anticipated from it.
func (s *PeerScorer) RecordExpectedMessage(p PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry(p).deliveries.expected++
}

// RecordMessageDelivery notes an actual delivery from p.
func (s *PeerScorer) RecordMessageDelivery(p PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry(p).deliveries.delivered++
}

// ApplyDeliveryRatePenalties computes delivered/expected per peer, applies
// LowDeliveryPenalty*deficit to the global score of every peer below
// MinDeliveryRate, and returns those peers with the penalty applied. The
// counters are snapshotted and reset under the lock; the penalties are
// applied only after it is released, per the no-nested-locks rule.
func (s *PeerScorer) ApplyDeliveryRatePenalties() map[PeerID]float64 {
	type snapshot struct {
		p         PeerID
		delivered int
		expected  int
	}

	s.mu.Lock()
	snaps := make([]snapshot, 0, len(s.peers))
	for p, e := range s.peers {
		if e.deliveries.expected == 0 {
			continue
		}
		snaps = append(snaps, snapshot{p, e.deliveries.delivered, e.deliveries.expected})
		e.deliveries = deliveryCounters{}
	}
	s.mu.Unlock()

	penalties := make(map[PeerID]float64)
	for _, sn := range snaps {
		rate := float64(sn.delivered) / float64(sn.expected)
		if rate < s.params.MinDeliveryRate {
			deficit := s.params.MinDeliveryRate - rate
			penalties[sn.p] = s.params.LowDeliveryPenalty * deficit
		}
	}

	for p, delta := range penalties {
		s.recordGlobalDelta(p, delta)
	}
	return penalties
}

// --- IP colocation (Sybil defense) ---

// normalizeIP maps an IPv4-mapped IPv6 address down to its IPv4 form and
// strips any zone ID, so distinct representations of the same address
// colocate together.
func normalizeIP(addr string) string {
	if i := indexByte(addr, '%'); i >= 0 {
		addr = addr[:i]
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return addr
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.String()
}

func indexByte(s string, c byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			return i
		}
	}
	return -1
}

// RegisterPeerIP records that p connected from ip. If the number of peers
// sharing that (normalized) IP exceeds IPColocationThreshold, it applies
// IPColocationPenalty*excess to every non-protected colocated peer (after
// releasing the IP lock, per the no-nested-locks rule) and returns the full
// set of colocated peers so the caller can emit sybilSuspected/peerPenalized
// events.
func (s *PeerScorer) RegisterPeerIP(p PeerID, addr string) (colocated []PeerID, penalized bool) {
	ip := normalizeIP(addr)

	s.ipMu.Lock()
	peers, ok := s.ips[ip]
	if !ok {
		peers = make(map[PeerID]struct{})
		s.ips[ip] = peers
	}
	peers[p] = struct{}{}
	n := len(peers)
	out := make([]PeerID, 0, n)
	for q := range peers {
		out = append(out, q)
	}
	s.ipMu.Unlock()

	s.mu.Lock()
	s.entry(p).ips[ip] = struct{}{}
	s.mu.Unlock()

	if n <= s.params.IPColocationThreshold {
		return nil, false
	}

	excess := n - s.params.IPColocationThreshold
	penalty := s.params.IPColocationPenalty * float64(excess)
	for _, q := range out {
		s.mu.Lock()
		e, ok := s.peers[q]
		if ok && !e.protected {
			e.global += penalty
		}
		s.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, true
}

// --- Peer selection helpers ---

// SortByScoreDescending sorts peers by Score(), highest first.
func (s *PeerScorer) SortByScoreDescending(peers []PeerID) {
	scores := make(map[PeerID]float64, len(peers))
	for _, p := range peers {
		scores[p] = s.Score(p)
	}
	sort.Slice(peers, func(i, j int) bool { return scores[peers[i]] > scores[peers[j]] })
}

// FilterGraylisted returns the subset of peers whose score is >= threshold.
func (s *PeerScorer) FilterGraylisted(peers []PeerID, threshold float64) []PeerID {
	out := peers[:0:0]
	for _, p := range peers {
		if s.Score(p) >= threshold {
			out = append(out, p)
		}
	}
	return out
}

// SelectBestPeers returns up to count peers from peers, highest-scored
// first.
func (s *PeerScorer) SelectBestPeers(peers []PeerID, count int) []PeerID {
	cp := append([]PeerID(nil), peers...)
	s.SortByScoreDescending(cp)
	if count < len(cp) {
		cp = cp[:count]
	}
	return cp
}

// MedianScore returns the median Score() over peers, excluding protected
// peers so they cannot skew the median toward zero. For an even number of
// scores it returns the lower of the two middle values.
func (s *PeerScorer) MedianScore(peers []PeerID, protected map[PeerID]struct{}) float64 {
	scores := make([]float64, 0, len(peers))
	for _, p := range peers {
		if _, isProtected := protected[p]; isProtected {
			continue
		}
		scores = append(scores, s.Score(p))
	}
	if len(scores) == 0 {
		return 0
	}
	sort.Float64s(scores)
	return scores[(len(scores)-1)/2]
}

// --- Decay (heartbeat performScoringMaintenance) ---

// DecayAll applies exponential decay to globalScore and to every per-topic
// counter for every tracked peer, garbage-collecting counters (and whole
// peer entries) whose magnitude falls below DecayToZero. It also clears
// expired IWANT tracking windows.
func (s *PeerScorer) DecayAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for p, e := range s.peers {
		s.decayPeerLocked(e, now)
		for id, w := range e.iwantCounts {
			if now.Sub(w.windowFrom) > s.params.IWantTrackingWindow {
				delete(e.iwantCounts, id)
			}
		}
		if e.global == 0 && len(e.topics) == 0 && !e.protected {
			delete(s.peers, p)
		}
	}
}

func (s *PeerScorer) decayPeerLocked(e *peerScoreEntry, now time.Time) {
	elapsed := now.Sub(e.lastDecay)
	if elapsed < s.params.DecayInterval {
		return
	}
	k := int(elapsed / s.params.DecayInterval)
	const maxK = 64 // cap k to avoid underflow thrash
	if k > maxK {
		k = maxK
	}

	factor := math.Pow(s.params.DecayFactor, float64(k))
	e.global *= factor
	if math.Abs(e.global) < s.params.DecayToZero {
		e.global = 0
	}
	e.lastDecay = e.lastDecay.Add(time.Duration(k) * s.params.DecayInterval)

	for t, tc := range e.topics {
		tp := s.topicParams(t)
		if tp != nil {
			tc.firstMessageDeliveries *= math.Pow(tp.FirstMessageDeliveriesDecay, float64(k))
			tc.meshMessageDeliveries *= math.Pow(tp.MeshMessageDeliveriesDecay, float64(k))
			tc.meshFailurePenalty *= math.Pow(tp.MeshFailurePenaltyDecay, float64(k))
			tc.invalidMessageDeliveries *= math.Pow(tp.InvalidMessageDeliveriesDecay, float64(k))
		}
		if math.Abs(tc.firstMessageDeliveries) < s.params.DecayToZero {
			tc.firstMessageDeliveries = 0
		}
		if math.Abs(tc.meshFailurePenalty) < s.params.DecayToZero {
			tc.meshFailurePenalty = 0
		}
		if math.Abs(tc.invalidMessageDeliveries) < s.params.DecayToZero {
			tc.invalidMessageDeliveries = 0
		}
		if !tc.inMesh && tc.firstMessageDeliveries == 0 && tc.meshFailurePenalty == 0 && tc.invalidMessageDeliveries == 0 && tc.timeInMeshQuanta == 0 {
			delete(e.topics, t)
		}
	}
}

// AccrueTimeInMesh should be called once per heartbeat tick for every peer
// currently in a topic's mesh, advancing the P1 time-in-mesh quanta.
func (s *PeerScorer) AccrueTimeInMesh(p PeerID, t Topic, tick time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.peers[p]
	if !ok {
		return
	}
	tc, ok := e.topics[t]
	if !ok || !tc.inMesh {
		return
	}
	tp := s.topicParams(t)
	if tp == nil || tp.TimeInMeshQuantum <= 0 {
		return
	}
	tc.timeInMeshQuanta += tick.Seconds() / tp.TimeInMeshQuantum.Seconds()
	if tc.timeInMeshQuanta > tp.TimeInMeshCap {
		tc.timeInMeshQuanta = tp.TimeInMeshCap
	}
}
