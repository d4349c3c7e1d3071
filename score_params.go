package gossipsub

import (
	"fmt"
	"time"
)

// TopicScoreParams configures the P1..P4 per-topic counters.
type TopicScoreParams struct {
	TopicWeight float64

	// P1: time-in-mesh bonus.
	TimeInMeshWeight float64
	TimeInMeshQuantum time.Duration
	TimeInMeshCap     float64

	// P2: first-message-deliveries bonus.
	FirstMessageDeliveriesWeight float64
	FirstMessageDeliveriesDecay  float64
	FirstMessageDeliveriesCap    float64

	// P3: mesh-message-delivery deficit penalty.
	MeshMessageDeliveriesWeight     float64
	MeshMessageDeliveriesDecay      float64
	MeshMessageDeliveriesThreshold  float64
	MeshMessageDeliveriesActivation time.Duration

	// P3b: mesh-failure penalty (accumulated on leaving mesh in deficit).
	MeshFailurePenaltyWeight float64
	MeshFailurePenaltyDecay  float64

	// P4: invalid-message-deliveries penalty.
	InvalidMessageDeliveriesWeight float64
	InvalidMessageDeliveriesDecay  float64
}

func (p *TopicScoreParams) validate() error {
	if p.TimeInMeshWeight != 0 && p.TimeInMeshQuantum <= 0 {
		return fmt.Errorf("TimeInMeshQuantum must be positive when TimeInMeshWeight is set")
	}
	if p.FirstMessageDeliveriesWeight != 0 && (p.FirstMessageDeliveriesDecay <= 0 || p.FirstMessageDeliveriesDecay > 1) {
		return fmt.Errorf("FirstMessageDeliveriesDecay must be in (0, 1]")
	}
	if p.MeshMessageDeliveriesWeight != 0 && (p.MeshMessageDeliveriesDecay <= 0 || p.MeshMessageDeliveriesDecay > 1) {
		return fmt.Errorf("MeshMessageDeliveriesDecay must be in (0, 1]")
	}
	if p.MeshFailurePenaltyWeight != 0 && (p.MeshFailurePenaltyDecay <= 0 || p.MeshFailurePenaltyDecay > 1) {
		return fmt.Errorf("MeshFailurePenaltyDecay must be in (0, 1]")
	}
	if p.InvalidMessageDeliveriesWeight != 0 && (p.InvalidMessageDeliveriesDecay <= 0 || p.InvalidMessageDeliveriesDecay > 1) {
		return fmt.Errorf("InvalidMessageDeliveriesDecay must be in (0, 1]")
	}
	return nil
}

// PeerScoreParams configures the global score and per-topic weights.
type PeerScoreParams struct {
	Topics        map[Topic]*TopicScoreParams
	TopicScoreCap float64

	DecayInterval time.Duration
	DecayToZero   float64 // magnitude below which a counter is garbage-collected

	// Global penalty/bonus deltas applied directly to globalScore.
	GraftBackoffPenalty       float64
	BrokenPromisePenalty      float64
	DuplicateMessagePenalty   float64
	InvalidMessagePenalty     float64
	ExcessiveIWantPenalty     float64
	TopicMismatchPenalty      float64
	FirstMessageDeliveryBonus float64

	// IWANT request-spam tracking.
	IWantDuplicateThreshold int
	IWantTrackingWindow     time.Duration

	// Delivery-rate tracking (heartbeat applyDeliveryRatePenalties).
	MinDeliveryRate   float64
	LowDeliveryPenalty float64

	// IP colocation / Sybil defense.
	IPColocationThreshold int
	IPColocationPenalty   float64

	DecayFactor float64 // per-DecayInterval multiplier applied to globalScore
}

func (p *PeerScoreParams) Validate() error {
	if p.DecayInterval <= 0 {
		return fmt.Errorf("DecayInterval must be positive")
	}
	if p.DecayFactor <= 0 || p.DecayFactor >= 1 {
		return fmt.Errorf("DecayFactor must be in (0, 1)")
	}
	if p.IPColocationThreshold < 0 {
		return fmt.Errorf("IPColocationThreshold must be >= 0")
	}
	if p.IWantTrackingWindow < 0 {
		return fmt.Errorf("IWantTrackingWindow must be >= 0")
	}
	for t, tp := range p.Topics {
		if err := tp.validate(); err != nil {
			return fmt.Errorf("topic %q: %w", t, err)
		}
	}
	return nil
}

// DefaultDecayToZero is the magnitude below which a decayed counter is
// garbage-collected.
const DefaultDecayToZero = 0.001

// DefaultPeerScoreParams returns reasonable defaults modeled on the
// upstream library's own defaults.
func DefaultPeerScoreParams() *PeerScoreParams {
	return &PeerScoreParams{
		Topics:                    make(map[Topic]*TopicScoreParams),
		TopicScoreCap:             10,
		DecayInterval:             time.Second,
		DecayToZero:               DefaultDecayToZero,
		DecayFactor:               0.99,
		GraftBackoffPenalty:       -5,
		BrokenPromisePenalty:      -10,
		DuplicateMessagePenalty:   -0.5,
		InvalidMessagePenalty:     -10,
		ExcessiveIWantPenalty:     -2,
		TopicMismatchPenalty:      -1,
		FirstMessageDeliveryBonus: 1,
		IWantDuplicateThreshold:   3,
		IWantTrackingWindow:       10 * time.Second,
		MinDeliveryRate:           0.5,
		LowDeliveryPenalty:        -5,
		IPColocationThreshold:     3,
		IPColocationPenalty:       -20,
	}
}

// DefaultPeerScoreThresholds returns reasonable default gating thresholds.
func DefaultPeerScoreThresholds() *PeerScoreThresholds {
	return &PeerScoreThresholds{
		GossipThreshold:             -10,
		PublishThreshold:            -50,
		GraylistThreshold:           -80,
		AcceptPXThreshold:           0,
		OpportunisticGraftThreshold: DefaultOpportunisticGraftThreshold,
	}
}

// DefaultTopicScoreParams returns reasonable per-topic defaults.
func DefaultTopicScoreParams() *TopicScoreParams {
	return &TopicScoreParams{
		TopicWeight:                     1,
		TimeInMeshWeight:                0.01,
		TimeInMeshQuantum:               time.Second,
		TimeInMeshCap:                   10,
		FirstMessageDeliveriesWeight:    1,
		FirstMessageDeliveriesDecay:     0.9,
		FirstMessageDeliveriesCap:       50,
		MeshMessageDeliveriesWeight:     -1,
		MeshMessageDeliveriesDecay:      0.9,
		MeshMessageDeliveriesThreshold:  20,
		MeshMessageDeliveriesActivation: 5 * time.Second,
		MeshFailurePenaltyWeight:        -1,
		MeshFailurePenaltyDecay:         0.9,
		InvalidMessageDeliveriesWeight:  -2,
		InvalidMessageDeliveriesDecay:   0.9,
	}
}

// PeerScoreThresholds gates router behavior based on computed score.
type PeerScoreThresholds struct {
	GossipThreshold             float64
	PublishThreshold            float64
	GraylistThreshold           float64
	AcceptPXThreshold           float64
	OpportunisticGraftThreshold float64
}

func (t *PeerScoreThresholds) Validate() error {
	if t.GossipThreshold > 0 {
		return fmt.Errorf("GossipThreshold must be <= 0")
	}
	if t.PublishThreshold > 0 || t.PublishThreshold > t.GossipThreshold {
		return fmt.Errorf("PublishThreshold must be <= 0 and <= GossipThreshold")
	}
	if t.GraylistThreshold > t.PublishThreshold {
		return fmt.Errorf("GraylistThreshold must be <= PublishThreshold")
	}
	if t.AcceptPXThreshold < 0 {
		return fmt.Errorf("AcceptPXThreshold must be >= 0")
	}
	return nil
}
