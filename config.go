package gossipsub

import (
	"fmt"
	"time"

	"github.com/libp2p/go-gossipsub-core/pb"
)

// Default overlay/gossip parameters, named after the upstream
// GossipSubD/GossipSubDlo/... package-level variables.
const (
	DefaultMeshDegree       = 6
	DefaultMeshDegreeLow    = 5
	DefaultMeshDegreeHigh   = 12
	DefaultMeshOutboundMin  = 2
	DefaultMaxPeersPerTopic = 12
	DefaultMaxSubscriptions = 0 // 0 == unlimited

	DefaultMessageCacheLength       = 5
	DefaultMessageCacheGossipLength = 3

	DefaultSeenCacheSize = 10000
	DefaultSeenTTL       = 120 * time.Second

	DefaultPruneBackoff     = time.Minute
	DefaultIWantFollowupTime = 3 * time.Second

	DefaultMaxIWantMessages = 5000
	DefaultMaxIHaveMessages = 10

	DefaultGossipDegree = 6

	DefaultFloodPublishMaxPeers = 32

	DefaultFanoutTTL = 60 * time.Second

	DefaultPrunePeers          = 16
	DefaultAcceptPXThreshold   = 0.0

	DefaultOpportunisticGraftThreshold = 0.0
	DefaultOpportunisticGraftPeers     = 2

	DefaultIDontWantThreshold = 1024
	DefaultIDontWantTTL       = 3 * time.Minute

	DefaultMaxMessageSize = 1 << 20 // 1 MiB

	DefaultHeartbeatInterval = time.Second

	MaxIDontWantsPerPeer = 10000

	// GossipRetransmission caps how many times a single peer is served the
	// same message via repeated IWANT requests before being cut off.
	GossipRetransmission = 3
)

// AuthenticityMode is the effective per-message authentication/validation
// mode resolved from Config.
type AuthenticityMode int

const (
	AuthenticityStrict AuthenticityMode = iota
	AuthenticityPermissive
	AuthenticityAnonymous
	AuthenticityNone
)

// MsgIDFunction derives a MessageID for a message. The zero value means
// "use DefaultMsgID".
type MsgIDFunction func(*pb.Message) MessageID

// DefaultMsgID concatenates source and sequence number.
func DefaultMsgID(m *pb.Message) MessageID {
	return MessageID(string(m.GetFrom()) + string(m.GetSeqno()))
}

// SubscriptionFilter gates local subscribe calls and incoming subscription
// announcements.
type SubscriptionFilter interface {
	CanSubscribe(topic Topic) bool
	FilterIncomingSubscriptions(from PeerID, subs []*pb.RPC_SubOpts) ([]*pb.RPC_SubOpts, error)
}

// Validator is an application-supplied per-topic validator. It runs outside
// any component lock: the only suspension point inside the core.
type Validator func(ctx ValidatorContext, topic Topic, msg *pb.Message, from PeerID) ValidationResult

// ValidatorContext carries cancellation into a Validator call.
type ValidatorContext interface {
	Done() <-chan struct{}
}

// Config holds the validated construction-time parameters for a Router.
// It is built via NewConfig + functional Option values.
type Config struct {
	Clock     Clock
	Transport Transport

	Local      PeerID
	SigningKey PrivKey

	MeshDegree       int
	MeshDegreeLow    int
	MeshDegreeHigh   int
	MeshOutboundMin  int
	MaxPeersPerTopic int
	MaxSubscriptions int

	MessageCacheLength       int
	MessageCacheGossipLength int

	SeenCacheSize int
	SeenTTL       time.Duration

	PruneBackoff      time.Duration
	IWantFollowupTime time.Duration

	MaxIWantMessages int
	MaxIHaveMessages int

	GossipDegree int

	FloodPublish         bool
	FloodPublishMaxPeers int

	FanoutTTL time.Duration

	EnablePeerExchange bool
	PrunePeers         int
	AcceptPXThreshold  float64

	OpportunisticGraftThreshold float64
	OpportunisticGraftPeers     int

	IDontWantThreshold int
	IDontWantTTL       time.Duration

	MaxMessageSize int

	Authenticity AuthenticityMode
	MsgIDFn      MsgIDFunction
	customMsgID  bool

	DirectPeers map[PeerID]struct{}

	SubscriptionFilter SubscriptionFilter

	ScoreParams     *PeerScoreParams
	ScoreThresholds *PeerScoreThresholds

	HeartbeatInterval time.Duration

	Validators map[Topic]Validator
}

// NewConfig returns a Config populated with the library defaults.
func NewConfig(local PeerID) *Config {
	return &Config{
		Clock:                    RealClock{},
		Local:                    local,
		MeshDegree:               DefaultMeshDegree,
		MeshDegreeLow:            DefaultMeshDegreeLow,
		MeshDegreeHigh:           DefaultMeshDegreeHigh,
		MeshOutboundMin:          DefaultMeshOutboundMin,
		MaxPeersPerTopic:         DefaultMaxPeersPerTopic,
		MaxSubscriptions:         DefaultMaxSubscriptions,
		MessageCacheLength:       DefaultMessageCacheLength,
		MessageCacheGossipLength: DefaultMessageCacheGossipLength,
		SeenCacheSize:            DefaultSeenCacheSize,
		SeenTTL:                  DefaultSeenTTL,
		PruneBackoff:             DefaultPruneBackoff,
		IWantFollowupTime:        DefaultIWantFollowupTime,
		MaxIWantMessages:         DefaultMaxIWantMessages,
		MaxIHaveMessages:         DefaultMaxIHaveMessages,
		GossipDegree:             DefaultGossipDegree,
		FloodPublishMaxPeers:     DefaultFloodPublishMaxPeers,
		FanoutTTL:                DefaultFanoutTTL,
		PrunePeers:               DefaultPrunePeers,
		AcceptPXThreshold:        DefaultAcceptPXThreshold,
		OpportunisticGraftThreshold: DefaultOpportunisticGraftThreshold,
		OpportunisticGraftPeers:     DefaultOpportunisticGraftPeers,
		IDontWantThreshold:       DefaultIDontWantThreshold,
		IDontWantTTL:             DefaultIDontWantTTL,
		MaxMessageSize:           DefaultMaxMessageSize,
		Authenticity:             AuthenticityStrict,
		MsgIDFn:                  DefaultMsgID,
		DirectPeers:              make(map[PeerID]struct{}),
		Validators:               make(map[Topic]Validator),
		HeartbeatInterval:        DefaultHeartbeatInterval,
	}
}

// Option configures a Config at construction time.
type Option func(*Config) error

func WithClock(c Clock) Option {
	return func(cfg *Config) error { cfg.Clock = c; return nil }
}

func WithTransport(t Transport) Option {
	return func(cfg *Config) error { cfg.Transport = t; return nil }
}

func WithSigningKey(key PrivKey) Option {
	return func(cfg *Config) error { cfg.SigningKey = key; return nil }
}

func WithMeshParams(d, dlo, dhi, dout int) Option {
	return func(cfg *Config) error {
		if !(dlo <= d && d <= dhi) {
			return fmt.Errorf("gossipsub: invalid mesh params: require Dlo <= D <= Dhi, got %d <= %d <= %d", dlo, d, dhi)
		}
		cfg.MeshDegree, cfg.MeshDegreeLow, cfg.MeshDegreeHigh, cfg.MeshOutboundMin = d, dlo, dhi, dout
		return nil
	}
}

func WithMaxPeersPerTopic(n int) Option {
	return func(cfg *Config) error { cfg.MaxPeersPerTopic = n; return nil }
}

func WithMaxSubscriptions(n int) Option {
	return func(cfg *Config) error { cfg.MaxSubscriptions = n; return nil }
}

func WithMessageCacheParams(length, gossipLength int) Option {
	return func(cfg *Config) error {
		if gossipLength > length {
			return fmt.Errorf("gossipsub: gossipWindowCount (%d) must be <= windowCount (%d)", gossipLength, length)
		}
		cfg.MessageCacheLength, cfg.MessageCacheGossipLength = length, gossipLength
		return nil
	}
}

func WithSeenCacheParams(size int, ttl time.Duration) Option {
	return func(cfg *Config) error { cfg.SeenCacheSize, cfg.SeenTTL = size, ttl; return nil }
}

func WithPruneBackoff(d time.Duration) Option {
	return func(cfg *Config) error { cfg.PruneBackoff = d; return nil }
}

func WithIWantFollowupTime(d time.Duration) Option {
	return func(cfg *Config) error { cfg.IWantFollowupTime = d; return nil }
}

func WithGossipFlowControl(maxIWant, maxIHave int) Option {
	return func(cfg *Config) error { cfg.MaxIWantMessages, cfg.MaxIHaveMessages = maxIWant, maxIHave; return nil }
}

func WithGossipDegree(d int) Option {
	return func(cfg *Config) error { cfg.GossipDegree = d; return nil }
}

func WithFloodPublish(enabled bool, maxPeers int) Option {
	return func(cfg *Config) error { cfg.FloodPublish, cfg.FloodPublishMaxPeers = enabled, maxPeers; return nil }
}

func WithFanoutTTL(d time.Duration) Option {
	return func(cfg *Config) error { cfg.FanoutTTL = d; return nil }
}

func WithPeerExchange(enabled bool, prunePeers int, acceptThreshold float64) Option {
	return func(cfg *Config) error {
		cfg.EnablePeerExchange, cfg.PrunePeers, cfg.AcceptPXThreshold = enabled, prunePeers, acceptThreshold
		return nil
	}
}

func WithOpportunisticGraft(threshold float64, peers int) Option {
	return func(cfg *Config) error {
		cfg.OpportunisticGraftThreshold, cfg.OpportunisticGraftPeers = threshold, peers
		return nil
	}
}

func WithIDontWant(threshold int, ttl time.Duration) Option {
	return func(cfg *Config) error { cfg.IDontWantThreshold, cfg.IDontWantTTL = threshold, ttl; return nil }
}

func WithMaxMessageSize(n int) Option {
	return func(cfg *Config) error { cfg.MaxMessageSize = n; return nil }
}

func WithValidationMode(mode AuthenticityMode) Option {
	return func(cfg *Config) error { cfg.Authenticity = mode; return nil }
}

func WithMessageIDFn(fn MsgIDFunction) Option {
	return func(cfg *Config) error {
		if fn == nil {
			cfg.MsgIDFn, cfg.customMsgID = DefaultMsgID, false
			return nil
		}
		cfg.MsgIDFn = fn
		cfg.customMsgID = true
		return nil
	}
}

func WithDirectPeers(peers []PeerID) Option {
	return func(cfg *Config) error {
		for _, p := range peers {
			cfg.DirectPeers[p] = struct{}{}
		}
		return nil
	}
}

func WithSubscriptionFilter(f SubscriptionFilter) Option {
	return func(cfg *Config) error { cfg.SubscriptionFilter = f; return nil }
}

func WithPeerScore(params *PeerScoreParams, thresholds *PeerScoreThresholds) Option {
	return func(cfg *Config) error {
		if err := params.Validate(); err != nil {
			return fmt.Errorf("gossipsub: invalid score params: %w", err)
		}
		if err := thresholds.Validate(); err != nil {
			return fmt.Errorf("gossipsub: invalid score thresholds: %w", err)
		}
		cfg.ScoreParams, cfg.ScoreThresholds = params, thresholds
		return nil
	}
}

func WithHeartbeatInterval(d time.Duration) Option {
	return func(cfg *Config) error { cfg.HeartbeatInterval = d; return nil }
}

func WithTopicValidator(topic Topic, v Validator) Option {
	return func(cfg *Config) error { cfg.Validators[topic] = v; return nil }
}

func (c *Config) apply(opts []Option) error {
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return err
		}
	}
	if c.Authenticity == AuthenticityAnonymous && !c.customMsgID {
		return ErrAnonymousModeRequiresCustomMessageID
	}
	return nil
}
