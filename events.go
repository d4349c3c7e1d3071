package gossipsub

// EventKind is a closed enumeration of the event stream the router emits.
// It is modeled as a tagged variant (EventKind + Event struct with
// kind-specific fields) rather than as a class hierarchy.
type EventKind int

const (
	EventSubscribed EventKind = iota
	EventUnsubscribed
	EventPeerConnected
	EventPeerDisconnected
	EventPeerSubscribed
	EventPeerUnsubscribed
	EventPeerJoinedMesh
	EventPeerLeftMesh
	EventGrafted
	EventPruned
	EventIHaveReceived
	EventIWantSent
	EventMessagePublished
	EventMessageReceived
	EventMessageForwarded
	EventMessageValidated
	EventMessageSkippedByIDontWant
	EventIDontWantSent
	EventIDontWantReceived
	EventBrokenPromisesDetected
	EventPeerPenalized
	EventSybilSuspected
	EventPeerExchangeReceived
	EventPeerExchangeRejected
	EventPeerExchangeConnect
	EventOpportunisticGraft
	EventOutboundQuotaGraft
	EventDirectPeerAdded
	EventDirectPeerRemoved
)

func (k EventKind) String() string {
	switch k {
	case EventSubscribed:
		return "subscribed"
	case EventUnsubscribed:
		return "unsubscribed"
	case EventPeerConnected:
		return "peerConnected"
	case EventPeerDisconnected:
		return "peerDisconnected"
	case EventPeerSubscribed:
		return "peerSubscribed"
	case EventPeerUnsubscribed:
		return "peerUnsubscribed"
	case EventPeerJoinedMesh:
		return "peerJoinedMesh"
	case EventPeerLeftMesh:
		return "peerLeftMesh"
	case EventGrafted:
		return "grafted"
	case EventPruned:
		return "pruned"
	case EventIHaveReceived:
		return "ihaveReceived"
	case EventIWantSent:
		return "iwantSent"
	case EventMessagePublished:
		return "messagePublished"
	case EventMessageReceived:
		return "messageReceived"
	case EventMessageForwarded:
		return "messageForwarded"
	case EventMessageValidated:
		return "messageValidated"
	case EventMessageSkippedByIDontWant:
		return "messageSkippedByIdontWant"
	case EventIDontWantSent:
		return "idontWantSent"
	case EventIDontWantReceived:
		return "idontWantReceived"
	case EventBrokenPromisesDetected:
		return "brokenPromisesDetected"
	case EventPeerPenalized:
		return "peerPenalized"
	case EventSybilSuspected:
		return "sybilSuspected"
	case EventPeerExchangeReceived:
		return "peerExchangeReceived"
	case EventPeerExchangeRejected:
		return "peerExchangeRejected"
	case EventPeerExchangeConnect:
		return "peerExchangeConnect"
	case EventOpportunisticGraft:
		return "opportunisticGraft"
	case EventOutboundQuotaGraft:
		return "outboundQuotaGraft"
	case EventDirectPeerAdded:
		return "directPeerAdded"
	case EventDirectPeerRemoved:
		return "directPeerRemoved"
	default:
		return "unknown"
	}
}

// ValidationResult is the outcome recorded by an EventMessageValidated event.
type ValidationResult int

const (
	ValidationReject ValidationResult = iota
	ValidationIgnore
)

func (v ValidationResult) String() string {
	if v == ValidationIgnore {
		return "ignore"
	}
	return "reject"
}

// PenaltyReason labels why a peer was penalized, for EventPeerPenalized.
type PenaltyReason string

const (
	PenaltyInvalidMessage    PenaltyReason = "invalidMessage"
	PenaltyDuplicateMessage  PenaltyReason = "duplicateMessage"
	PenaltyGraftDuringBackoff PenaltyReason = "protocolViolation GRAFT during backoff"
	PenaltyBrokenPromise     PenaltyReason = "brokenPromise"
	PenaltyExcessiveIWant    PenaltyReason = "excessiveIWant"
	PenaltyTopicMismatch     PenaltyReason = "topicMismatch"
	PenaltyIPColocation      PenaltyReason = "ipColocation"
	PenaltyLowDeliveryRate   PenaltyReason = "lowDeliveryRate"
)

// Event is a single item on the router's event stream. Only the fields
// relevant to Kind are populated; this keeps the type a plain struct
// (cheap to construct and copy) while still behaving like a tagged union
// via the exhaustive switch callers are expected to write over Kind.
type Event struct {
	Kind  EventKind
	Topic Topic
	Peer  PeerID
	Peers []PeerID

	MessageID MessageID

	Validation ValidationResult
	Reason     PenaltyReason

	// IP colocation / Sybil fields.
	IP        string
	PeerCount int

	// Broken promise counts, keyed implicitly by Peer above.
	Count int

	// PeerAddrs carries verified address hints for EventPeerExchangeConnect,
	// keyed by the corresponding entry in Peers (same index, "" if the
	// candidate carried no verifiable signed record).
	PeerAddrs []string
}
