package gossipsub

import "fmt"

// Error kinds surfaced to callers at trust boundaries (router public API,
// envelope/record parsing). Internal pipeline failures never propagate as
// errors; they are reported as Events plus a local score penalty instead.
type ErrAlreadySubscribed struct{ Topic Topic }

func (e *ErrAlreadySubscribed) Error() string {
	return fmt.Sprintf("already subscribed to topic %q", e.Topic)
}

type ErrMaxSubscriptionsReached struct{ Limit int }

func (e *ErrMaxSubscriptionsReached) Error() string {
	return fmt.Sprintf("maximum subscription count reached (%d)", e.Limit)
}

type ErrSubscriptionNotAllowed struct{ Topic Topic }

func (e *ErrSubscriptionNotAllowed) Error() string {
	return fmt.Sprintf("subscription filter rejected topic %q", e.Topic)
}

type ErrMessageTooLarge struct {
	Size, Max int
}

func (e *ErrMessageTooLarge) Error() string {
	return fmt.Sprintf("message size %d exceeds maximum %d", e.Size, e.Max)
}

// ErrSigningKeyRequired is returned by Publish when the effective
// authenticity mode is "signed" but no signing key was configured.
var ErrSigningKeyRequired = fmt.Errorf("gossipsub: signing key required for signed message authenticity")

// ErrAnonymousModeRequiresCustomMessageID is returned by NewRouter (and by
// Publish) when the effective authenticity mode is "anonymous" but no custom MsgIDFunction was
// configured (the default id function needs a source/seqno, neither of
// which anonymous messages carry).
var ErrAnonymousModeRequiresCustomMessageID = fmt.Errorf("gossipsub: anonymous message authenticity requires a custom message ID function")

// ErrRouterClosed is returned by public Router operations after Shutdown.
var ErrRouterClosed = fmt.Errorf("gossipsub: router is shut down")
