package gossipsub

import "github.com/libp2p/go-gossipsub-core/pb"

// Subscription is the local delivery channel yielded by Router.Subscribe.
// Messages that pass the full pipeline for Topic are pushed here; the
// queue is unbounded so a slow local subscriber never blocks message
// delivery to other subscribers or peers.
type Subscription struct {
	topic    Topic
	queue    *unboundedQueue[*pb.Message]
	router   *Router
	canceled bool
}

func newSubscription(t Topic, r *Router) *Subscription {
	return &Subscription{topic: t, queue: newUnboundedQueue[*pb.Message](), router: r}
}

func (s *Subscription) Topic() Topic { return s.topic }

// Messages returns the channel of delivered payload messages. It is closed
// when the subscription is canceled or the router shuts down.
func (s *Subscription) Messages() <-chan *pb.Message { return s.queue.out }

// Cancel unsubscribes from the topic, equivalent to calling
// Router.Unsubscribe(s.Topic()).
func (s *Subscription) Cancel() {
	if s.canceled {
		return
	}
	s.canceled = true
	s.router.Unsubscribe(s.topic)
}
