package broker

import (
	"sync"
	"time"
)

// Publication is one delivered event. Data is always a plain JSON map so
// local and bus-relayed deliveries look identical to consumers.
type Publication struct {
	Channel   string                 `json:"channel"`
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

// Subscription is a bounded delivery queue for one consumer. When the
// queue is full the broker closes the subscription instead of blocking
// publishers (drop-slow policy; see Broker.Subscribe).
type Subscription struct {
	channel  string
	firehose bool
	ch       chan *Publication
	done     chan struct{}
	broker   *Broker
	once     sync.Once
}

// Events returns the delivery channel. It is closed when the
// subscription ends, whether by Unsubscribe, context cancellation,
// broker shutdown or the drop-slow policy.
func (s *Subscription) Events() <-chan *Publication {
	return s.ch
}

// Channel returns the subscribed channel name. Firehose subscriptions
// return the empty string.
func (s *Subscription) Channel() string {
	return s.channel
}

// Unsubscribe detaches the consumer and closes its delivery channel
func (s *Subscription) Unsubscribe() {
	s.broker.removeSubscription(s)
}

// closeLocked closes the delivery channel. Caller holds the broker lock
// (or is the final shutdown path), so no publisher can be mid-send.
func (s *Subscription) closeLocked() {
	s.once.Do(func() {
		close(s.ch)
		close(s.done)
	})
}
