// Package broker provides pub/sub channels and agent discovery for the
// A2A server. Local subscribers get ordered bounded queues; every
// publication is mirrored onto the shared event bus so multiple server
// instances converge on the same streams.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quantum-forge/a2a-server/internal/common/config"
	"github.com/quantum-forge/a2a-server/internal/common/logger"
	"github.com/quantum-forge/a2a-server/internal/events"
	"github.com/quantum-forge/a2a-server/internal/events/bus"
	"github.com/quantum-forge/a2a-server/internal/protocol"
)

// Broker fans publications out to channel subscribers and mirrors them
// onto the shared event bus. Publications from the bus carry an origin
// ID so a broker never re-delivers its own mirrored events.
type Broker struct {
	bus       bus.EventBus
	log       *logger.Logger
	originID  string
	queueSize int
	agentTTL  time.Duration

	mu       sync.Mutex
	subs     map[string][]*Subscription
	busSubs  map[string]bus.Subscription
	firehose []*Subscription
	fireSub  bus.Subscription
	agents   map[string]*Agent
	closed   bool
}

// New creates a broker on top of the shared event bus
func New(eventBus bus.EventBus, cfg config.BrokerConfig, log *logger.Logger) *Broker {
	return &Broker{
		bus:       eventBus,
		log:       log,
		originID:  uuid.New().String(),
		queueSize: cfg.QueueSize,
		agentTTL:  cfg.AgentTTL(),
		subs:      make(map[string][]*Subscription),
		busSubs:   make(map[string]bus.Subscription),
		agents:    make(map[string]*Agent),
	}
}

// Publish delivers data to every subscriber of channel and mirrors the
// publication onto the shared bus.
func (b *Broker) Publish(ctx context.Context, channel, eventType string, data map[string]interface{}) error {
	pub := &Publication{
		Channel:   channel,
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("broker is closed")
	}
	b.deliverLocked(pub)
	b.mu.Unlock()

	ev := bus.NewEvent(eventType, "broker", map[string]interface{}{
		"channel": channel,
		"type":    eventType,
		"data":    data,
		"origin":  b.originID,
	})
	ev.Timestamp = pub.Timestamp
	if err := b.bus.Publish(ctx, events.ChannelSubject(channel), ev); err != nil {
		return fmt.Errorf("mirror publication to bus: %w", err)
	}
	return nil
}

// PublishEvent publishes a typed broadcast event to its events:<type>
// channel.
func (b *Broker) PublishEvent(ctx context.Context, eventType string, data map[string]interface{}) error {
	return b.Publish(ctx, events.EventChannel(eventType), eventType, data)
}

// PublishTaskEvent publishes a full status update onto the task's own
// channel for streaming consumers.
func (b *Broker) PublishTaskEvent(ctx context.Context, event *protocol.TaskStatusUpdateEvent) error {
	data, err := structToMap(event)
	if err != nil {
		return fmt.Errorf("encode task event: %w", err)
	}
	return b.Publish(ctx, events.TaskChannel(event.Task.ID), events.TaskUpdated, data)
}

// PublishTaskUpdate publishes the normalized task.updated notification
func (b *Broker) PublishTaskUpdate(ctx context.Context, agentName string, event *protocol.TaskStatusUpdateEvent) error {
	return b.PublishEvent(ctx, events.TaskUpdated, map[string]interface{}{
		"agent_name": agentName,
		"task_id":    event.Task.ID,
		"status":     string(event.Task.Status),
		"final":      event.Final,
		"timestamp":  event.Task.UpdatedAt.Format(time.RFC3339Nano),
	})
}

// PublishMessage publishes the normalized message.sent notification
func (b *Broker) PublishMessage(ctx context.Context, fromAgent, toAgent string, message *protocol.Message) error {
	msg, err := structToMap(message)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return b.PublishEvent(ctx, events.MessageSent, map[string]interface{}{
		"from_agent": fromAgent,
		"to_agent":   toAgent,
		"message":    msg,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// Subscribe attaches a consumer to a channel. The first subscriber on a
// channel starts the shared-bus listener for it; the last unsubscribe
// tears it down. The subscription ends when ctx is cancelled.
func (b *Broker) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("broker is closed")
	}

	sub := b.newSubscription(channel, false)
	b.subs[channel] = append(b.subs[channel], sub)

	if _, ok := b.busSubs[channel]; !ok {
		busSub, err := b.bus.Subscribe(events.ChannelSubject(channel), b.relayHandler(channel))
		if err != nil {
			b.dropSubLocked(sub)
			b.mu.Unlock()
			return nil, fmt.Errorf("subscribe bus channel %s: %w", channel, err)
		}
		b.busSubs[channel] = busSub
	}
	b.mu.Unlock()

	b.watchContext(ctx, sub)
	return sub, nil
}

// SubscribeAll attaches a consumer to every typed broadcast event
// (events:* channels). Per-task channels are not included.
func (b *Broker) SubscribeAll(ctx context.Context) (*Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("broker is closed")
	}

	sub := b.newSubscription("", true)
	b.firehose = append(b.firehose, sub)

	if b.fireSub == nil {
		busSub, err := b.bus.Subscribe(events.AllEventsSubject(), b.relayAllHandler())
		if err != nil {
			b.dropSubLocked(sub)
			b.mu.Unlock()
			return nil, fmt.Errorf("subscribe bus firehose: %w", err)
		}
		b.fireSub = busSub
	}
	b.mu.Unlock()

	b.watchContext(ctx, sub)
	return sub, nil
}

// Close shuts the broker down and closes every subscription
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for channel, subs := range b.subs {
		for _, sub := range subs {
			sub.closeLocked()
		}
		delete(b.subs, channel)
	}
	for _, sub := range b.firehose {
		sub.closeLocked()
	}
	b.firehose = nil

	for channel, busSub := range b.busSubs {
		_ = busSub.Unsubscribe()
		delete(b.busSubs, channel)
	}
	if b.fireSub != nil {
		_ = b.fireSub.Unsubscribe()
		b.fireSub = nil
	}

	b.log.Info("Broker closed")
}

func (b *Broker) newSubscription(channel string, firehose bool) *Subscription {
	return &Subscription{
		channel:  channel,
		firehose: firehose,
		ch:       make(chan *Publication, b.queueSize),
		done:     make(chan struct{}),
		broker:   b,
	}
}

// watchContext ends the subscription when its context is cancelled
func (b *Broker) watchContext(ctx context.Context, sub *Subscription) {
	go func() {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
		case <-sub.done:
		}
	}()
}

// deliverLocked enqueues a publication for the channel's subscribers
// and, for typed broadcast channels, the firehose. Caller holds b.mu.
// Subscribers with full queues are dropped after the iteration because
// dropping mutates the slices being ranged.
func (b *Broker) deliverLocked(pub *Publication) {
	var dropped []*Subscription
	for _, sub := range b.subs[pub.Channel] {
		if !b.enqueueLocked(sub, pub) {
			dropped = append(dropped, sub)
		}
	}
	if events.IsEventChannel(pub.Channel) {
		for _, sub := range b.firehose {
			if !b.enqueueLocked(sub, pub) {
				dropped = append(dropped, sub)
			}
		}
	}
	for _, sub := range dropped {
		b.dropSubLocked(sub)
	}
}

// enqueueLocked performs one non-blocking delivery and reports whether
// it succeeded. A full queue means the subscriber is too slow and must
// be dropped so it cannot stall publishers.
func (b *Broker) enqueueLocked(sub *Subscription, pub *Publication) bool {
	select {
	case sub.ch <- pub:
		return true
	default:
		b.log.Warn("Dropping slow subscriber",
			zap.String("channel", pub.Channel),
			zap.Int("queue_size", b.queueSize))
		return false
	}
}

// dropSubLocked removes a subscription and closes it. Caller holds b.mu.
func (b *Broker) dropSubLocked(sub *Subscription) {
	if sub.firehose {
		for i, s := range b.firehose {
			if s == sub {
				b.firehose = append(b.firehose[:i], b.firehose[i+1:]...)
				break
			}
		}
		if len(b.firehose) == 0 && b.fireSub != nil {
			_ = b.fireSub.Unsubscribe()
			b.fireSub = nil
		}
	} else {
		channelSubs := b.subs[sub.channel]
		for i, s := range channelSubs {
			if s == sub {
				b.subs[sub.channel] = append(channelSubs[:i], channelSubs[i+1:]...)
				break
			}
		}
		if len(b.subs[sub.channel]) == 0 {
			delete(b.subs, sub.channel)
			if busSub, ok := b.busSubs[sub.channel]; ok {
				_ = busSub.Unsubscribe()
				delete(b.busSubs, sub.channel)
			}
		}
	}
	sub.closeLocked()
}

func (b *Broker) removeSubscription(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.dropSubLocked(sub)
}

// relayHandler injects bus events from other instances into the local
// subscribers of one channel.
func (b *Broker) relayHandler(channel string) bus.EventHandler {
	return func(ctx context.Context, ev *bus.Event) error {
		pub, ok := b.decodeBusEvent(ev)
		if !ok {
			return nil
		}

		b.mu.Lock()
		defer b.mu.Unlock()
		if b.closed {
			return nil
		}
		var dropped []*Subscription
		for _, sub := range b.subs[channel] {
			if !b.enqueueLocked(sub, pub) {
				dropped = append(dropped, sub)
			}
		}
		for _, sub := range dropped {
			b.dropSubLocked(sub)
		}
		return nil
	}
}

// relayAllHandler injects bus events from other instances into the
// firehose subscribers.
func (b *Broker) relayAllHandler() bus.EventHandler {
	return func(ctx context.Context, ev *bus.Event) error {
		pub, ok := b.decodeBusEvent(ev)
		if !ok {
			return nil
		}

		b.mu.Lock()
		defer b.mu.Unlock()
		if b.closed {
			return nil
		}
		var dropped []*Subscription
		for _, sub := range b.firehose {
			if !b.enqueueLocked(sub, pub) {
				dropped = append(dropped, sub)
			}
		}
		for _, sub := range dropped {
			b.dropSubLocked(sub)
		}
		return nil
	}
}

// decodeBusEvent rebuilds a Publication from a mirrored bus event.
// Events this broker published itself are filtered out by origin ID.
func (b *Broker) decodeBusEvent(ev *bus.Event) (*Publication, bool) {
	if ev.Data == nil {
		return nil, false
	}
	if origin, _ := ev.Data["origin"].(string); origin == b.originID {
		return nil, false
	}

	channel, _ := ev.Data["channel"].(string)
	eventType, _ := ev.Data["type"].(string)
	if channel == "" || eventType == "" {
		b.log.Warn("Discarding malformed bus publication", zap.String("event_id", ev.ID))
		return nil, false
	}
	data, _ := ev.Data["data"].(map[string]interface{})

	return &Publication{
		Channel:   channel,
		Type:      eventType,
		Data:      data,
		Timestamp: ev.Timestamp,
	}, true
}

// structToMap normalizes a typed value into the plain JSON map shape
// that publications carry.
func structToMap(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
