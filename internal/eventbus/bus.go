// Package eventbus implements the in-process publish/subscribe fabric that
// fans domain events (agent lifecycle, job lifecycle, workflow lifecycle)
// out to every interested consumer: the workflow engine, observability,
// and external push gateways such as the websocket bridge in wsgateway.go.
//
// The design generalizes the teacher's websocket.Hub: Subscribe adds a
// subscription to the registry under the write lock before it returns, so
// it sees every event published afterwards; unsubscription goes through the
// Run event loop, which closes the subscriber's channel. Publish copies the
// target set under a brief read-lock and sends outside it. The one behavioral change from Hub is what happens to a slow
// subscriber: Hub disconnects it, but an EventBus subscriber is not a
// network peer to drop — spec-mandated semantics are to drop the oldest
// queued event and count the lag instead, so a bursty workflow engine
// doesn't lose its subscription just because the bus outran it briefly.
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// EventType identifies the kind of domain event carried by an Event.
type EventType string

const (
	AgentConnected           EventType = "agent.connected"
	AgentReady               EventType = "agent.ready"
	AgentDisconnected        EventType = "agent.disconnected"
	AgentCapabilitiesUpdated EventType = "agent.capabilities_updated"
	AgentPaused              EventType = "agent.paused"
	AgentStopped             EventType = "agent.stopped"
	AgentFaulted             EventType = "agent.faulted"

	JobAssigned     EventType = "job.assigned"
	JobAcknowledged EventType = "job.acknowledged"
	JobStarted      EventType = "job.started"
	JobProgress     EventType = "job.progress"
	JobCompleted    EventType = "job.completed"
	JobFailed       EventType = "job.failed"
	JobTimedOut     EventType = "job.timed_out"
	JobCancelled    EventType = "job.cancelled"
	JobRetried      EventType = "job.retried"

	WorkflowInstanceStarted   EventType = "workflow.instance_started"
	WorkflowInstancePaused    EventType = "workflow.instance_paused"
	WorkflowInstanceResumed   EventType = "workflow.instance_resumed"
	WorkflowStepCompleted     EventType = "workflow.step_completed"
	WorkflowInstanceCompleted EventType = "workflow.instance_completed"
	WorkflowInstanceFailed    EventType = "workflow.instance_failed"
	WorkflowInstanceCancelled EventType = "workflow.instance_cancelled"

	ProtocolError EventType = "session.protocol_error"
)

// AllTopics is the wildcard subscription filter: a subscriber registered
// under it receives every event published on every topic, in publish order.
const AllTopics = "*"

// Event is the envelope published on the bus. Topic follows the teacher's
// convention ("agent:<id>", "job:<id>", "workflow:<id>") so a push-gateway
// subscriber can reuse the same topic string as its own.
type Event struct {
	Seq         uint64
	Topic       string
	Type        EventType
	Payload     any
	PublishedAt time.Time
}

// subscriberBuffer is the default channel capacity for a Subscription.
// Sized generously — lag is tolerated, but it should take genuine backlog,
// not routine scheduling jitter, to trigger a drop.
const subscriberBuffer = 256

// Subscription is a live registration on the bus. Callers read from Events()
// until Close(); they must not block for long inside the receive loop, or
// they risk losing events to the drop-oldest policy.
type Subscription struct {
	id     uint64
	topics map[string]struct{}
	ch     chan Event
	mu     sync.Mutex
	lagged atomic.Uint64
	bus    *Bus
}

// Events returns the channel of delivered events. It is closed when the
// subscription is unsubscribed or the bus stops.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Lagged returns the cumulative number of events dropped for this
// subscriber because its buffer was full (spec §4.4's SubscriberLagged).
func (s *Subscription) Lagged() uint64 { return s.lagged.Load() }

// Close unsubscribes and releases the subscription's resources.
func (s *Subscription) Close() { s.bus.unsubscribe(s) }

// deliver pushes ev onto the subscriber's channel, dropping the oldest
// queued event and incrementing the lag counter if the buffer is full.
// Guarded by a per-subscriber mutex so concurrent publishers (distinct
// topics a subscriber listens on) serialize their drain-then-push.
func (s *Subscription) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case s.ch <- ev:
		return
	default:
	}
	select {
	case <-s.ch:
		s.lagged.Add(1)
	default:
	}
	select {
	case s.ch <- ev:
	default:
		// Buffer was refilled by a concurrent publish between the drain and
		// this send; count it as lag too rather than block.
		s.lagged.Add(1)
	}
}

// Bus is the central pub/sub broker. Zero value is not usable; call New.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	topics map[string]map[uint64]*Subscription

	register   chan *Subscription
	unregister chan uint64
	stopped    chan struct{}

	nextID atomic.Uint64
	seq    atomic.Uint64
}

// New creates an idle Bus. Call Run in its own goroutine to start it.
func New() *Bus {
	return &Bus{
		subs:       make(map[uint64]*Subscription),
		topics:     make(map[string]map[uint64]*Subscription),
		register:   make(chan *Subscription, 16),
		unregister: make(chan uint64, 16),
		stopped:    make(chan struct{}),
	}
}

// Run starts the bus's event loop. Must be called exactly once, in its own
// goroutine; it exits when ctx is cancelled, closing every live
// subscription's channel.
func (b *Bus) Run(ctx context.Context) {
	defer close(b.stopped)
	for {
		select {
		case sub := <-b.register:
			b.mu.Lock()
			b.subs[sub.id] = sub
			for topic := range sub.topics {
				if b.topics[topic] == nil {
					b.topics[topic] = make(map[uint64]*Subscription)
				}
				b.topics[topic][sub.id] = sub
			}
			b.mu.Unlock()

		case id := <-b.unregister:
			b.mu.Lock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				for topic := range sub.topics {
					delete(b.topics[topic], id)
					if len(b.topics[topic]) == 0 {
						delete(b.topics, topic)
					}
				}
				close(sub.ch)
			}
			b.mu.Unlock()

		case <-ctx.Done():
			b.mu.Lock()
			for _, sub := range b.subs {
				close(sub.ch)
			}
			b.subs = make(map[uint64]*Subscription)
			b.topics = make(map[string]map[uint64]*Subscription)
			b.mu.Unlock()
			return
		}
	}
}

// Subscribe registers a new subscription for the given topics. Pass
// AllTopics to receive the full firehose (used by observability and the
// websocket push gateway).
func (b *Bus) Subscribe(topics ...string) *Subscription {
	set := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		set[t] = struct{}{}
	}
	sub := &Subscription{
		id:     b.nextID.Add(1),
		topics: set,
		ch:     make(chan Event, subscriberBuffer),
		bus:    b,
	}
	b.mu.Lock()
	b.subs[sub.id] = sub
	for topic := range set {
		if b.topics[topic] == nil {
			b.topics[topic] = make(map[uint64]*Subscription)
		}
		b.topics[topic][sub.id] = sub
	}
	b.mu.Unlock()
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.unregister <- sub.id
}

// Publish delivers an event to every subscriber of topic and every
// AllTopics subscriber. Safe to call from any goroutine.
func (b *Bus) Publish(topic string, eventType EventType, payload any) {
	ev := Event{
		Seq:         b.seq.Add(1),
		Topic:       topic,
		Type:        eventType,
		Payload:     payload,
		PublishedAt: time.Now(),
	}

	b.mu.RLock()
	var targets []*Subscription
	for _, sub := range b.topics[topic] {
		targets = append(targets, sub)
	}
	if topic != AllTopics {
		for _, sub := range b.topics[AllTopics] {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		sub.deliver(ev)
	}
}

// SubscriberCount returns the number of live subscriptions, for metrics.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
