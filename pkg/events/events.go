package events

import (
	"sync"
	"time"

	"github.com/cuemby/agentswarm/pkg/idgen"
)

// EventType represents the type of event
type EventType string

const (
	EventAgentRegistered EventType = "agent.registered"
	EventAgentStarted    EventType = "agent.started"
	EventAgentIdle       EventType = "agent.idle"
	EventAgentBusy       EventType = "agent.busy"
	EventAgentStopped    EventType = "agent.stopped"
	EventAgentError      EventType = "agent.error"
	EventTaskSubmitted   EventType = "task.submitted"
	EventTaskAssigned    EventType = "task.assigned"
	EventTaskCompleted   EventType = "task.completed"
	EventTaskFailed      EventType = "task.failed"
	EventTaskCancelled   EventType = "task.cancelled"
	EventSwarmCreated    EventType = "swarm.created"
	EventSwarmScaled     EventType = "swarm.scaled"
	EventScalingAction   EventType = "scaling.action"
)

// Event represents a control-plane event
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// subscription is the broker-side bookkeeping for one Subscriber: the
// delivery channel plus the set of topics it currently cares about.
// An empty topic set matches nothing, mirroring spec.md §4.6's
// per-connection `subscriptions: set<string>` starting empty until a
// `subscribe` frame populates it.
type subscription struct {
	ch     Subscriber
	topics map[EventType]bool
}

func (s *subscription) wants(t EventType) bool {
	return s.topics[t]
}

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]*subscription
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]*subscription),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription with an empty topic set and
// returns its channel. Use Topics to select which event types it
// receives; a subscriber that never calls Topics receives nothing.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = &subscription{ch: sub, topics: make(map[EventType]bool)}
	return sub
}

// Topics adds topics to an existing subscription's interest set. It is
// additive and safe to call repeatedly as a client sends more
// `subscribe` frames over the life of its connection. A call against
// an unknown or already-unsubscribed Subscriber is a no-op.
func (b *Broker) Topics(sub Subscriber, topics ...EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.subscribers[sub]
	if !ok {
		return
	}
	for _, t := range topics {
		s.topics[t] = true
	}
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to every subscriber whose topic set
// contains its type.
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		// ULIDs keep the delivered stream sortable in publish order,
		// the same ordering guarantee scaling actions rely on.
		event.ID = idgen.NewOrderedID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subscribers {
		if !s.wants(event.Type) {
			continue
		}
		select {
		case s.ch <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
