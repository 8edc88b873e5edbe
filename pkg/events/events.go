package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventGlobalUpdated     EventType = "global.updated"
	EventHostCreated       EventType = "host.created"
	EventHostUpdated       EventType = "host.updated"
	EventHostDeleted       EventType = "host.deleted"
	EventPortCreated       EventType = "port.created"
	EventPortUpdated       EventType = "port.updated"
	EventPortDeleted       EventType = "port.deleted"
	EventSubsysCreated     EventType = "subsys.created"
	EventSubsysUpdated     EventType = "subsys.updated"
	EventSubsysDeleted     EventType = "subsys.deleted"
	EventHostSubsysCreated EventType = "host_subsys.created"
	EventHostSubsysDeleted EventType = "host_subsys.deleted"
	EventPortSubsysCreated EventType = "port_subsys.created"
	EventPortSubsysDeleted EventType = "port_subsys.deleted"
	EventNamespaceCreated  EventType = "namespace.created"
	EventNamespaceUpdated  EventType = "namespace.updated"
	EventNamespaceDeleted  EventType = "namespace.deleted"
	EventNamespaceLocked   EventType = "namespace.locked"
	EventNamespaceUnlocked EventType = "namespace.unlocked"
	EventNamespaceResized  EventType = "namespace.resized"
	EventFailoverUpdated   EventType = "failover.updated"
	EventServiceStarted    EventType = "service.started"
	EventServiceStopped    EventType = "service.stopped"
	EventServiceReloaded   EventType = "service.reloaded"
	EventReloadFailed      EventType = "service.reload_failed"
)

// RequiresReload reports whether the event changes the desired target state
func (t EventType) RequiresReload() bool {
	switch t {
	case EventServiceStarted, EventServiceStopped, EventServiceReloaded, EventReloadFailed, EventNamespaceResized:
		return false
	}
	return true
}

// Event represents a configuration or service event
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// NewEvent creates an event about the entity with the given ID
func NewEvent(t EventType, id int, message string) *Event {
	return &Event{
		ID:       uuid.NewString(),
		Type:     t,
		Message:  message,
		Metadata: map[string]string{"id": fmt.Sprint(id)},
	}
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
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

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	// Set timestamp if not set
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

	for sub := range b.subscribers {
		select {
		case sub <- event:
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
