package server

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/schemehub/internal/session"
)

// allSchemesKey subscribes a client to events for every scheme.
const allSchemesKey = "*"

// EventDispatcher fans controller events out to subscribed UI clients so
// open scheme lists refresh when a lease changes hands or a record changes.
// Delivery is best-effort: slow subscribers drop events rather than block
// the edit path.
type EventDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*eventSubscriber
	nextID      int64
	bufferSize  int
}

type eventSubscriber struct {
	id     int64
	stream chan session.Event
}

// NewEventDispatcher constructs a dispatcher with a small per-subscriber buffer.
func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{
		subscribers: make(map[string]map[int64]*eventSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a listener for one scheme's events, or all events when
// schemeID is empty. The returned cleanup is also invoked when ctx ends.
func (d *EventDispatcher) Subscribe(ctx context.Context, schemeID string) (<-chan session.Event, func()) {
	key := schemeID
	if key == "" {
		key = allSchemesKey
	}
	subscriber := &eventSubscriber{
		id:     d.nextSequence(),
		stream: make(chan session.Event, d.bufferSize),
	}
	d.registerSubscriber(key, subscriber)
	cleanup := func() {
		d.unregisterSubscriber(key, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the event to per-scheme and wildcard subscribers.
// Implements session.EventPublisher.
func (d *EventDispatcher) Publish(event session.Event) {
	if event.SchemeID == "" || event.Type == "" {
		return
	}
	d.mu.RLock()
	copies := make([]*eventSubscriber, 0)
	for _, subscriber := range d.subscribers[event.SchemeID] {
		copies = append(copies, subscriber)
	}
	for _, subscriber := range d.subscribers[allSchemesKey] {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

func (d *EventDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *EventDispatcher) registerSubscriber(key string, subscriber *eventSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[key]; !ok {
		d.subscribers[key] = make(map[int64]*eventSubscriber)
	}
	d.subscribers[key][subscriber.id] = subscriber
}

func (d *EventDispatcher) unregisterSubscriber(key string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[key]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, key)
		}
	}
	d.mu.Unlock()
}
