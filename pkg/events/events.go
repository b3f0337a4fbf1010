package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/adcm/pkg/types"
	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventCreate          EventType = "create"
	EventDelete          EventType = "delete"
	EventAdd             EventType = "add"
	EventRemove          EventType = "remove"
	EventUpdate          EventType = "update"
	EventChangeConfig    EventType = "change_config"
	EventChangeHC        EventType = "change_hostcomponentmap"
	EventUpgrade         EventType = "upgrade"
	EventPrototypeUpdate EventType = "prototype_update"
	EventSetState        EventType = "set_state"
	EventTaskStatus      EventType = "task_status"
	EventJobStatus       EventType = "job_status"
	EventAddJobLog       EventType = "add_job_log"
	EventConcern         EventType = "concern"
	EventStatus          EventType = "status"
)

// Event is one status update delivered to subscribers such as the status aggregator
type Event struct {
	ID         string
	Type       EventType
	ObjectType types.ObjectType
	ObjectID   int64
	Details    map[string]any
	Timestamp  time.Time
}

// Object returns the reference of the object the event is about
func (e *Event) Object() types.ObjectRef {
	return types.Ref(e.ObjectType, e.ObjectID)
}

// Publisher accepts events for delivery
type Publisher interface {
	Publish(event *Event)
}

// Filter selects the events a subscription receives; nil accepts all
type Filter func(*Event) bool

// ForObject accepts events about ref, optionally restricted to kinds
func ForObject(ref types.ObjectRef, kinds ...EventType) Filter {
	return func(e *Event) bool {
		if e.Object() != ref {
			return false
		}
		if len(kinds) == 0 {
			return true
		}
		for _, k := range kinds {
			if e.Type == k {
				return true
			}
		}
		return false
	}
}

// Subscription receives matching events on C until it is cancelled.
// Events that arrive while C is full are dropped and counted.
type Subscription struct {
	C       <-chan *Event
	ch      chan *Event
	filter  Filter
	dropped atomic.Int64
}

// Dropped reports how many events were lost to a full buffer
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Broker fans committed events out to subscriptions in publish order
type Broker struct {
	mu    sync.RWMutex
	subs  map[*Subscription]struct{}
	queue chan *Event
	done  chan struct{}
	once  sync.Once
}

// NewBroker creates a broker; call Start before publishing
func NewBroker() *Broker {
	return &Broker{
		subs:  make(map[*Subscription]struct{}),
		queue: make(chan *Event, 256),
		done:  make(chan struct{}),
	}
}

func (b *Broker) Start() {
	go b.loop()
}

// Stop ends delivery; pending Publish calls return
func (b *Broker) Stop() {
	b.once.Do(func() { close(b.done) })
}

// Subscribe registers a subscription with a buffer of 128 events
func (b *Broker) Subscribe(filter Filter) *Subscription {
	ch := make(chan *Event, 128)
	sub := &Subscription{C: ch, ch: ch, filter: filter}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe closes sub.C; repeated calls are no-ops
func (b *Broker) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Publish stamps the event with an ID and time and queues it
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case b.queue <- event:
	case <-b.done:
	}
}

func (b *Broker) loop() {
	for {
		select {
		case <-b.done:
			return
		case event := <-b.queue:
			b.deliver(event)
		}
	}
}

func (b *Broker) deliver(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of live subscriptions
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Batch buffers events produced inside a transaction. Nothing is published
// until Flush, which callers invoke only after a successful commit.
type Batch struct {
	events []*Event
}

// Add queues an event about ref. Adding to a nil batch is a no-op.
func (b *Batch) Add(t EventType, ref types.ObjectRef, details map[string]any) {
	if b == nil {
		return
	}
	b.events = append(b.events, &Event{
		Type:       t,
		ObjectType: ref.Type,
		ObjectID:   ref.ID,
		Details:    details,
	})
}

// Events returns the queued events in order
func (b *Batch) Events() []*Event {
	return b.events
}

// Reset drops queued events; used when a transaction is retried or rolled back
func (b *Batch) Reset() {
	b.events = nil
}

// Flush publishes queued events in order and empties the batch.
// A nil publisher discards them.
func (b *Batch) Flush(p Publisher) {
	events := b.events
	b.events = nil
	if p == nil {
		return
	}
	for _, e := range events {
		p.Publish(e)
	}
}
