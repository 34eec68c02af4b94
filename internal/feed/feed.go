package feed

import (
	"sync"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

type EntityType string

const (
	EntityRide  EntityType = "ride"
	EntityOffer EntityType = "offer"
)

type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// ChangeEvent is one row-level mutation. For updates both Old and New are
// set; inserts carry only New, deletes only Old.
type ChangeEvent struct {
	Entity   EntityType    `json:"entity"`
	Type     EventType     `json:"type"`
	EntityID string        `json:"entity_id"`
	OldRide  *models.Ride  `json:"old_ride,omitempty"`
	NewRide  *models.Ride  `json:"new_ride,omitempty"`
	OldOffer *models.Offer `json:"old_offer,omitempty"`
	NewOffer *models.Offer `json:"new_offer,omitempty"`
}

// Publisher receives one event per committed store write.
type Publisher interface {
	Publish(ev ChangeEvent) error
}

// Subscription is one observer's handle onto the broker. Close it when the
// session ends; the broker drops the channel and stops delivering.
type Subscription struct {
	C      chan ChangeEvent
	id     int
	broker *Broker
	once   sync.Once
}

func (s *Subscription) Close() {
	s.once.Do(func() { s.broker.remove(s.id) })
}

// Broker fans change events out to subscribed observers. Delivery is
// per-observer and buffered; a full buffer drops the oldest event, which
// consumers recover from via the stale flag and a manual refresh. Publish
// order is preserved per entity because Publish runs under one lock.
type Broker struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan ChangeEvent
	buffer int
}

func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broker{subs: make(map[int]chan ChangeEvent), buffer: buffer}
}

func (b *Broker) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan ChangeEvent, b.buffer)
	b.subs[id] = ch
	return &Subscription{C: ch, id: id, broker: b}
}

// Subscribers reports the number of live subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broker) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

func (b *Broker) Publish(ev ChangeEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	observability.FeedEventsTotal.WithLabelValues(string(ev.Entity), string(ev.Type)).Inc()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Slow observer: shed the oldest event to keep publishing
			// non-blocking, then enqueue the new one.
			select {
			case <-ch:
				observability.FeedEventsDropped.Inc()
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
	return nil
}

// Tee publishes to every wrapped publisher, returning the first error but
// still attempting the rest.
type Tee []Publisher

func (t Tee) Publish(ev ChangeEvent) error {
	var first error
	for _, p := range t {
		if err := p.Publish(ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}
