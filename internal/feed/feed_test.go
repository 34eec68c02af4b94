package feed

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

func rideEvent(id string, seq int) ChangeEvent {
	return ChangeEvent{
		Entity:   EntityRide,
		Type:     EventUpdate,
		EntityID: id,
		NewRide:  &models.Ride{ID: id, Status: models.StatusPending, UpdatedAt: time.Unix(int64(seq), 0)},
	}
}

func TestBrokerDeliversInPublishOrder(t *testing.T) {
	b := NewBroker(16)
	sub := b.Subscribe()
	defer sub.Close()

	for i := 0; i < 5; i++ {
		if err := b.Publish(rideEvent("r1", i)); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 5; i++ {
		select {
		case ev := <-sub.C:
			if got := ev.NewRide.UpdatedAt.Unix(); got != int64(i) {
				t.Fatalf("event %d delivered out of order: seq=%d", i, got)
			}
		case <-time.After(time.Second):
			t.Fatal("missing event")
		}
	}
}

func TestBrokerFansOutToAllSubscribers(t *testing.T) {
	b := NewBroker(4)
	s1 := b.Subscribe()
	s2 := b.Subscribe()
	defer s1.Close()
	defer s2.Close()

	_ = b.Publish(rideEvent("r1", 1))

	for _, s := range []*Subscription{s1, s2} {
		select {
		case ev := <-s.C:
			if ev.EntityID != "r1" {
				t.Fatalf("got event for %s", ev.EntityID)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber missed the event")
		}
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	b := NewBroker(4)
	sub := b.Subscribe()
	sub.Close()
	sub.Close() // idempotent

	if _, ok := <-sub.C; ok {
		t.Fatal("channel should be closed")
	}
	// Publishing after close must not panic.
	if err := b.Publish(rideEvent("r1", 1)); err != nil {
		t.Fatal(err)
	}
}

func TestSlowSubscriberNeverBlocksPublish(t *testing.T) {
	b := NewBroker(2)
	sub := b.Subscribe()
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			_ = b.Publish(rideEvent("r1", i))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	// Oldest events were shed; whatever remains is still in order.
	prev := int64(-1)
	for {
		select {
		case ev := <-sub.C:
			seq := ev.NewRide.UpdatedAt.Unix()
			if seq <= prev {
				t.Fatalf("out of order after shedding: %d after %d", seq, prev)
			}
			prev = seq
		default:
			if prev < 0 {
				t.Fatal("buffer ended up empty")
			}
			return
		}
	}
}

type errPublisher struct{ err error }

func (p errPublisher) Publish(ChangeEvent) error { return p.err }

type countPublisher struct{ n int }

func (p *countPublisher) Publish(ChangeEvent) error {
	p.n++
	return nil
}

func TestTeePublishesToAllAndReturnsFirstError(t *testing.T) {
	boom := errors.New("kafka down")
	c1 := &countPublisher{}
	c2 := &countPublisher{}
	tee := Tee{c1, errPublisher{boom}, c2}

	err := tee.Publish(rideEvent("r1", 1))
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if c1.n != 1 || c2.n != 1 {
		t.Fatalf("fan-out counts: %d, %d", c1.n, c2.n)
	}
}

func TestBrokerManySubscribersIndependentBuffers(t *testing.T) {
	b := NewBroker(8)
	var subs []*Subscription
	for i := 0; i < 3; i++ {
		subs = append(subs, b.Subscribe())
	}
	// Middle subscriber leaves early.
	subs[1].Close()

	for i := 0; i < 3; i++ {
		_ = b.Publish(rideEvent(fmt.Sprintf("r%d", i), i))
	}
	for _, idx := range []int{0, 2} {
		for i := 0; i < 3; i++ {
			select {
			case <-subs[idx].C:
			case <-time.After(time.Second):
				t.Fatalf("subscriber %d missed event %d", idx, i)
			}
		}
	}
	subs[0].Close()
	subs[2].Close()
}
