package events

import (
	"testing"
	"time"
)

func TestPublishReachesEverySubscriber(t *testing.T) {
	bus := NewBus()
	a, unsubA := bus.Subscribe(EventOrderFilled, 1)
	defer unsubA()
	b, unsubB := bus.Subscribe(EventOrderFilled, 1)
	defer unsubB()

	bus.Publish(EventOrderFilled, "O-1")

	for _, ch := range []<-chan any{a, b} {
		select {
		case got := <-ch:
			if got != "O-1" {
				t.Fatalf("payload = %v, want O-1", got)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber never received the payload")
		}
	}
	if bus.Dropped() != 0 {
		t.Fatalf("dropped = %d, want 0", bus.Dropped())
	}
}

func TestPublishNeverBlocksOnFullBuffer(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(EventPositionChange, 1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		bus.Publish(EventPositionChange, 1)
		bus.Publish(EventPositionChange, 2) // buffer full, must not block
		bus.Publish(EventPositionChange, 3)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked on a slow subscriber")
	}

	if got := <-ch; got != 1 {
		t.Fatalf("delivered payload = %v, want 1", got)
	}
	if bus.Dropped() != 2 {
		t.Fatalf("dropped = %d, want 2", bus.Dropped())
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(EventModeChange, 1)
	unsub()

	if _, open := <-ch; open {
		t.Fatalf("channel must be closed after unsubscribe")
	}
	bus.Publish(EventModeChange, "live")
	if bus.Dropped() != 0 {
		t.Fatalf("publish after unsubscribe counted a drop: %d", bus.Dropped())
	}
}
