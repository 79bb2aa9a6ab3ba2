package events

import (
	"testing"
	"time"
)

func TestBusDeliversToSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, unsub := bus.Subscribe(EventTradeSettled, 10)
	defer unsub()

	bus.Publish(EventTradeSettled, "payload-1")

	select {
	case msg := <-ch:
		if msg != "payload-1" {
			t.Errorf("expected payload-1, got %v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBusTopicsAreIsolated(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, unsub := bus.Subscribe(EventBalanceChanged, 10)
	defer unsub()

	bus.Publish(EventTradeSettled, "wrong topic")

	select {
	case msg := <-ch:
		t.Errorf("unexpected delivery: %v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusDropsWhenSubscriberIsFull(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, unsub := bus.Subscribe(EventAlert, 1)
	defer unsub()

	// The second publish must not block even though the buffer is full.
	done := make(chan struct{})
	go func() {
		bus.Publish(EventAlert, 1)
		bus.Publish(EventAlert, 2)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	if msg := <-ch; msg != 1 {
		t.Errorf("expected first message kept, got %v", msg)
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, unsub := bus.Subscribe(EventTransferCreated, 1)
	unsub()

	if _, ok := <-ch; ok {
		t.Error("expected channel closed after unsubscribe")
	}

	// Publishing after unsubscribe must not panic.
	bus.Publish(EventTransferCreated, "late")
}

func TestBusCloseIsIdempotent(t *testing.T) {
	bus := NewBus()
	ch, _ := bus.Subscribe(EventTradeSettled, 1)

	bus.Close()
	bus.Close()

	if _, ok := <-ch; ok {
		t.Error("expected channel closed after bus close")
	}

	// Subscribing after close returns a closed channel.
	late, _ := bus.Subscribe(EventTradeSettled, 1)
	if _, ok := <-late; ok {
		t.Error("expected closed channel for late subscriber")
	}
}
