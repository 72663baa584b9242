package eventbus

import (
	"testing"

	"hightide/pkg/liveevent"
)

func TestSubscribeAndEmit(t *testing.T) {
	bus := New(nil)

	var got []liveevent.Event
	unsubscribe := bus.Subscribe(func(ev liveevent.Event) {
		got = append(got, ev)
	})
	defer unsubscribe()

	bus.Emit(liveevent.Event{Category: liveevent.CategoryStatus, Message: "hello"})

	if len(got) != 1 || got[0].Message != "hello" {
		t.Fatalf("got %+v, want one event with message %q", got, "hello")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New(nil)

	count := 0
	unsubscribe := bus.Subscribe(func(liveevent.Event) { count++ })
	unsubscribe()
	unsubscribe() // idempotent

	bus.Emit(liveevent.Event{Category: liveevent.CategoryStatus, Message: "ignored"})

	if count != 0 {
		t.Errorf("count = %d, want 0 after unsubscribe", count)
	}
	if bus.Len() != 0 {
		t.Errorf("Len() = %d, want 0", bus.Len())
	}
}

func TestEmitSurvivesPanickingSubscriber(t *testing.T) {
	bus := New(nil)

	delivered := false
	bus.Subscribe(func(liveevent.Event) { panic("boom") })
	bus.Subscribe(func(liveevent.Event) { delivered = true })

	bus.Emit(liveevent.Event{Category: liveevent.CategoryStatus, Message: "x"})

	if !delivered {
		t.Error("second subscriber did not receive event after first panicked")
	}
}

func TestNoReplayToLateSubscriber(t *testing.T) {
	bus := New(nil)

	bus.Emit(liveevent.Event{Category: liveevent.CategoryStatus, Message: "before subscribe"})

	received := false
	bus.Subscribe(func(liveevent.Event) { received = true })

	if received {
		t.Error("late subscriber received a pre-subscription event, want no replay")
	}
}
