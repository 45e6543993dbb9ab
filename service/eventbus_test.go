package service

import (
	"testing"
)

func TestPublishPreservesOrder(t *testing.T) {
	bus := NewEventBus(16)
	a := bus.Subscribe()
	b := bus.Subscribe()
	defer a.Close()
	defer b.Close()

	for i := 0; i < 10; i++ {
		bus.Publish(Event{Type: EventStepProgress, Progress: i})
	}
	for _, sub := range []Subscription{a, b} {
		got := drain(sub)
		if len(got) != 10 {
			t.Fatalf("received %d events", len(got))
		}
		for i, ev := range got {
			if ev.Progress != i || ev.At.IsZero() {
				t.Fatalf("event %d = %+v", i, ev)
			}
		}
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	bus := NewEventBus(3)
	sub := bus.Subscribe()
	defer sub.Close()

	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: EventStepProgress, Progress: i})
	}
	got := drain(sub)
	if len(got) != 3 {
		t.Fatalf("received %d events", len(got))
	}
	for i, ev := range got {
		if ev.Progress != i+2 {
			t.Fatalf("event %d progress = %d, want %d", i, ev.Progress, i+2)
		}
	}
}

func TestCloseUnsubscribes(t *testing.T) {
	bus := NewEventBus(4)
	sub := bus.Subscribe()
	if bus.SubscriberCount() != 1 {
		t.Fatalf("count = %d", bus.SubscriberCount())
	}
	sub.Close()
	sub.Close()
	if bus.SubscriberCount() != 0 {
		t.Fatalf("count after close = %d", bus.SubscriberCount())
	}
	bus.Publish(Event{Type: EventWorkflowComplete})
	if _, ok := <-sub.Events; ok {
		t.Fatal("closed subscription delivered an event")
	}
}

func TestLateSubscriberSeesNoHistory(t *testing.T) {
	bus := NewEventBus(4)
	bus.Publish(Event{Type: EventWorkflowComplete})
	sub := bus.Subscribe()
	defer sub.Close()
	if got := drain(sub); len(got) != 0 {
		t.Fatalf("replayed %d events", len(got))
	}
}
