package inproc

import (
	"errors"
	"testing"

	"taskdelegate/internal/domain"
)

func TestPublishFansOutToEverySubscriber(t *testing.T) {
	bus := New(4)
	journal := bus.Subscribe("journal", 0)
	monitor := bus.Subscribe("monitor", 0)

	if err := bus.Publish(domain.Event{Type: domain.EventTaskScheduled, TaskID: "t1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for name, ch := range map[string]<-chan domain.Event{"journal": journal, "monitor": monitor} {
		select {
		case evt := <-ch:
			if evt.TaskID != "t1" {
				t.Fatalf("%s got %+v", name, evt)
			}
		default:
			t.Fatalf("%s did not receive the event", name)
		}
	}
}

func TestPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	bus := New(4)
	slow := bus.Subscribe("slow", 1)
	fast := bus.Subscribe("fast", 8)

	if err := bus.Publish(domain.Event{Type: domain.EventTaskStarted}); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	err := bus.Publish(domain.Event{Type: domain.EventTaskCompleted})
	if !errors.Is(err, ErrSubscriberQueueFull) {
		t.Fatalf("expected ErrSubscriberQueueFull, got %v", err)
	}
	if bus.Dropped("slow") != 1 || bus.Dropped("fast") != 0 {
		t.Fatalf("dropped slow=%d fast=%d", bus.Dropped("slow"), bus.Dropped("fast"))
	}
	if len(fast) != 2 || len(slow) != 1 {
		t.Fatalf("buffered fast=%d slow=%d", len(fast), len(slow))
	}
}

func TestSubscribeIsIdempotentAndUnsubscribeCloses(t *testing.T) {
	bus := New(0)
	first := bus.Subscribe("a", 0)
	if second := bus.Subscribe("a", 0); second != first {
		t.Fatalf("expected the same channel for a repeated subscribe")
	}
	if err := bus.Unsubscribe("a"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if _, ok := <-first; ok {
		t.Fatalf("channel should be closed")
	}
	if err := bus.Unsubscribe("a"); !errors.Is(err, ErrSubscriberNotRegistered) {
		t.Fatalf("expected ErrSubscriberNotRegistered, got %v", err)
	}
	if err := bus.Publish(domain.Event{Type: domain.EventTaskFailed}); err != nil {
		t.Fatalf("publish with no subscribers: %v", err)
	}
}
