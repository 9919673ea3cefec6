package events

import (
	"testing"
	"time"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("channel closed while waiting for event")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestPublishRoutesByTopic(t *testing.T) {
	b := NewBus()
	t.Cleanup(b.Close)

	taskSub := b.Subscribe(TopicTask, 4)
	resSub := b.Subscribe(TopicResource, 4)

	b.Publish(TopicTask, TaskAssignedEvent{TaskID: "t1"})

	ev := recv(t, taskSub)
	if ev.EventType() != EventTypeTaskAssigned || ev.Subject() != "t1" {
		t.Fatalf("event = %#v, want task:assigned for t1", ev)
	}
	select {
	case ev := <-resSub:
		t.Fatalf("resource subscriber got %#v, want nothing", ev)
	default:
	}
}

func TestSubscribeAllSeesEveryTopic(t *testing.T) {
	b := NewBus()
	t.Cleanup(b.Close)

	all := b.SubscribeAll(4)
	b.Publish(TopicTask, TaskCompletedEvent{TaskID: "t1"})
	b.Publish(TopicCircuit, CircuitOpenedEvent{Name: "db"})

	if ev := recv(t, all); ev.EventType() != EventTypeTaskCompleted {
		t.Fatalf("first event = %s, want task:completed", ev.EventType())
	}
	if ev := recv(t, all); ev.EventType() != EventTypeCircuitOpened {
		t.Fatalf("second event = %s, want circuit:opened", ev.EventType())
	}
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	b := NewBus()
	t.Cleanup(b.Close)

	slow := b.Subscribe(TopicTask, 1)
	b.Publish(TopicTask, TaskAssignedEvent{TaskID: "t1"})
	// Buffer is full; this publish must not block and the event is dropped.
	b.Publish(TopicTask, TaskAssignedEvent{TaskID: "t2"})

	if ev := recv(t, slow); ev.Subject() != "t1" {
		t.Fatalf("subject = %s, want t1", ev.Subject())
	}
	select {
	case ev := <-slow:
		t.Fatalf("got %#v, want t2 dropped", ev)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus()
	t.Cleanup(b.Close)

	sub := b.Subscribe(TopicTask, 1)
	b.Unsubscribe(TopicTask, sub)

	if _, ok := <-sub; ok {
		t.Fatal("unsubscribed channel must be closed")
	}
	// Publishing after unsubscribe must not panic.
	b.Publish(TopicTask, TaskAssignedEvent{TaskID: "t1"})
}

func TestCloseIsIdempotent(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe(TopicTask, 1)
	all := b.SubscribeAll(1)

	b.Close()
	b.Close()

	if _, ok := <-sub; ok {
		t.Fatal("topic channel must be closed")
	}
	if _, ok := <-all; ok {
		t.Fatal("all-topics channel must be closed")
	}

	// A closed bus hands out already-closed channels and swallows publishes.
	late := b.Subscribe(TopicTask, 1)
	if _, ok := <-late; ok {
		t.Fatal("subscription on a closed bus must be closed")
	}
	b.Publish(TopicTask, TaskAssignedEvent{TaskID: "t1"})
}
