package broadcast

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type staticSnapshots struct {
	events map[string][]Event
}

func (s *staticSnapshots) Snapshot(sessionID string) []Event {
	if sessionID == "" {
		var all []Event
		for _, evs := range s.events {
			all = append(all, evs...)
		}
		return all
	}
	return s.events[sessionID]
}

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatal("Subscription closed unexpectedly")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for event")
	}
	return Event{}
}

func TestBroadcaster_PublishFiltersBySession(t *testing.T) {
	b := NewBroadcaster(8)
	s1 := b.Subscribe("s1")
	all := b.Subscribe("")

	b.Publish("s1", NewEvent(EventTranscript, "", "one"))
	b.Publish("s2", NewEvent(EventTranscript, "", "two"))

	if ev := receive(t, s1); ev.Payload != "one" || ev.SessionID != "s1" {
		t.Errorf("Expected s1 event, got %+v", ev)
	}
	select {
	case ev := <-s1.Events():
		t.Errorf("Expected no s2 event for s1 subscriber, got %+v", ev)
	default:
	}

	if receive(t, all).Payload != "one" || receive(t, all).Payload != "two" {
		t.Error("Expected the unfiltered subscriber to see both events in order")
	}
}

func TestBroadcaster_SnapshotBeforeEvents(t *testing.T) {
	b := NewBroadcaster(8)
	b.SetSnapshotProvider(&staticSnapshots{events: map[string][]Event{
		"s1": {NewEvent(EventSessionUpdate, "s1", "snapshot")},
	}})

	sub := b.Subscribe("s1")
	b.Publish("s1", NewEvent(EventTranscript, "", "live"))

	if ev := receive(t, sub); ev.Type != EventSessionUpdate || ev.Payload != "snapshot" {
		t.Errorf("Expected snapshot first, got %+v", ev)
	}
	if ev := receive(t, sub); ev.Payload != "live" {
		t.Errorf("Expected live event second, got %+v", ev)
	}
}

func TestBroadcaster_SlowObserverDoesNotBlock(t *testing.T) {
	b := NewBroadcaster(4)
	slow := b.Subscribe("s1")
	healthy := b.Subscribe("s1")

	received := make(chan int, 100)
	go func() {
		for ev := range healthy.Events() {
			received <- ev.Payload.(int)
		}
		close(received)
	}()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish("s1", NewEvent(EventTranscript, "", i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow observer")
	}

	if slow.Dropped() != 96 {
		t.Errorf("Expected 96 drops for the slow observer, got %d", slow.Dropped())
	}
	if len(slow.Events()) != 4 {
		t.Errorf("Expected slow observer buffer to hold 4, got %d", len(slow.Events()))
	}

	b.Unsubscribe(healthy)
	last := -1
	for v := range received {
		if v <= last {
			t.Errorf("Expected increasing payloads, got %d after %d", v, last)
		}
		last = v
	}
}

func TestBroadcaster_UnsubscribeClosesAndStopsDelivery(t *testing.T) {
	b := NewBroadcaster(4)
	sub := b.Subscribe("s1")

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	if _, ok := <-sub.Events(); ok {
		t.Error("Expected channel to be closed")
	}

	b.Publish("s1", NewEvent(EventTranscript, "", "late"))
	if b.SubscriberCount() != 0 {
		t.Errorf("Expected 0 subscribers, got %d", b.SubscriberCount())
	}
}

func TestBroadcaster_ConcurrentPublishAndSubscribe(t *testing.T) {
	b := NewBroadcaster(16)
	var wg sync.WaitGroup

	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				b.Publish(fmt.Sprintf("s%d", p), NewEvent(EventTranscript, "", i))
			}
		}(p)
	}
	for s := 0; s < 4; s++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				sub := b.Subscribe("")
				b.Unsubscribe(sub)
			}
		}()
	}
	wg.Wait()

	if b.SubscriberCount() != 0 {
		t.Errorf("Expected all subscriptions removed, got %d", b.SubscriberCount())
	}
}

func TestBroadcaster_Close(t *testing.T) {
	b := NewBroadcaster(4)
	sub := b.Subscribe("")
	b.Close()

	if _, ok := <-sub.Events(); ok {
		t.Error("Expected Close to close subscriptions")
	}
	late := b.Subscribe("")
	if _, ok := <-late.Events(); ok {
		t.Error("Expected subscriptions after Close to be closed")
	}
}
