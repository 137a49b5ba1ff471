package stream

import (
	"context"
	"testing"
	"time"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishFiltersByIntegration(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	one := s.Subscribe(ctx, "int-1")
	all := s.Subscribe(ctx, "")

	s.Publish(Event{IntegrationID: "int-2", Stage: "STARTED"})
	s.Publish(Event{IntegrationID: "int-1", Stage: "RECONCILING"})

	if evt := receive(t, one); evt.IntegrationID != "int-1" || evt.Stage != "RECONCILING" {
		t.Fatalf("unexpected event for filtered subscriber: %+v", evt)
	}
	if evt := receive(t, all); evt.IntegrationID != "int-2" {
		t.Fatalf("expected first event for wildcard subscriber, got %+v", evt)
	}
	if evt := receive(t, all); evt.IntegrationID != "int-1" || evt.Timestamp.IsZero() {
		t.Fatalf("expected stamped second event, got %+v", evt)
	}
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Subscribe(ctx, "")
	if s.Subscribers() != 1 {
		t.Fatalf("expected one subscriber")
	}
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
	if s.Subscribers() != 0 {
		t.Fatalf("expected subscriber removed")
	}
}

func TestPublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = s.Subscribe(ctx, "")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			s.Publish(Event{IntegrationID: "int-1", Stage: "STARTED"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked")
	}
}
