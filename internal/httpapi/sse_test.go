package httpapi

import (
	"encoding/json"
	"testing"
	"time"
)

func TestSSEHub_publishAndUnsubscribe(t *testing.T) {
	t.Parallel()
	hub := NewSSEHub()
	ch := hub.Subscribe()

	hub.PublishJSON(map[string]any{"type": "task_update", "task_id": "abc"})
	select {
	case msg := <-ch:
		var payload map[string]any
		if err := json.Unmarshal(msg, &payload); err != nil {
			t.Fatalf("bad payload: %v", err)
		}
		if payload["task_id"] != "abc" {
			t.Fatalf("payload: %v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	hub.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	// Double unsubscribe is a no-op.
	hub.Unsubscribe(ch)
}

func TestSSEHub_slowSubscriberDoesNotBlock(t *testing.T) {
	t.Parallel()
	hub := NewSSEHub()
	ch := hub.Subscribe()
	defer hub.Unsubscribe(ch)

	// Overflow the buffer; publishing must never block the producer.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 2000; i++ {
			hub.PublishJSON(map[string]any{"i": i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
}
