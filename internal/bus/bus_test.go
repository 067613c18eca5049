package bus

import (
	"sync"
	"testing"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b := New(nil)
	var mu sync.Mutex
	var got []string

	b.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, "a:"+e.Type)
	})
	b.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, "b:"+e.Type)
	})

	b.Publish("team:t1", "task:claimed", map[string]string{"task_uuid": "x"})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != "a:task:claimed" || got[1] != "b:task:claimed" {
		t.Fatalf("unexpected delivery order: %v", got)
	}
}

func TestHandlerPanicDoesNotStopOtherHandlers(t *testing.T) {
	b := New(nil)
	reached := false

	b.Subscribe(func(Event) { panic("boom") })
	b.Subscribe(func(Event) { reached = true })

	b.Publish("agent:a1", "agent:online", nil)

	if !reached {
		t.Fatal("second handler was not reached after first panicked")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(nil)
	count := 0
	id := b.Subscribe(func(Event) { count++ })

	b.Publish("user:u1", "x", nil)
	b.Unsubscribe(id)
	b.Publish("user:u1", "x", nil)

	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}
