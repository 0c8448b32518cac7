package framebus

import (
	"testing"
	"time"

	"github.com/gary-y/safestream/internal/types"
)

// TestBasicPublishSubscribe verifies basic functionality.
func TestBasicPublishSubscribe(t *testing.T) {
	bus := New()
	defer bus.Close()

	ch, err := bus.Subscribe("test", 10)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	bus.Publish(types.Frame{Seq: 1})

	select {
	case received := <-ch:
		if received.Seq != 1 {
			t.Errorf("Expected seq 1, got %d", received.Seq)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Timeout waiting for frame")
	}
}

// TestNonBlockingPublish verifies Publish never blocks: a full subscriber
// buffer drops the new frame for that subscriber only.
func TestNonBlockingPublish(t *testing.T) {
	bus := New()
	defer bus.Close()

	if _, err := bus.Subscribe("slow", 1); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	done := make(chan bool)
	go func() {
		bus.Publish(types.Frame{Seq: 1}) // Fills the buffer
		bus.Publish(types.Frame{Seq: 2}) // Must drop, not block
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Publish blocked (should be non-blocking)")
	}

	stats := bus.Stats()["slow"]
	if stats.Delivered != 1 {
		t.Errorf("Expected 1 delivered, got %d", stats.Delivered)
	}
	if stats.Dropped != 1 {
		t.Errorf("Expected 1 dropped, got %d", stats.Dropped)
	}
}

// TestDuplicateSubscriber verifies duplicate IDs are rejected.
func TestDuplicateSubscriber(t *testing.T) {
	bus := New()
	defer bus.Close()

	if _, err := bus.Subscribe("worker", 4); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if _, err := bus.Subscribe("worker", 4); err != ErrSubscriberExists {
		t.Errorf("Expected ErrSubscriberExists, got %v", err)
	}
}

// TestCloseIdempotent verifies Close closes every subscriber channel and
// later operations fail cleanly.
func TestCloseIdempotent(t *testing.T) {
	bus := New()

	ch, _ := bus.Subscribe("a", 4)

	bus.Close()
	bus.Close()

	if _, ok := <-ch; ok {
		t.Error("Subscriber channel not closed by Close")
	}
	if _, err := bus.Subscribe("b", 4); err != ErrBusClosed {
		t.Errorf("Expected ErrBusClosed after close, got %v", err)
	}

	// Publish on a closed bus is a silent no-op
	bus.Publish(types.Frame{Seq: 9})
	if bus.Published() != 0 {
		t.Error("Closed bus must not count publishes")
	}
}

// TestUnsubscribe verifies removal closes the channel and stops delivery.
func TestUnsubscribe(t *testing.T) {
	bus := New()
	defer bus.Close()

	ch, _ := bus.Subscribe("a", 4)
	bus.Unsubscribe("a")

	if _, ok := <-ch; ok {
		t.Error("Channel not closed on unsubscribe")
	}

	bus.Publish(types.Frame{Seq: 1})
	if _, ok := bus.Stats()["a"]; ok {
		t.Error("Unsubscribed consumer still tracked")
	}
}
