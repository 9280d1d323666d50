package events

import (
	"log/slog"
	"os"
	"testing"
	"time"
)

// testLogger returns a logger for tests that discards output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestBrokerFanOut(t *testing.T) {
	broker := NewBroker(testLogger())

	// Subscribe two clients.
	ch1 := broker.Subscribe()
	ch2 := broker.Subscribe()

	broker.Publish(EventRowInserted, map[string]any{"table": "memory_documents"})
	want := "event: row_inserted\ndata: {\"table\":\"memory_documents\"}\n\n"

	// Both should receive it.
	select {
	case got := <-ch1:
		if string(got) != want {
			t.Errorf("ch1: got %q, want %q", got, want)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("ch1: timed out waiting for event")
	}

	select {
	case got := <-ch2:
		if string(got) != want {
			t.Errorf("ch2: got %q, want %q", got, want)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("ch2: timed out waiting for event")
	}

	// Unsubscribe ch1, publish again — only ch2 should receive.
	broker.Unsubscribe(ch1)
	broker.Publish(EventAgentRevoked, map[string]any{"agent_id": "a1"})

	select {
	case got := <-ch2:
		want2 := "event: agent_revoked\ndata: {\"agent_id\":\"a1\"}\n\n"
		if string(got) != want2 {
			t.Errorf("ch2: got %q, want %q", got, want2)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("ch2: timed out waiting for event after ch1 unsubscribed")
	}

	broker.Unsubscribe(ch2)
	if n := broker.SubscriberCount(); n != 0 {
		t.Errorf("SubscriberCount: got %d, want 0", n)
	}
}

func TestFormatSSE(t *testing.T) {
	got := string(formatSSE(EventAlertRaised, `{"id":"123"}`))
	want := "event: alert_raised\ndata: {\"id\":\"123\"}\n\n"
	if got != want {
		t.Errorf("formatSSE: got %q, want %q", got, want)
	}
}

func TestBrokerSlowSubscriber(t *testing.T) {
	broker := NewBroker(testLogger())

	// Create a slow subscriber (small buffer that we won't read from).
	slow := broker.Subscribe()
	fast := broker.Subscribe()

	// Fill the slow subscriber's buffer.
	for range 65 {
		broker.Publish(EventTrainingRequired, "fill")
	}

	// Fast subscriber should still get events.
	broker.Publish(EventTrainingRequired, "after-fill")

	select {
	case <-fast:
		// Got a buffered event — fast subscriber is not blocked.
	case <-time.After(100 * time.Millisecond):
		t.Fatal("fast subscriber should receive events even when slow subscriber is blocked")
	}

	broker.Unsubscribe(slow)
	broker.Unsubscribe(fast)
}

func TestPublishUnserializablePayloadDropped(t *testing.T) {
	broker := NewBroker(testLogger())
	ch := broker.Subscribe()
	defer broker.Unsubscribe(ch)

	broker.Publish(EventRowInserted, func() {}) // not JSON-serializable

	select {
	case got := <-ch:
		t.Errorf("expected no event, got %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}
