package realtime

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/apiforge/apiforge-backend/internal/platform/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	t.Cleanup(log.Sync)
	return log
}

func recvMessage(t *testing.T, ch <-chan SSEMessage, timeout time.Duration) SSEMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for sse message")
	}
	return SSEMessage{}
}

func TestHubBroadcastOrdering(t *testing.T) {
	hub := NewSSEHub(testLogger(t))
	channel := uuid.New().String()

	client := hub.NewSSEClient(uuid.New())
	hub.AddChannel(client, channel)

	first := SSEMessage{Channel: channel, Event: SSEEventJobCreated, Data: map[string]any{"seq": 1}}
	second := SSEMessage{Channel: channel, Event: SSEEventJobProgress, Data: map[string]any{"seq": 2}}
	hub.Broadcast(first)
	hub.Broadcast(second)

	got1 := recvMessage(t, client.Outbound, time.Second)
	got2 := recvMessage(t, client.Outbound, time.Second)
	if got1.Event != SSEEventJobCreated || got2.Event != SSEEventJobProgress {
		t.Fatalf("messages out of order: %s then %s", got1.Event, got2.Event)
	}
}

func TestHubDropsWhenBufferFull(t *testing.T) {
	hub := NewSSEHub(testLogger(t))
	channel := uuid.New().String()

	client := hub.NewSSEClient(uuid.New())
	hub.AddChannel(client, channel)

	// Nobody drains Outbound, so everything past the buffer must drop
	// without blocking Broadcast.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < cap(client.Outbound)+5; i++ {
			hub.Broadcast(SSEMessage{Channel: channel, Event: SSEEventFileProgress, Data: map[string]any{"i": i}})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Broadcast blocked on a full client buffer")
	}
}

func TestHubRemoveClientStopsDelivery(t *testing.T) {
	hub := NewSSEHub(testLogger(t))
	channel := uuid.New().String()

	client := hub.NewSSEClient(uuid.New())
	hub.AddChannel(client, channel)
	hub.RemoveClient(client)

	hub.Broadcast(SSEMessage{Channel: channel, Event: SSEEventJobDone})
	select {
	case msg := <-client.Outbound:
		t.Fatalf("expected no delivery after removal, got %s", msg.Event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubChannelIsolation(t *testing.T) {
	hub := NewSSEHub(testLogger(t))

	a := hub.NewSSEClient(uuid.New())
	b := hub.NewSSEClient(uuid.New())
	hub.AddChannel(a, "chan-a")
	hub.AddChannel(b, "chan-b")

	hub.Broadcast(SSEMessage{Channel: "chan-a", Event: SSEEventSandboxRestored})

	got := recvMessage(t, a.Outbound, time.Second)
	if got.Event != SSEEventSandboxRestored {
		t.Fatalf("unexpected event %s", got.Event)
	}
	select {
	case msg := <-b.Outbound:
		t.Fatalf("cross-channel leak: %s", msg.Event)
	case <-time.After(50 * time.Millisecond):
	}
}
