package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/floe/pkg/schema"
)

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	event := schema.RuntimeEvent{
		Type:   schema.EventNodeComplete,
		RunID:  "run-1",
		NodeID: "greet",
	}

	err = hub.Publish(ctx, event)
	require.NoError(t, err)

	select {
	case got := <-ch:
		assert.Equal(t, event.RunID, got.RunID)
		assert.Equal(t, event.NodeID, got.NodeID)
		assert.Equal(t, event.Type, got.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestFilterByRunID(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{RunID: "run-1"})
	require.NoError(t, err)
	defer cancel()

	// Should be received (matching run)
	err = hub.Publish(ctx, schema.RuntimeEvent{RunID: "run-1", Type: schema.EventNodeStart})
	require.NoError(t, err)

	// Should be dropped (different run)
	err = hub.Publish(ctx, schema.RuntimeEvent{RunID: "run-2", Type: schema.EventNodeStart})
	require.NoError(t, err)

	select {
	case got := <-ch:
		assert.Equal(t, "run-1", got.RunID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	// Channel should be empty -- the run-2 event was filtered out.
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
		// expected
	}
}

func TestFilterByEventType(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{
		EventTypes: []string{schema.EventNodeComplete, schema.EventFlowComplete},
	})
	require.NoError(t, err)
	defer cancel()

	// Should be received
	err = hub.Publish(ctx, schema.RuntimeEvent{RunID: "run-1", Type: schema.EventNodeComplete})
	require.NoError(t, err)

	// Should be dropped
	err = hub.Publish(ctx, schema.RuntimeEvent{RunID: "run-1", Type: schema.EventNodeStart})
	require.NoError(t, err)

	// Should be received
	err = hub.Publish(ctx, schema.RuntimeEvent{RunID: "run-1", Type: schema.EventFlowComplete})
	require.NoError(t, err)

	var received []string
	for i := 0; i < 2; i++ {
		select {
		case got := <-ch:
			received = append(received, got.Type)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
	assert.Equal(t, []string{schema.EventNodeComplete, schema.EventFlowComplete}, received)

	// No more events
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
		// expected
	}
}

func TestMultipleSubscribers(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch1, cancel1, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel1()

	ch2, cancel2, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel2()

	err = hub.Publish(ctx, schema.RuntimeEvent{RunID: "run-1", Type: schema.EventFlowStart})
	require.NoError(t, err)

	for _, ch := range []<-chan schema.RuntimeEvent{ch1, ch2} {
		select {
		case got := <-ch:
			assert.Equal(t, "run-1", got.RunID)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestCancelRemovesSubscriber(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	cancel()

	err = hub.Publish(ctx, schema.RuntimeEvent{RunID: "run-1", Type: schema.EventFlowStart})
	require.NoError(t, err)

	select {
	case evt := <-ch:
		t.Fatalf("unexpected event after cancel: %+v", evt)
	case <-time.After(50 * time.Millisecond):
		// expected
	}
}

func TestListenerReceivesInOrder(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	var seen []string
	hub.Listen(func(e schema.RuntimeEvent) {
		seen = append(seen, e.Type)
	})

	events := []string{
		schema.EventFlowStart,
		schema.EventNodeStart,
		schema.EventNodeComplete,
		schema.EventFlowComplete,
	}
	for _, typ := range events {
		require.NoError(t, hub.Publish(ctx, schema.RuntimeEvent{RunID: "run-1", Type: typ}))
	}

	assert.Equal(t, events, seen)
}

func TestPublishCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := hub.Publish(ctx, schema.RuntimeEvent{RunID: "run-1", Type: schema.EventFlowStart})
	assert.Error(t, err)
}
