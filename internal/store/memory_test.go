package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/floe/pkg/schema"
)

func sampleSnapshot(runID string) *schema.RunSnapshot {
	return &schema.RunSnapshot{
		RunID:    runID,
		FlowName: "greeting",
		Status:   schema.RunStatusRunning,
		Outputs: map[string]any{
			"fetch": map[string]any{"count": float64(2)},
		},
		State:      map[string]any{"visits": float64(1)},
		NodeStatus: map[string]schema.NodeStatus{"fetch": schema.NodeStatusDone},
		EdgeStatus: map[string]schema.EdgeStatus{"e1": schema.EdgeStatusFired},
		StartedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
}

func TestMemorySaveLoadSnapshot(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	snap := sampleSnapshot("run-1")
	require.NoError(t, s.SaveSnapshot(ctx, snap))

	got, err := s.LoadSnapshot(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "greeting", got.FlowName)
	assert.Equal(t, schema.RunStatusRunning, got.Status)
	assert.Equal(t, schema.NodeStatusDone, got.NodeStatus["fetch"])
}

func TestMemoryLoadMissingSnapshot(t *testing.T) {
	s := NewMemoryStore()

	got, err := s.LoadSnapshot(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemorySnapshotIsolation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	snap := sampleSnapshot("run-1")
	require.NoError(t, s.SaveSnapshot(ctx, snap))

	// Mutating the original must not affect the stored copy.
	snap.Outputs["fetch"] = "mutated"

	got, err := s.LoadSnapshot(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"count": float64(2)}, got.Outputs["fetch"])

	// Mutating the loaded copy must not affect a later load.
	got.State["visits"] = float64(99)
	again, err := s.LoadSnapshot(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, float64(1), again.State["visits"])
}

func TestMemorySaveOverwrites(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.SaveSnapshot(ctx, sampleSnapshot("run-1")))

	updated := sampleSnapshot("run-1")
	updated.Status = schema.RunStatusComplete
	require.NoError(t, s.SaveSnapshot(ctx, updated))

	got, err := s.LoadSnapshot(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusComplete, got.Status)
}

func TestMemoryListRuns(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.SaveSnapshot(ctx, sampleSnapshot("run-a")))
	require.NoError(t, s.SaveSnapshot(ctx, sampleSnapshot("run-b")))

	runs, err := s.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-a", runs[0].RunID)
	assert.Equal(t, "run-b", runs[1].RunID)
}

func TestMemoryAppendAndGetEvents(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, typ := range []string{schema.EventFlowStart, schema.EventNodeStart, schema.EventNodeComplete} {
		require.NoError(t, s.AppendEvent(ctx, &schema.RuntimeEvent{RunID: "run-1", Type: typ}))
	}
	// Events of another run stay separate.
	require.NoError(t, s.AppendEvent(ctx, &schema.RuntimeEvent{RunID: "run-2", Type: schema.EventFlowStart}))

	events, err := s.GetEvents(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
		assert.False(t, e.Timestamp.IsZero())
	}

	tail, err := s.GetEvents(ctx, "run-1", 2)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, schema.EventNodeComplete, tail[0].Type)
}
