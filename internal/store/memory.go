package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rendis/floe/pkg/schema"
)

// MemoryStore is an in-memory RunStore for tests and ephemeral runs.
// Snapshots are deep-copied through JSON on both write and read so callers
// cannot mutate stored state.
type MemoryStore struct {
	mu      sync.RWMutex
	runs    map[string]*schema.RunSnapshot
	created map[string]time.Time
	events  map[string][]schema.RuntimeEvent
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:    make(map[string]*schema.RunSnapshot),
		created: make(map[string]time.Time),
		events:  make(map[string][]schema.RuntimeEvent),
	}
}

func (s *MemoryStore) SaveSnapshot(ctx context.Context, snap *schema.RunSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	copied, err := copySnapshot(snap)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "encode snapshot").WithCause(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.created[snap.RunID]; !ok {
		s.created[snap.RunID] = time.Now().UTC()
	}
	s.runs[snap.RunID] = copied
	return nil
}

func (s *MemoryStore) LoadSnapshot(ctx context.Context, runID string) (*schema.RunSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	snap, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	copied, err := copySnapshot(snap)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "decode snapshot").WithCause(err)
	}
	return copied, nil
}

func (s *MemoryStore) ListRuns(ctx context.Context) ([]RunSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	summaries := make([]RunSummary, 0, len(s.runs))
	for id, snap := range s.runs {
		summaries = append(summaries, RunSummary{
			RunID:     id,
			FlowName:  snap.FlowName,
			Status:    snap.Status,
			CreatedAt: s.created[id],
			UpdatedAt: snap.UpdatedAt,
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt.Before(summaries[j].CreatedAt)
	})
	return summaries, nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, event *schema.RuntimeEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.Sequence == 0 {
		event.Sequence = int64(len(s.events[event.RunID])) + 1
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	s.events[event.RunID] = append(s.events[event.RunID], *event)
	return nil
}

func (s *MemoryStore) GetEvents(ctx context.Context, runID string, since int64) ([]schema.RuntimeEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []schema.RuntimeEvent
	for _, e := range s.events[runID] {
		if e.Sequence > since {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

// copySnapshot deep-copies a snapshot through JSON.
func copySnapshot(snap *schema.RunSnapshot) (*schema.RunSnapshot, error) {
	b, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	out := &schema.RunSnapshot{}
	if err := json.Unmarshal(b, out); err != nil {
		return nil, err
	}
	return out, nil
}

var _ RunStore = (*MemoryStore)(nil)
