package store

import (
	"context"
	"time"

	"github.com/rendis/floe/pkg/schema"
)

// RunSummary is a lightweight listing entry for a persisted run.
type RunSummary struct {
	RunID     string           `json:"run_id"`
	FlowName  string           `json:"flow_name"`
	Status    schema.RunStatus `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// RunStore persists run snapshots and the append-only event log.
//
// LoadSnapshot returns (nil, nil) when no snapshot exists for the run ID;
// callers distinguish absence from storage failure.
type RunStore interface {
	SaveSnapshot(ctx context.Context, snap *schema.RunSnapshot) error
	LoadSnapshot(ctx context.Context, runID string) (*schema.RunSnapshot, error)
	ListRuns(ctx context.Context) ([]RunSummary, error)

	// AppendEvent assigns the event a monotonically increasing per-run
	// sequence if it does not carry one, then persists it.
	AppendEvent(ctx context.Context, event *schema.RuntimeEvent) error
	// GetEvents returns events for a run with sequence > since, ordered by
	// sequence ascending.
	GetEvents(ctx context.Context, runID string, since int64) ([]schema.RuntimeEvent, error)

	Close() error
}
