package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/floe/pkg/schema"
)

// LibSQLStore implements RunStore using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path, applies
// connection PRAGMAs, and runs pending migrations. The path should be a
// file URI, e.g. "file:/path/to/floe.db".
func NewLibSQLStore(ctx context.Context, dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	if err := applyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

func (s *LibSQLStore) SaveSnapshot(ctx context.Context, snap *schema.RunSnapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "encode snapshot").WithCause(err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, flow_name, status, snapshot, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET
		   status = excluded.status,
		   snapshot = excluded.snapshot,
		   updated_at = excluded.updated_at`,
		snap.RunID, snap.FlowName, string(snap.Status), string(b),
		timeOrNow(snap.StartedAt), timeOrNow(snap.UpdatedAt),
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "save snapshot").WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) LoadSnapshot(ctx context.Context, runID string) (*schema.RunSnapshot, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM runs WHERE run_id = ?`, runID,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "load snapshot").WithCause(err)
	}

	snap := &schema.RunSnapshot{}
	if err := json.Unmarshal([]byte(raw), snap); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "decode snapshot").WithCause(err)
	}
	return snap, nil
}

func (s *LibSQLStore) ListRuns(ctx context.Context) ([]RunSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, flow_name, status, created_at, updated_at FROM runs ORDER BY created_at`)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "list runs").WithCause(err)
	}
	defer rows.Close()

	var summaries []RunSummary
	for rows.Next() {
		var r RunSummary
		var status string
		if err := rows.Scan(&r.RunID, &r.FlowName, &status, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "scan run row").WithCause(err)
		}
		r.Status = schema.RunStatus(status)
		summaries = append(summaries, r)
	}
	return summaries, rows.Err()
}

// AppendEvent assigns a monotonically increasing per-run sequence inside a
// transaction, then inserts the event. MaxOpenConns(1) serializes writers.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *schema.RuntimeEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "begin event tx").WithCause(err)
	}
	defer tx.Rollback()

	if event.Sequence == 0 {
		err = tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
		).Scan(&event.Sequence)
		if err != nil {
			return schema.NewError(schema.ErrCodeStore, "next event sequence").WithCause(err)
		}
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (run_id, node_id, edge_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.NodeID), nullStr(event.EdgeID), event.Type,
		nullRaw(event.Payload), event.Timestamp, event.Sequence,
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "insert event").WithCause(err)
	}

	if err := tx.Commit(); err != nil {
		return schema.NewError(schema.ErrCodeStore, "commit event").WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]schema.RuntimeEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, node_id, edge_id, event_type, payload, timestamp, sequence
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "query events").WithCause(err)
	}
	defer rows.Close()

	var events []schema.RuntimeEvent
	for rows.Next() {
		var (
			e              schema.RuntimeEvent
			nodeID, edgeID sql.NullString
			payload        sql.NullString
		)
		if err := rows.Scan(&e.RunID, &nodeID, &edgeID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "scan event row").WithCause(err)
		}
		e.NodeID = nodeID.String
		e.EdgeID = edgeID.String
		if payload.Valid {
			e.Payload = json.RawMessage(payload.String)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

var _ RunStore = (*LibSQLStore)(nil)
