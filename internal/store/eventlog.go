package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/AskTinNguyen/ralph-cli-sub017/pkg/schema"
)

// EventLog is the append-only audit log for run lifecycle events, backed by
// libSQL. It supplements the file-based run state: nothing in execution
// depends on it, but it gives `status` and external tooling a queryable
// timeline.
type EventLog struct {
	db *sql.DB
}

// NewEventLog wraps an audit database opened via OpenAuditDB.
func NewEventLog(db *sql.DB) *EventLog {
	return &EventLog{db: db}
}

// Close closes the underlying database.
func (el *EventLog) Close() error { return el.db.Close() }

// Append appends an event with a monotonically increasing per-run sequence.
func (el *EventLog) Append(ctx context.Context, event *Event) error {
	tx, err := el.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Force write-lock acquisition up front so concurrent appenders cannot
	// interleave sequence reads and inserts in WAL mode. The DELETE matches
	// nothing but still upgrades the transaction to a write transaction.
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE id = -1`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	var payload sql.NullString
	if len(event.Payload) > 0 {
		payload = sql.NullString{String: string(event.Payload), Valid: true}
	}
	var stageID sql.NullString
	if event.StageID != "" {
		stageID = sql.NullString{String: event.StageID, Valid: true}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (run_id, stage_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, stageID, event.Type, payload, event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// Events returns events for a run with sequence > since, ordered by sequence.
func (el *EventLog) Events(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := el.db.QueryContext(ctx,
		`SELECT id, run_id, stage_id, event_type, payload, timestamp, sequence
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stageID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &stageID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.StageID = stageID.String
		if payload.Valid {
			e.Payload = []byte(payload.String)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ReplayStageStatuses rebuilds the final per-stage statuses from the event
// timeline. Returns an error when sequence gaps are detected, which would
// indicate a corrupted log.
func (el *EventLog) ReplayStageStatuses(ctx context.Context, runID string) (map[string]schema.StageStatus, error) {
	events, err := el.Events(ctx, runID, 0)
	if err != nil {
		return nil, err
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
	}

	statuses := make(map[string]schema.StageStatus)
	for _, e := range events {
		if e.StageID == "" {
			continue
		}
		switch e.Type {
		case schema.EventStageStarted:
			statuses[e.StageID] = schema.StageStatusRunning
		case schema.EventStagePassed:
			statuses[e.StageID] = schema.StageStatusPassed
		case schema.EventStageFailed:
			statuses[e.StageID] = schema.StageStatusFailed
		case schema.EventStageSkipped:
			statuses[e.StageID] = schema.StageStatusSkipped
		case schema.EventLoopRestart:
			statuses[e.StageID] = schema.StageStatusPending
		}
	}
	return statuses, nil
}
