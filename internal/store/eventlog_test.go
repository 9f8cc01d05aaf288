package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/AskTinNguyen/ralph-cli-sub017/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEventLog(t *testing.T) *EventLog {
	t.Helper()
	dbPath := "file:" + filepath.Join(t.TempDir(), "events.db")
	db, err := OpenAuditDB(context.Background(), dbPath)
	require.NoError(t, err)
	el := NewEventLog(db)
	t.Cleanup(func() { el.Close() })
	return el
}

func TestEventLog_SequencesPerRun(t *testing.T) {
	el := newTestEventLog(t)
	ctx := context.Background()

	require.NoError(t, el.Append(ctx, &Event{RunID: "run-1", Type: schema.EventRunStarted}))
	require.NoError(t, el.Append(ctx, &Event{RunID: "run-1", StageID: "a", Type: schema.EventStageStarted}))
	require.NoError(t, el.Append(ctx, &Event{RunID: "run-2", Type: schema.EventRunStarted}))

	events, err := el.Events(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].Sequence)
	assert.Equal(t, int64(2), events[1].Sequence)

	events, err = el.Events(ctx, "run-2", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(1), events[0].Sequence)
}

func TestEventLog_ReplayStageStatuses(t *testing.T) {
	el := newTestEventLog(t)
	ctx := context.Background()

	for _, e := range []*Event{
		{RunID: "run-1", Type: schema.EventRunStarted},
		{RunID: "run-1", StageID: "a", Type: schema.EventStageStarted},
		{RunID: "run-1", StageID: "a", Type: schema.EventStageFailed},
		{RunID: "run-1", StageID: "a", Type: schema.EventLoopRestart},
		{RunID: "run-1", StageID: "a", Type: schema.EventStageStarted},
		{RunID: "run-1", StageID: "a", Type: schema.EventStagePassed},
		{RunID: "run-1", StageID: "b", Type: schema.EventStageSkipped},
	} {
		require.NoError(t, el.Append(ctx, e))
	}

	statuses, err := el.ReplayStageStatuses(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, schema.StageStatusPassed, statuses["a"])
	assert.Equal(t, schema.StageStatusSkipped, statuses["b"])
}

func TestEventLog_EventsSince(t *testing.T) {
	el := newTestEventLog(t)
	ctx := context.Background()

	require.NoError(t, el.Append(ctx, &Event{RunID: "run-1", Type: schema.EventRunStarted}))
	require.NoError(t, el.Append(ctx, &Event{RunID: "run-1", Type: schema.EventRunCompleted}))

	events, err := el.Events(ctx, "run-1", 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, schema.EventRunCompleted, events[0].Type)
}
