package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/AskTinNguyen/ralph-cli-sub017/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingRunner struct {
	mu   sync.Mutex
	runs []string
	err  error
}

func (r *recordingRunner) RunScheduled(_ context.Context, def *schema.WorkflowDefinition, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, def.Name)
	return r.err
}

func (r *recordingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

func scheduledDef(name, expr string) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Version:  "1",
		Name:     name,
		Schedule: expr,
		Stages: []schema.StageDefinition{
			{ID: "noop", Type: schema.StageTypeCustom, Config: map[string]any{"command": "true"}},
		},
	}
}

func TestScheduler_AddRejectsMissingSchedule(t *testing.T) {
	s := NewScheduler(&recordingRunner{}, nil)
	err := s.Add("w.yaml", scheduledDef("nightly", ""), "")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestScheduler_AddRejectsBadCron(t *testing.T) {
	s := NewScheduler(&recordingRunner{}, nil)
	err := s.Add("w.yaml", scheduledDef("nightly", "whenever"), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "whenever")
}

func TestScheduler_AddComputesNextRun(t *testing.T) {
	s := NewScheduler(&recordingRunner{}, nil)
	require.NoError(t, s.Add("w.yaml", scheduledDef("nightly", "0 3 * * *"), ""))

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, 3, jobs[0].NextRun.Hour())
	assert.Equal(t, 0, jobs[0].NextRun.Minute())
}

func TestScheduler_NextRunParsesStandardExpressions(t *testing.T) {
	s := NewScheduler(&recordingRunner{}, nil)
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	next, err := s.NextRun("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, from.Add(15*time.Minute), next)

	_, err = s.NextRun("not a cron", from)
	require.Error(t, err)
}

func TestScheduler_TickRunsDueJobs(t *testing.T) {
	runner := &recordingRunner{}
	s := NewScheduler(runner, nil)
	require.NoError(t, s.Add("w.yaml", scheduledDef("nightly", "* * * * *"), ""))

	// Force the job due and tick manually.
	s.mu.Lock()
	s.jobs["w.yaml"].NextRun = time.Now().UTC().Add(-time.Minute)
	s.mu.Unlock()

	s.tick(context.Background())
	require.Eventually(t, func() bool { return runner.count() == 1 }, time.Second, 10*time.Millisecond)

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "success", jobs[0].LastStatus)
	require.NotNil(t, jobs[0].LastRun)
	assert.True(t, jobs[0].NextRun.After(time.Now().UTC()))
}

func TestScheduler_TickSkipsFutureJobs(t *testing.T) {
	runner := &recordingRunner{}
	s := NewScheduler(runner, nil)
	require.NoError(t, s.Add("w.yaml", scheduledDef("nightly", "0 3 1 1 *"), ""))

	s.tick(context.Background())
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, runner.count())
}

func TestScheduler_RunFailureRecordsErrorStatus(t *testing.T) {
	runner := &recordingRunner{err: schema.NewError(schema.ErrCodeExecution, "boom")}
	s := NewScheduler(runner, nil)
	require.NoError(t, s.Add("w.yaml", scheduledDef("nightly", "* * * * *"), ""))

	s.mu.Lock()
	s.jobs["w.yaml"].NextRun = time.Now().UTC().Add(-time.Minute)
	s.mu.Unlock()

	s.tick(context.Background())
	require.Eventually(t, func() bool { return runner.count() == 1 }, time.Second, 10*time.Millisecond)

	assert.Equal(t, "error", s.Jobs()[0].LastStatus)
}

func TestScheduler_StartRequiresJobs(t *testing.T) {
	s := NewScheduler(&recordingRunner{}, nil)
	err := s.Start(context.Background())
	require.Error(t, err)
}

func TestScheduler_StartStop(t *testing.T) {
	s := NewScheduler(&recordingRunner{}, nil)
	require.NoError(t, s.Add("w.yaml", scheduledDef("nightly", "0 3 1 1 *"), ""))

	require.NoError(t, s.Start(context.Background()))
	err := s.Start(context.Background())
	require.Error(t, err) // already started

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop()) // idempotent
}

func TestScheduler_ImmediateStopAfterStart(t *testing.T) {
	// Stop right after Start, repeatedly: the loop goroutine may not have
	// been scheduled yet when Stop clears the struct fields.
	s := NewScheduler(&recordingRunner{}, nil)
	require.NoError(t, s.Add("w.yaml", scheduledDef("nightly", "0 3 1 1 *"), ""))

	for i := 0; i < 50; i++ {
		require.NoError(t, s.Start(context.Background()))
		require.NoError(t, s.Stop())
	}
}
