package store

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/AskTinNguyen/ralph-cli-sub017/pkg/schema"
)

// FileStore persists runs as plain files under a root directory. The layout
// is stable and human-inspectable:
//
//	<root>/<run_id>/state.json                     run metadata and statuses
//	<root>/<run_id>/context.json                   variable snapshot
//	<root>/<run_id>/stages/<stage_id>/result.json  first attempt
//	<root>/<run_id>/stages/<stage_id>/result.2.json  later attempts
//	<root>/<run_id>/stages/<stage_id>/output.log   raw captured output
//
// All writes go through a temp file plus rename so a crash mid-write never
// leaves a truncated JSON file behind.
type FileStore struct {
	root string
	mu   sync.Mutex
}

// NewFileStore creates a FileStore rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create store root %s: %v", dir, err).WithCause(err)
	}
	return &FileStore{root: dir}, nil
}

// Root returns the store's root directory.
func (s *FileStore) Root() string { return s.root }

// RunDir returns the directory of a run.
func (s *FileStore) RunDir(runID string) string {
	return filepath.Join(s.root, runID)
}

func (s *FileStore) stageDir(runID, stageID string) string {
	return filepath.Join(s.root, runID, "stages", stageID)
}

// CreateRun persists a fresh run. Fails if the run directory already exists.
func (s *FileStore) CreateRun(ctx context.Context, run *RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.RunDir(run.RunID)
	if _, err := os.Stat(dir); err == nil {
		return schema.NewErrorf(schema.ErrCodeStore, "run %s already exists", run.RunID)
	}
	if err := os.MkdirAll(filepath.Join(dir, "stages"), 0o755); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "create run dir: %v", err).WithCause(err)
	}
	return s.saveRunLocked(run)
}

// SaveRun persists the current run state and context snapshot.
func (s *FileStore) SaveRun(ctx context.Context, run *RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveRunLocked(run)
}

func (s *FileStore) saveRunLocked(run *RunState) error {
	dir := s.RunDir(run.RunID)
	if err := writeJSONAtomic(filepath.Join(dir, "state.json"), run); err != nil {
		return err
	}
	contextSnapshot := map[string]any{"variables": run.Variables}
	return writeJSONAtomic(filepath.Join(dir, "context.json"), contextSnapshot)
}

// SaveStageResult persists one finished stage attempt and its raw output.
func (s *FileStore) SaveStageResult(ctx context.Context, runID string, res *StageResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.stageDir(runID, res.StageID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "create stage dir: %v", err).WithCause(err)
	}

	if err := writeJSONAtomic(filepath.Join(dir, resultFileName(res.Attempt)), res); err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dir, outputFileName(res.Attempt)), []byte(res.Output))
}

// LoadRun reconstructs a run from its directory, including the full
// per-stage attempt history.
func (s *FileStore) LoadRun(ctx context.Context, runID string) (*RunState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.RunDir(runID)

	run := &RunState{}
	if err := readJSON(filepath.Join(dir, "state.json"), run); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %s not found", runID)
		}
		return nil, err
	}

	var contextSnapshot struct {
		Variables map[string]any `json:"variables"`
	}
	if err := readJSON(filepath.Join(dir, "context.json"), &contextSnapshot); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	run.Variables = contextSnapshot.Variables
	if run.Variables == nil {
		run.Variables = map[string]any{}
	}

	run.Results = make(map[string][]*StageResult)
	stagesDir := filepath.Join(dir, "stages")
	entries, err := os.ReadDir(stagesDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return run, nil
		}
		return nil, schema.NewErrorf(schema.ErrCodeStore, "read stages dir: %v", err).WithCause(err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		stageID := entry.Name()
		results, err := s.loadStageResults(runID, stageID)
		if err != nil {
			return nil, err
		}
		if len(results) > 0 {
			run.Results[stageID] = results
		}
	}

	return run, nil
}

// loadStageResults reads all attempts for one stage, ordered by attempt.
func (s *FileStore) loadStageResults(runID, stageID string) ([]*StageResult, error) {
	dir := s.stageDir(runID, stageID)

	var results []*StageResult
	for attempt := 1; ; attempt++ {
		path := filepath.Join(dir, resultFileName(attempt))
		res := &StageResult{}
		if err := readJSON(path, res); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				break
			}
			return nil, err
		}

		output, err := os.ReadFile(filepath.Join(dir, outputFileName(attempt)))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "read output log: %v", err).WithCause(err)
		}
		res.Output = string(output)
		results = append(results, res)
	}
	return results, nil
}

// ListRuns returns summaries of all runs, newest first.
func (s *FileStore) ListRuns(ctx context.Context) ([]RunSummary, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "read store root: %v", err).WithCause(err)
	}

	var summaries []RunSummary
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		var run RunState
		if err := readJSON(filepath.Join(s.root, entry.Name(), "state.json"), &run); err != nil {
			continue // not a run dir
		}
		summaries = append(summaries, RunSummary{
			RunID:     run.RunID,
			Workflow:  run.Workflow,
			Status:    run.Status,
			StartedAt: run.StartedAt,
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].StartedAt.After(summaries[j].StartedAt)
	})
	return summaries, nil
}

// LatestRun returns the newest run ID, optionally filtered by workflow name.
func (s *FileStore) LatestRun(ctx context.Context, workflow string) (string, error) {
	summaries, err := s.ListRuns(ctx)
	if err != nil {
		return "", err
	}
	for _, sum := range summaries {
		if workflow == "" || sum.Workflow == workflow {
			return sum.RunID, nil
		}
	}
	return "", schema.NewErrorf(schema.ErrCodeNotFound, "no runs found for %q", workflow)
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error { return nil }

var _ Store = (*FileStore)(nil)

// --- atomic file helpers ---

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "marshal %s: %v", filepath.Base(path), err).WithCause(err)
	}
	return writeFileAtomic(path, append(data, '\n'))
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "create temp file: %v", err).WithCause(err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return schema.NewErrorf(schema.ErrCodeStore, "write %s: %v", filepath.Base(path), err).WithCause(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return schema.NewErrorf(schema.ErrCodeStore, "close %s: %v", filepath.Base(path), err).WithCause(err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return schema.NewErrorf(schema.ErrCodeStore, "rename %s: %v", filepath.Base(path), err).WithCause(err)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "parse %s: %v", filepath.Base(path), err).WithCause(err)
	}
	return nil
}
