package verify

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AskTinNguyen/ralph-cli-sub017/internal/procutil"
	"github.com/AskTinNguyen/ralph-cli-sub017/pkg/schema"
	"github.com/bmatcuk/doublestar/v4"
)

const defaultGateTimeout = 10 * time.Minute

// GateInput carries the context a gate needs to evaluate.
type GateInput struct {
	Workdir    string
	StageStart time.Time // git_commits default boundary
}

// Runner evaluates verification gates. Gates are independent checks against
// the real filesystem, repository, and toolchain: a stage passes only when
// every gate passes, regardless of what the executed process claimed via
// exit codes or output.
type Runner struct {
	logger *slog.Logger
}

// NewRunner creates a gate Runner.
func NewRunner(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{logger: logger}
}

// RunGates evaluates all gates in order and returns their outcomes plus the
// aggregate verdict. Every gate runs even after a failure so a single pass
// reports everything that is broken.
func (r *Runner) RunGates(ctx context.Context, gates []schema.VerificationGate, in GateInput) ([]schema.VerificationOutcome, bool) {
	outcomes := make([]schema.VerificationOutcome, 0, len(gates))
	allPassed := true

	for _, gate := range gates {
		start := time.Now()
		passed, msg := r.runGate(ctx, gate, in)
		outcome := schema.VerificationOutcome{
			Gate:       gate.Kind,
			Detail:     gate.Describe(),
			Passed:     passed,
			Message:    msg,
			DurationMs: time.Since(start).Milliseconds(),
		}
		outcomes = append(outcomes, outcome)

		if !passed {
			allPassed = false
			r.logger.Warn("verification gate failed",
				slog.String("gate", outcome.Detail),
				slog.String("message", msg))
		}
	}

	return outcomes, allPassed
}

func (r *Runner) runGate(ctx context.Context, gate schema.VerificationGate, in GateInput) (bool, string) {
	switch gate.Kind {
	case schema.GateFileExists:
		return r.checkFileExists(gate, in)
	case schema.GateFileContains:
		return r.checkFileContains(gate, in)
	case schema.GateGitCommits:
		return r.checkGitCommits(ctx, gate, in)
	case schema.GateTestSuite:
		return r.checkTestSuite(ctx, gate, in)
	case schema.GateBuildSuccess, schema.GateLintPass, schema.GateCustom:
		return r.checkCommand(ctx, gate, in)
	default:
		return false, fmt.Sprintf("unknown gate kind %q", gate.Kind)
	}
}

// checkFileExists matches gate.Path as a glob relative to the workdir.
func (r *Runner) checkFileExists(gate schema.VerificationGate, in GateInput) (bool, string) {
	if gate.Path == "" {
		return false, "file_exists gate requires a path"
	}

	pattern := gate.Path
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(in.Workdir, pattern)
	}

	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return false, fmt.Sprintf("bad glob %q: %v", gate.Path, err)
	}
	if len(matches) == 0 {
		return false, fmt.Sprintf("no files match %q", gate.Path)
	}
	return true, fmt.Sprintf("%d file(s) match", len(matches))
}

func (r *Runner) checkFileContains(gate schema.VerificationGate, in GateInput) (bool, string) {
	if gate.Path == "" || gate.Substring == "" {
		return false, "file_contains gate requires path and substring"
	}

	path := gate.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(in.Workdir, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Sprintf("cannot read %q: %v", gate.Path, err)
	}
	if !strings.Contains(string(data), gate.Substring) {
		return false, fmt.Sprintf("%q does not contain %q", gate.Path, gate.Substring)
	}
	return true, "substring found"
}

// checkGitCommits requires at least one new commit, either since the stage
// started or since an explicit ref.
func (r *Runner) checkGitCommits(ctx context.Context, gate schema.VerificationGate, in GateInput) (bool, string) {
	var (
		n   int
		err error
	)
	if gate.SinceRef != "" {
		n, err = countCommitsSinceRef(ctx, in.Workdir, gate.SinceRef)
	} else {
		n, err = countCommitsSince(ctx, in.Workdir, in.StageStart)
	}
	if err != nil {
		return false, err.Error()
	}
	if n == 0 {
		return false, "no new commits"
	}
	return true, fmt.Sprintf("%d new commit(s)", n)
}

// checkTestSuite runs the configured test command and parses its output.
// The gate passes only when no failures are reported and at least
// min_passing tests passed. When the output carries no recognizable counts,
// the exit code decides.
func (r *Runner) checkTestSuite(ctx context.Context, gate schema.VerificationGate, in GateInput) (bool, string) {
	res, msg, ok := r.execGateCommand(ctx, gate, in)
	if !ok {
		return false, msg
	}

	summary := ParseTestOutput(res.Stdout + "\n" + res.Stderr)
	if !summary.Found {
		if res.ExitCode != 0 {
			return false, fmt.Sprintf("test command exited %d with no parseable summary", res.ExitCode)
		}
		return true, "test command exited 0 (no parseable summary)"
	}

	if summary.Failing > 0 {
		return false, fmt.Sprintf("%d test(s) failing", summary.Failing)
	}
	if summary.Passing < gate.MinPassing {
		return false, fmt.Sprintf("%d test(s) passing, need at least %d", summary.Passing, gate.MinPassing)
	}
	return true, fmt.Sprintf("%d test(s) passing", summary.Passing)
}

// checkCommand covers build_success, lint_pass, and custom gates: the
// command must exit zero.
func (r *Runner) checkCommand(ctx context.Context, gate schema.VerificationGate, in GateInput) (bool, string) {
	res, msg, ok := r.execGateCommand(ctx, gate, in)
	if !ok {
		return false, msg
	}
	if res.Killed {
		return false, "command timed out"
	}
	if res.ExitCode != 0 {
		detail := strings.TrimSpace(res.Stderr)
		if detail == "" {
			detail = strings.TrimSpace(res.Stdout)
		}
		if len(detail) > 500 {
			detail = detail[:500]
		}
		return false, fmt.Sprintf("exit %d: %s", res.ExitCode, detail)
	}
	return true, "exit 0"
}

func (r *Runner) execGateCommand(ctx context.Context, gate schema.VerificationGate, in GateInput) (*procutil.Result, string, bool) {
	if gate.Command == "" {
		return nil, fmt.Sprintf("%s gate requires a command", gate.Kind), false
	}

	timeout := defaultGateTimeout
	if gate.Timeout != "" {
		if d, err := time.ParseDuration(gate.Timeout); err == nil {
			timeout = d
		}
	}

	res, err := procutil.Run(ctx, procutil.Spec{
		Command: gate.Command,
		Dir:     in.Workdir,
		Shell:   true,
		Timeout: timeout,
	})
	if err != nil {
		return nil, err.Error(), false
	}
	return res, "", true
}
