package procutil

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/AskTinNguyen/ralph-cli-sub017/pkg/schema"
)

const (
	// DefaultTimeout is applied when a Spec carries no timeout of its own.
	DefaultTimeout = 30 * time.Minute

	defaultMaxOutputSize = 10 * 1024 * 1024 // 10MB
)

// Spec describes a single subprocess invocation.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	Env     map[string]string // merged over the inherited environment
	Stdin   string
	Timeout time.Duration // 0 means DefaultTimeout
	Shell   bool          // run via /bin/sh -c

	// MaxOutput caps captured stdout/stderr, 0 means the package default.
	// Output beyond the cap is discarded, never blocks the subprocess.
	MaxOutput int64

	// Tee receives interleaved stdout and stderr as the process runs,
	// in addition to the captured buffers. Optional.
	Tee io.Writer
}

// Result captures a completed subprocess.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Killed   bool // true when the timeout fired
	Duration time.Duration
}

// JSONStdout returns the stdout parsed as JSON when it is valid JSON,
// otherwise the raw string.
func (r *Result) JSONStdout() any {
	trimmed := strings.TrimSpace(r.Stdout)
	if trimmed == "" || !json.Valid([]byte(trimmed)) {
		return r.Stdout
	}
	var parsed any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return r.Stdout
	}
	return parsed
}

// Run executes the spec and captures its output. A nonzero exit code is not
// an error; the caller decides what exit codes mean. Errors are reserved for
// failures to run at all (command not found, bad workdir).
func Run(ctx context.Context, spec Spec) (*Result, error) {
	if spec.Command == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "exec: missing command")
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxOutput := spec.MaxOutput
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutputSize
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cmd *exec.Cmd
	if spec.Shell {
		full := spec.Command
		if len(spec.Args) > 0 {
			full = spec.Command + " " + strings.Join(spec.Args, " ")
		}
		cmd = exec.CommandContext(execCtx, "/bin/sh", "-c", full)
	} else {
		cmd = exec.CommandContext(execCtx, spec.Command, spec.Args...)
	}

	// Run in its own process group so a timeout kills the entire tree, not
	// just the shell. WaitDelay unblocks Run even when a grandchild survives
	// the kill and keeps the output pipe open.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 3 * time.Second

	if spec.Dir != "" {
		cmd.Dir = spec.Dir
	}
	if spec.Env != nil {
		cmd.Env = os.Environ()
		for k, v := range spec.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	if spec.Stdin != "" {
		cmd.Stdin = strings.NewReader(spec.Stdin)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	var stdout io.Writer = &limitedWriter{w: &stdoutBuf, limit: maxOutput}
	var stderr io.Writer = &limitedWriter{w: &stderrBuf, limit: maxOutput}
	if spec.Tee != nil {
		stdout = io.MultiWriter(stdout, spec.Tee)
		stderr = io.MultiWriter(stderr, spec.Tee)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	result := &Result{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: duration,
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			// Command never ran (not found, bad dir) and the timeout kill
			// also surfaces as a plain error on some platforms.
			if execCtx.Err() == context.DeadlineExceeded {
				result.Killed = true
				result.ExitCode = -1
				return result, nil
			}
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "exec %s: %v", spec.Command, runErr).
				WithCause(runErr)
		}
		result.ExitCode = exitErr.ExitCode()
		if execCtx.Err() == context.DeadlineExceeded {
			result.Killed = true
		}
	}

	return result, nil
}

// limitedWriter wraps a writer and silently discards bytes beyond the limit.
// Write always reports the full len(p) consumed to prevent the subprocess
// from blocking on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p) // Capture original length before any truncation.
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	if err != nil {
		return total, err
	}
	return total, nil
}
