package verify

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/AskTinNguyen/ralph-cli-sub017/internal/procutil"
	"github.com/AskTinNguyen/ralph-cli-sub017/pkg/schema"
)

// countCommitsSince counts commits in the repository at dir made after the
// given time.
func countCommitsSince(ctx context.Context, dir string, since time.Time) (int, error) {
	return gitCount(ctx, dir, []string{
		"rev-list", "--count", "--since=" + since.Format(time.RFC3339), "HEAD",
	})
}

// countCommitsSinceRef counts commits in dir reachable from HEAD but not
// from ref.
func countCommitsSinceRef(ctx context.Context, dir, ref string) (int, error) {
	return gitCount(ctx, dir, []string{"rev-list", "--count", ref + "..HEAD"})
}

func gitCount(ctx context.Context, dir string, args []string) (int, error) {
	res, err := procutil.Run(ctx, procutil.Spec{
		Command: "git",
		Args:    args,
		Dir:     dir,
		Timeout: 30 * time.Second,
	})
	if err != nil {
		return 0, err
	}
	if res.ExitCode != 0 {
		return 0, schema.NewErrorf(schema.ErrCodeExecution,
			"git %s failed: %s", strings.Join(args, " "), strings.TrimSpace(res.Stderr))
	}

	n, err := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeExecution,
			"unexpected git rev-list output %q", strings.TrimSpace(res.Stdout))
	}
	return n, nil
}
