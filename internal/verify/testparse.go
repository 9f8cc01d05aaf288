package verify

import (
	"regexp"
	"strconv"
)

// Test runners print summaries in many shapes ("5 passed, 2 failed",
// "2 failing", "Tests: 7 passed, 7 total"). The parser is framework-agnostic:
// it scans for count-word pairs and keeps the largest value seen for each
// side, so repeated summary lines do not double-count.
var (
	passedRe = regexp.MustCompile(`(?i)\b(\d+)\s+(?:tests?\s+)?(?:passed|passing|pass\b)`)
	failedRe = regexp.MustCompile(`(?i)\b(\d+)\s+(?:tests?\s+)?(?:failed|failing|failures?\b)`)
)

// TestSummary is the parsed result of a test runner's output.
type TestSummary struct {
	Passing int
	Failing int
	Found   bool // false when no recognizable counts appeared
}

// ParseTestOutput extracts pass/fail counts from raw test runner output.
func ParseTestOutput(output string) TestSummary {
	var s TestSummary

	for _, m := range passedRe.FindAllStringSubmatch(output, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil {
			s.Found = true
			if n > s.Passing {
				s.Passing = n
			}
		}
	}
	for _, m := range failedRe.FindAllStringSubmatch(output, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil {
			s.Found = true
			if n > s.Failing {
				s.Failing = n
			}
		}
	}

	return s
}
