package testutils

import (
	"fmt"
	"strings"

	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
)

// TestingT is the slice of testing.T the asserters need, so their own tests
// can capture failures instead of failing.
type TestingT interface {
	Errorf(format string, args ...interface{})
}

// AssertTranscript compares a rendered multi-line transcript, such as a
// packet trace or a printed profile tree, against the expected text. Both
// sides are normalized line by line so expectations read naturally as
// indented raw strings: surrounding whitespace is stripped and blank lines
// dropped. Mismatches come out as a unified diff, which reads far better
// than a one-line quote dump. Returns true when the transcripts agree.
func AssertTranscript(t TestingT, got, want string) bool {
	ng, nw := normalizeTranscript(got), normalizeTranscript(want)
	if ng == nw {
		return true
	}
	edits := myers.ComputeEdits("", nw, ng)
	t.Errorf("transcript mismatch:\n%s", fmt.Sprint(gotextdiff.ToUnified("want", "got", nw, edits)))
	return false
}

func normalizeTranscript(text string) string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n") + "\n"
}
