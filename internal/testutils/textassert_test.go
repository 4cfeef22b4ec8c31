package testutils

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// failureRecorder captures Errorf calls so asserter failures can be
// inspected instead of failing the enclosing test.
type failureRecorder struct {
	failures []string
}

func (r *failureRecorder) Errorf(format string, args ...interface{}) {
	r.failures = append(r.failures, fmt.Sprintf(format, args...))
}

func TestAssertTranscriptEqual(t *testing.T) {
	rec := &failureRecorder{}
	ok := AssertTranscript(rec, "ack sn=3\ndata sn=0", "ack sn=3\ndata sn=0")
	assert.True(t, ok)
	assert.Empty(t, rec.failures)
}

func TestAssertTranscriptNormalizes(t *testing.T) {
	rec := &failureRecorder{}
	// Indented raw-string expectation with blank edges matches the raw
	// rendering.
	ok := AssertTranscript(rec, "ack sn=3\ndata sn=0\n", `
		ack sn=3

		data sn=0
	`)
	assert.True(t, ok)
	assert.Empty(t, rec.failures)
}

func TestAssertTranscriptMismatchReportsDiff(t *testing.T) {
	rec := &failureRecorder{}
	ok := AssertTranscript(rec, "ack sn=3\ndata sn=1", "ack sn=3\ndata sn=0")
	assert.False(t, ok)
	if assert.Len(t, rec.failures, 1) {
		assert.Contains(t, rec.failures[0], "-data sn=0")
		assert.Contains(t, rec.failures[0], "+data sn=1")
	}
}

func TestAssertTranscriptMissingLine(t *testing.T) {
	rec := &failureRecorder{}
	ok := AssertTranscript(rec, "ack sn=3", "ack sn=3\ndata sn=0")
	assert.False(t, ok)
	assert.True(t, strings.Contains(rec.failures[0], "-data sn=0"))
}
