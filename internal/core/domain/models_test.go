package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionStatusIsTerminal(t *testing.T) {
	terminal := []SessionStatus{SessionCompleted, SessionFailed, SessionExpired, SessionCancelled}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "%s should be terminal", s)
	}
	nonTerminal := []SessionStatus{SessionUploading, SessionProcessing, SessionPostProcessing}
	for _, s := range nonTerminal {
		assert.False(t, s.IsTerminal(), "%s should not be terminal", s)
	}
}

func TestJobStatusIsTerminal(t *testing.T) {
	terminal := []JobStatus{JobCompleted, JobFailed, JobExpired, JobCancelled}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "%s should be terminal", s)
	}
	nonTerminal := []JobStatus{JobQueued, JobUploading, JobProcessing, JobPolling}
	for _, s := range nonTerminal {
		assert.False(t, s.IsTerminal(), "%s should not be terminal", s)
	}
}

func TestSessionProgress(t *testing.T) {
	s := &Session{TotalPages: 0, ProcessedPages: 0}
	assert.Equal(t, 0, s.Progress(), "zero total pages must not divide by zero")

	s = &Session{TotalPages: 4, ProcessedPages: 1}
	assert.Equal(t, 25, s.Progress())

	s = &Session{TotalPages: 3, ProcessedPages: 1}
	assert.Equal(t, 33, s.Progress())

	s = &Session{TotalPages: 3, ProcessedPages: 2}
	assert.Equal(t, 67, s.Progress())

	s = &Session{TotalPages: 2, ProcessedPages: 2}
	assert.Equal(t, 100, s.Progress())
}

func TestJobIsParent(t *testing.T) {
	parent := &Job{ParentJobID: "", PageCount: 3}
	assert.True(t, parent.IsParent())

	child := &Job{ParentJobID: "parent-1", PageCount: 0, SplitPageNumber: 1}
	assert.False(t, child.IsParent())

	// A row with no parent reference and no page count is neither a valid
	// parent nor child shape, but IsParent must not panic or misclassify it
	// as a parent (PageCount < 1).
	empty := &Job{}
	assert.False(t, empty.IsParent())
}
