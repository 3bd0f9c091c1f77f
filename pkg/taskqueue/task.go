package taskqueue

import (
	"sync"
	"time"

	"github.com/ekaya-inc/ekaya-provenance/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-provenance/pkg/models"
)

// taskState holds the runtime state of a job in the memory queue.
type taskState struct {
	job         Job
	state       State
	attempts    int
	refs        map[string]string
	err         error
	updatedAt   time.Time
	completedAt *time.Time

	mu sync.RWMutex
}

func newTaskState(job Job) *taskState {
	return &taskState{job: job, state: StateQueued, updatedAt: time.Now()}
}

func (ts *taskState) getState() State {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.state
}

func (ts *taskState) setState(state State) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.state = state
	ts.updatedAt = time.Now()
	if state.Terminal() {
		now := ts.updatedAt
		ts.completedAt = &now
	}
}

func (ts *taskState) startAttempt() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.state = StateRunning
	ts.attempts++
	ts.updatedAt = time.Now()
}

func (ts *taskState) succeed(refs map[string]string) {
	ts.mu.Lock()
	ts.refs = refs
	ts.mu.Unlock()
	ts.setState(StateSuccess)
}

func (ts *taskState) fail(err error) {
	ts.mu.Lock()
	ts.err = err
	ts.mu.Unlock()
	ts.setState(StateFailure)
}

// expired reports whether a terminal job is older than retention.
func (ts *taskState) expired(now time.Time, retention time.Duration) bool {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.completedAt != nil && now.Sub(*ts.completedAt) > retention
}

// snapshot returns an immutable Status copy.
func (ts *taskState) snapshot() *Status {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	s := &Status{
		State:     ts.state,
		Attempts:  ts.attempts,
		UpdatedAt: ts.updatedAt,
	}
	if ts.refs != nil {
		s.StorageRefs = make(map[string]string, len(ts.refs))
		for k, v := range ts.refs {
			s.StorageRefs[k] = v
		}
	}
	if ts.err != nil {
		s.ErrorCode = apperrors.CodeOf(ts.err, models.EvidenceErrGenerationFailed)
		s.ErrorMessage = apperrors.TruncateMessage(ts.err.Error())
	}
	return s
}
