package taskqueue

import "sync"

// ConcurrencyStrategy controls how many jobs may run at once.
type ConcurrencyStrategy interface {
	CanStart() bool
	OnStart()
	OnComplete()
}

// ThrottledStrategy allows up to maxConcurrent jobs to run in parallel.
type ThrottledStrategy struct {
	mu            sync.Mutex
	maxConcurrent int
	running       int
}

// NewThrottledStrategy creates a strategy with the given parallelism (minimum 1).
func NewThrottledStrategy(maxConcurrent int) *ThrottledStrategy {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &ThrottledStrategy{maxConcurrent: maxConcurrent}
}

// NewSerializedStrategy runs one job at a time.
func NewSerializedStrategy() *ThrottledStrategy {
	return NewThrottledStrategy(1)
}

func (s *ThrottledStrategy) CanStart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running < s.maxConcurrent
}

func (s *ThrottledStrategy) OnStart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running++
}

func (s *ThrottledStrategy) OnComplete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running > 0 {
		s.running--
	}
}
