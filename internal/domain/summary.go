package domain

import (
	"maps"
	"slices"
	"sync"
	"time"
)

// RunSummary counts what a run skipped, per category, so dropped data is visible.
// It is safe for concurrent use.
type RunSummary struct {
	mu        sync.Mutex
	StartedAt time.Time
	counts    map[string]int
}

// NewRunSummary returns an empty summary started at t.
func NewRunSummary(t time.Time) *RunSummary {
	return &RunSummary{StartedAt: t, counts: make(map[string]int)}
}

// Add increments the counter for category by n.
func (s *RunSummary) Add(category string, n int) {
	if s == nil || n == 0 {
		return
	}
	s.mu.Lock()
	s.counts[category] += n
	s.mu.Unlock()
}

// Count returns the current value for category.
func (s *RunSummary) Count(category string) int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[category]
}

// Snapshot returns a copy of all counters.
func (s *RunSummary) Snapshot() map[string]int {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.counts)
}

// LogArgs flattens the counters into sorted key/value pairs for slog.
func (s *RunSummary) LogArgs() []any {
	snap := s.Snapshot()
	keys := slices.Sorted(maps.Keys(snap))
	args := make([]any, 0, 2*len(keys))
	for _, k := range keys {
		args = append(args, k, snap[k])
	}
	return args
}
