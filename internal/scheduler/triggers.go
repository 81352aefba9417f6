package scheduler

import (
	"sort"
	"sync"
	"time"

	"cronpulse/internal/cronengine"
	"cronpulse/internal/job"
)

// Trigger is the live registration backing one job.
type Trigger struct {
	JobID       string
	Def         job.Definition
	Fingerprint job.Fingerprint
	Handle      cronengine.Handle
	Since       time.Time

	run *runner
}

// TriggerSet is what is currently scheduled, keyed by job id.
//
// Only the Reconciler writes to it; readers (admin, tests) get copies.
type TriggerSet struct {
	mu sync.RWMutex
	m  map[string]Trigger
}

func NewTriggerSet() *TriggerSet {
	return &TriggerSet{m: map[string]Trigger{}}
}

func (s *TriggerSet) Get(id string) (Trigger, bool) {
	s.mu.RLock()
	t, ok := s.m[id]
	s.mu.RUnlock()
	return t, ok
}

func (s *TriggerSet) put(t Trigger) {
	s.mu.Lock()
	s.m[t.JobID] = t
	s.mu.Unlock()
}

func (s *TriggerSet) remove(id string) {
	s.mu.Lock()
	delete(s.m, id)
	s.mu.Unlock()
}

func (s *TriggerSet) Len() int {
	s.mu.RLock()
	n := len(s.m)
	s.mu.RUnlock()
	return n
}

// IDs returns the scheduled job ids in sorted order.
func (s *TriggerSet) IDs() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.m))
	for id := range s.m {
		out = append(out, id)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Snapshot returns copies of every trigger sorted by job id.
func (s *TriggerSet) Snapshot() []Trigger {
	s.mu.RLock()
	out := make([]Trigger, 0, len(s.m))
	for _, t := range s.m {
		t.Def = t.Def.Clone()
		out = append(out, t)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}
