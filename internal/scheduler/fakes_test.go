package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"cronpulse/internal/cronengine"
	"cronpulse/internal/httpexec"
	"cronpulse/internal/job"
)

type fakeReg struct {
	id   string
	expr string
	fire cronengine.FireFunc
}

// fakeEngine records registrations and fires them only when told to.
type fakeEngine struct {
	mu        sync.Mutex
	seq       cronengine.Handle
	regs      map[cronengine.Handle]fakeReg
	failFor   map[string]bool
	mutations int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{regs: map[cronengine.Handle]fakeReg{}, failFor: map[string]bool{}}
}

func (f *fakeEngine) setFail(id string, fail bool) {
	f.mu.Lock()
	f.failFor[id] = fail
	f.mu.Unlock()
}

func (f *fakeEngine) Register(id, expr string, fire cronengine.FireFunc) (cronengine.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[id] {
		return 0, errors.New("engine refused")
	}
	f.seq++
	f.regs[f.seq] = fakeReg{id: id, expr: expr, fire: fire}
	f.mutations++
	return f.seq, nil
}

func (f *fakeEngine) Replace(old cronengine.Handle, id, expr string, fire cronengine.FireFunc) (cronengine.Handle, error) {
	f.mu.Lock()
	if f.failFor[id] {
		f.mu.Unlock()
		return 0, errors.New("engine refused")
	}
	delete(f.regs, old)
	f.mutations++
	f.mu.Unlock()
	return f.Register(id, expr, fire)
}

func (f *fakeEngine) Cancel(h cronengine.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.regs[h]; !ok {
		return cronengine.ErrUnknownHandle
	}
	delete(f.regs, h)
	f.mutations++
	return nil
}

func (f *fakeEngine) Entries() []cronengine.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]cronengine.Entry, 0, len(f.regs))
	for h, r := range f.regs {
		out = append(out, cronengine.Entry{Handle: h, ID: r.id, Expr: r.expr})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *fakeEngine) Location() *time.Location   { return time.UTC }
func (f *fakeEngine) Start()                     {}
func (f *fakeEngine) Stop(context.Context) error { return nil }

func (f *fakeEngine) mutationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mutations
}

// fire runs the registered callback of id synchronously.
func (f *fakeEngine) fire(id string, at time.Time) bool {
	f.mu.Lock()
	var fn cronengine.FireFunc
	for _, r := range f.regs {
		if r.id == id {
			fn = r.fire
		}
	}
	f.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(at)
	return true
}

// recSink is an in-memory metrics sink.
type recSink struct {
	mu       sync.Mutex
	success  map[string]int
	failure  map[string]int
	exec     map[string][]time.Duration
	fires    map[string][]string
	forgot   map[string]int
	triggers int
}

func newRecSink() *recSink {
	return &recSink{
		success: map[string]int{},
		failure: map[string]int{},
		exec:    map[string][]time.Duration{},
		fires:   map[string][]string{},
		forgot:  map[string]int{},
	}
}

func (s *recSink) RecordSuccess(id string) { s.mu.Lock(); s.success[id]++; s.mu.Unlock() }
func (s *recSink) RecordFailure(id string) { s.mu.Lock(); s.failure[id]++; s.mu.Unlock() }
func (s *recSink) RecordExecutionTime(id string, d time.Duration) {
	s.mu.Lock()
	s.exec[id] = append(s.exec[id], d)
	s.mu.Unlock()
}
func (s *recSink) RecordFire(id, outcome string) {
	s.mu.Lock()
	s.fires[id] = append(s.fires[id], outcome)
	s.mu.Unlock()
}
func (s *recSink) SetTriggers(n int) { s.mu.Lock(); s.triggers = n; s.mu.Unlock() }
func (s *recSink) Forget(id string) { s.mu.Lock(); s.forgot[id]++; s.mu.Unlock() }

func (s *recSink) forgotten(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forgot[id]
}

func (s *recSink) counts(id string) (ok, fail int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.success[id], s.failure[id]
}

type execFunc func(ctx context.Context, jobID string, req job.Request) httpexec.Outcome

func (f execFunc) Execute(ctx context.Context, jobID string, req job.Request) httpexec.Outcome {
	return f(ctx, jobID, req)
}

func okExec() execFunc {
	return func(context.Context, string, job.Request) httpexec.Outcome {
		return httpexec.Outcome{OK: true, Status: 200, Attempts: []httpexec.Attempt{{Number: 1}}}
	}
}

func def(id, cron string) job.Definition {
	return job.Definition{
		ID:          id,
		Cron:        cron,
		Parallelism: 1,
		Request: job.Request{
			Method:  "GET",
			URL:     "http://x/" + id,
			Timeout: time.Second,
		},
	}
}
