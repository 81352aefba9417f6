package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"cronpulse/internal/checkpoint"
	"cronpulse/internal/eventbus"
	"cronpulse/internal/httpexec"
	"cronpulse/internal/job"
	"cronpulse/internal/metrics"
	logx "cronpulse/pkg/logx"

	"github.com/google/uuid"
)

// Executor performs one slot's request cycle (every attempt included).
type Executor interface {
	Execute(ctx context.Context, jobID string, req job.Request) httpexec.Outcome
}

// FireResult is the job-level outcome of one fire.
type FireResult struct {
	FireID    string
	JobID     string
	Start     time.Time
	Duration  time.Duration
	Slots     int
	Succeeded int
	Skipped   bool
}

// OK reports whether at least one slot succeeded.
func (r FireResult) OK() bool { return r.Succeeded > 0 }

// runner is the fire closure state of one trigger. def is a private copy; the
// reconciler never touches it after registration.
type runner struct {
	def  job.Definition
	deps *deps

	inFlight atomic.Int32
	removed  atomic.Bool
}

func (t Trigger) InFlight() int {
	if t.run == nil {
		return 0
	}
	return int(t.run.inFlight.Load())
}

func (r *runner) fire(at time.Time) {
	_ = r.run(at)
}

func (r *runner) run(at time.Time) (res FireResult) {
	d := r.deps
	def := r.def
	if at.IsZero() {
		at = d.now()
	}
	res = FireResult{FireID: uuid.NewString(), JobID: def.ID, Start: at, Slots: def.Slots()}
	log := d.log.With(logx.String("job", def.ID), logx.String("fire", res.FireID))

	if def.Overlap == job.OverlapSkip {
		if !r.inFlight.CompareAndSwap(0, 1) {
			res.Skipped = true
			log.Info("fire skipped; previous fire still running")
			recordFire(d.sink, def.ID, metrics.OutcomeSkipped)
			d.bus.Publish(eventbus.Event{Type: eventbus.JobSkipped, Time: at, JobID: def.ID, Data: res})
			return res
		}
	} else {
		r.inFlight.Add(1)
	}
	defer r.release()

	defer func() {
		if p := recover(); p != nil {
			log.Error("fire panicked", logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
		}
	}()

	log.Debug("fire started", logx.Int("slots", res.Slots))
	d.bus.Publish(eventbus.Event{Type: eventbus.JobFired, Time: at, JobID: def.ID, Data: res})

	outcomes := make([]httpexec.Outcome, res.Slots)
	var wg sync.WaitGroup
	for i := range res.Slots {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() {
				if p := recover(); p != nil {
					log.Error("slot panicked", logx.Int("slot", i), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
					outcomes[i] = httpexec.Outcome{Kind: httpexec.KindTransport, Err: fmt.Errorf("%w: panic: %v", httpexec.ErrTransport, p)}
				}
			}()
			outcomes[i] = d.exec.Execute(d.execCtx, def.ID, def.Request)
		}(i)
	}
	wg.Wait()

	var lastErr error
	for _, o := range outcomes {
		if o.OK {
			res.Succeeded++
			d.sink.RecordSuccess(def.ID)
		} else {
			lastErr = o.Err
			d.sink.RecordFailure(def.ID)
		}
	}
	res.Duration = d.now().Sub(at)
	if res.Duration < 0 {
		res.Duration = 0
	}
	d.sink.RecordExecutionTime(def.ID, res.Duration)

	if !res.OK() {
		log.Warn("fire failed",
			logx.Int("slots", res.Slots),
			logx.Duration("dur", res.Duration),
			logx.Any("err", lastErr),
		)
		recordFire(d.sink, def.ID, metrics.OutcomeFailure)
		d.bus.Publish(eventbus.Event{Type: eventbus.JobFailed, JobID: def.ID, Data: res})
		return res
	}

	// Checkpoint writes are best-effort: a failure here never fails the fire.
	ctx := context.WithoutCancel(d.execCtx)
	if err := checkpoint.SaveLastSuccess(ctx, d.store, def.ID, at); err != nil {
		log.Error("checkpoint write failed", logx.Err(err))
	}
	log.Info("fire succeeded",
		logx.Int("slots", res.Slots),
		logx.Int("succeeded", res.Succeeded),
		logx.Duration("dur", res.Duration),
	)
	recordFire(d.sink, def.ID, metrics.OutcomeSuccess)
	d.bus.Publish(eventbus.Event{Type: eventbus.JobSucceeded, JobID: def.ID, Data: res})
	return res
}

// release ends one fire. The last fire of a removed trigger forgets its metrics.
func (r *runner) release() {
	if r.inFlight.Add(-1) == 0 && r.removed.Load() {
		r.deps.forget(r.def.ID)
	}
}

func recordFire(sink metrics.Sink, jobID, outcome string) {
	if fr, ok := sink.(metrics.FireRecorder); ok {
		fr.RecordFire(jobID, outcome)
	}
}
