package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"cronpulse/internal/checkpoint"
	"cronpulse/internal/cronengine"
	"cronpulse/internal/eventbus"
	"cronpulse/internal/job"
	"cronpulse/internal/metrics"
	logx "cronpulse/pkg/logx"
)

// DesiredSource yields the desired job list. It is called once per pass.
type DesiredSource interface {
	Jobs(ctx context.Context) ([]job.Definition, error)
}

// DesiredSourceFunc adapts a function to DesiredSource.
type DesiredSourceFunc func(ctx context.Context) ([]job.Definition, error)

func (f DesiredSourceFunc) Jobs(ctx context.Context) ([]job.Definition, error) { return f(ctx) }

// Deps are the collaborators every fire closure captures.
type Deps struct {
	Engine   cronengine.Engine
	Executor Executor
	Store    checkpoint.Store
	Metrics  metrics.Sink
	Bus      eventbus.Bus
	Log      logx.Logger
	Now      func() time.Time
}

type deps struct {
	exec    Executor
	store   checkpoint.Store
	sink    metrics.Sink
	bus     eventbus.Bus
	log     logx.Logger
	now     func() time.Time
	execCtx context.Context
	forget  func(jobID string)
}

// Result summarizes one reconciliation pass. Each slice is sorted.
type Result struct {
	Added     []string         `json:"added,omitempty"`
	Replaced  []string         `json:"replaced,omitempty"`
	Removed   []string         `json:"removed,omitempty"`
	Unchanged []string         `json:"unchanged,omitempty"`
	Failed    map[string]error `json:"-"`
}

// Mutations counts trigger add, replace and remove operations that took effect.
func (r Result) Mutations() int { return len(r.Added) + len(r.Replaced) + len(r.Removed) }

func (r *Result) fail(id string, err error) {
	if r.Failed == nil {
		r.Failed = map[string]error{}
	}
	r.Failed[id] = err
}

func (r *Result) sort() {
	sort.Strings(r.Added)
	sort.Strings(r.Replaced)
	sort.Strings(r.Removed)
	sort.Strings(r.Unchanged)
}

type Reconciler struct {
	engine   cronengine.Engine
	triggers *TriggerSet
	deps     *deps
	log      logx.Logger

	execCancel context.CancelFunc

	// mu serializes passes.
	mu sync.Mutex
}

func NewReconciler(d Deps) *Reconciler {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "scheduler"))
	sink := d.Metrics
	if sink == nil {
		sink = metrics.Nop{}
	}
	bus := d.Bus
	if bus == nil {
		bus = eventbus.Nop{}
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}
	// Executions outlive trigger removal; they are only canceled on shutdown.
	execCtx, cancel := context.WithCancel(context.Background())
	r := &Reconciler{
		engine:   d.Engine,
		triggers: NewTriggerSet(),
		log:      log,
		deps: &deps{
			exec:    d.Executor,
			store:   d.Store,
			sink:    sink,
			bus:     bus,
			log:     log,
			now:     now,
			execCtx: execCtx,
		},
		execCancel: cancel,
	}
	r.deps.forget = r.forget
	return r
}

func (r *Reconciler) Triggers() *TriggerSet { return r.triggers }

// Pass fetches the desired list from src and reconciles against it. When src
// fails the live schedule is left untouched and ErrConfigUnavailable is returned.
func (r *Reconciler) Pass(ctx context.Context, src DesiredSource) (Result, error) {
	defs, err := src.Jobs(ctx)
	if err != nil {
		r.log.Warn("reconcile skipped; keeping previous schedule", logx.Err(err), logx.Int("triggers", r.triggers.Len()))
		return Result{}, fmt.Errorf("%w: %w", ErrConfigUnavailable, err)
	}
	return r.Reconcile(ctx, defs), nil
}

// Reconcile converges the trigger set to defs.
func (r *Reconciler) Reconcile(ctx context.Context, defs []job.Definition) Result {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()

	var res Result
	desired := make(map[string]job.Definition, len(defs))
	order := make([]string, 0, len(defs))
	for _, d := range defs {
		id := strings.TrimSpace(d.ID)
		if id == "" {
			r.log.Warn("ignoring job without id", logx.String("cron", d.Cron))
			continue
		}
		if _, dup := desired[id]; dup {
			r.log.Warn("duplicate job id; keeping the first definition", logx.String("job", id))
			continue
		}
		d.ID = id
		desired[id] = d.Clone()
		order = append(order, id)
	}

	for _, id := range r.triggers.IDs() {
		if _, ok := desired[id]; ok {
			continue
		}
		t, _ := r.triggers.Get(id)
		if err := r.engine.Cancel(t.Handle); err != nil && !errors.Is(err, cronengine.ErrUnknownHandle) {
			r.log.Error("trigger remove failed", logx.String("job", id), logx.Err(err))
			res.fail(id, fmt.Errorf("%w: cancel %s: %w", ErrTriggerOperation, id, err))
			continue
		}
		r.triggers.remove(id)
		res.Removed = append(res.Removed, id)
		// A fire still running drops the series itself when it finishes.
		if t.run != nil {
			t.run.removed.Store(true)
		}
		if t.InFlight() == 0 {
			r.forget(id)
		}
		r.log.Info("trigger removed", logx.String("job", id), logx.Int("in_flight", t.InFlight()))
		r.deps.bus.Publish(eventbus.Event{Type: eventbus.TriggerRemoved, JobID: id})
	}

	for _, id := range order {
		def := desired[id]
		fp := def.Fingerprint()
		cur, exists := r.triggers.Get(id)

		switch {
		case exists && cur.Fingerprint == fp:
			res.Unchanged = append(res.Unchanged, id)

		case exists:
			run := &runner{def: def, deps: r.deps}
			h, err := r.engine.Replace(cur.Handle, id, def.Cron, run.fire)
			if err != nil {
				r.log.Error("trigger replace failed; keeping previous trigger", logx.String("job", id), logx.Err(err))
				res.fail(id, fmt.Errorf("%w: replace %s: %w", ErrTriggerOperation, id, err))
				continue
			}
			r.triggers.put(Trigger{JobID: id, Def: def, Fingerprint: fp, Handle: h, Since: r.deps.now(), run: run})
			res.Replaced = append(res.Replaced, id)
			r.log.Info("trigger replaced",
				logx.String("job", id),
				logx.String("cron", def.Cron),
				logx.String("fingerprint", fp.String()),
				logx.Int("in_flight", cur.InFlight()),
			)
			r.deps.bus.Publish(eventbus.Event{Type: eventbus.TriggerReplaced, JobID: id, Data: fp.String()})

		default:
			run := &runner{def: def, deps: r.deps}
			h, err := r.engine.Register(id, def.Cron, run.fire)
			if err != nil {
				r.log.Error("trigger add failed", logx.String("job", id), logx.Err(err))
				res.fail(id, fmt.Errorf("%w: register %s: %w", ErrTriggerOperation, id, err))
				continue
			}
			r.triggers.put(Trigger{JobID: id, Def: def, Fingerprint: fp, Handle: h, Since: r.deps.now(), run: run})
			res.Added = append(res.Added, id)
			r.log.Info("trigger added",
				logx.String("job", id),
				logx.String("cron", def.Cron),
				logx.Int("parallelism", def.Slots()),
				logx.String("overlap", def.Overlap.String()),
			)
			r.deps.bus.Publish(eventbus.Event{Type: eventbus.TriggerAdded, JobID: id, Data: fp.String()})
		}
	}

	res.sort()
	if g, ok := r.deps.sink.(metrics.TriggerGauge); ok {
		g.SetTriggers(r.triggers.Len())
	}
	lvl := r.log.Debug
	if res.Mutations() > 0 || len(res.Failed) > 0 {
		lvl = r.log.Info
	}
	lvl("reconcile pass done",
		logx.Int("added", len(res.Added)),
		logx.Int("replaced", len(res.Replaced)),
		logx.Int("removed", len(res.Removed)),
		logx.Int("unchanged", len(res.Unchanged)),
		logx.Int("failed", len(res.Failed)),
	)
	return res
}

// fireNow runs one fire of a scheduled job synchronously, outside its cron schedule.
func (r *Reconciler) fireNow(jobID string) (FireResult, bool) {
	t, ok := r.triggers.Get(jobID)
	if !ok || t.run == nil {
		return FireResult{}, false
	}
	return t.run.run(r.deps.now()), true
}

// forget drops the metric series of a job that is no longer scheduled.
func (r *Reconciler) forget(jobID string) {
	if _, live := r.triggers.Get(jobID); live {
		return
	}
	if f, ok := r.deps.sink.(interface{ Forget(string) }); ok {
		f.Forget(jobID)
	}
}

// cancelExecutions aborts attempts still running. Only used after the
// shutdown grace period has passed.
func (r *Reconciler) cancelExecutions() { r.execCancel() }
