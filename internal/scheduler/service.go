package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"cronpulse/internal/cronengine"
	logx "cronpulse/pkg/logx"
)

const defaultInterval = time.Minute

type Config struct {
	// Interval is the reconciliation cadence.
	Interval time.Duration
	// ShutdownTimeout bounds how long Stop waits for running fires.
	ShutdownTimeout time.Duration
}

// Status is the state of the reconcile loop.
type Status struct {
	Timezone   string    `json:"timezone"`
	Interval   string    `json:"interval"`
	Passes     uint64    `json:"passes"`
	LastPass   time.Time `json:"last_pass"`
	LastResult Result    `json:"last_result"`
	LastError  string    `json:"last_error,omitempty"`
	Triggers   int       `json:"triggers"`
}

// TriggerInfo is a read-only view of one live trigger for the admin surface.
type TriggerInfo struct {
	JobID       string    `json:"job_id"`
	Cron        string    `json:"cron"`
	Parallelism int       `json:"parallelism"`
	Overlap     string    `json:"overlap"`
	Method      string    `json:"method"`
	URL         string    `json:"url"`
	Fingerprint string    `json:"fingerprint"`
	Since       time.Time `json:"since"`
	Next        time.Time `json:"next,omitempty"`
	Prev        time.Time `json:"prev,omitempty"`
	InFlight    int       `json:"in_flight"`
}

// Service drives the Reconciler on a fixed cadence and on demand.
type Service struct {
	cfg    Config
	rec    *Reconciler
	engine cronengine.Engine
	src    DesiredSource
	log    logx.Logger

	poke chan struct{}

	mu     sync.Mutex
	status Status
}

func New(cfg Config, src DesiredSource, d Deps) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	rec := NewReconciler(d)
	s := &Service{
		cfg:    cfg,
		rec:    rec,
		engine: d.Engine,
		src:    src,
		log:    rec.log,
		poke:   make(chan struct{}, 1),
	}
	s.status.Interval = cfg.Interval.String()
	if loc := d.Engine.Location(); loc != nil {
		s.status.Timezone = loc.String()
	}
	return s
}

func (s *Service) Reconciler() *Reconciler { return s.rec }

// Poke requests an immediate pass. It never blocks; pokes coalesce.
func (s *Service) Poke() {
	select {
	case s.poke <- struct{}{}:
	default:
	}
}

// Run starts the cron engine, reconciles once, then keeps reconciling every
// Interval (or when poked) until ctx ends. A failed pass never stops the loop.
func (s *Service) Run(ctx context.Context) error {
	s.engine.Start()
	s.log.Info("reconcile loop started", logx.Duration("interval", s.cfg.Interval))

	s.RunPass(ctx)
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("reconcile loop stopped")
			return ctx.Err()
		case <-t.C:
			s.RunPass(ctx)
		case <-s.poke:
			s.RunPass(ctx)
		}
	}
}

// RunPass runs one reconciliation pass and records its outcome.
func (s *Service) RunPass(ctx context.Context) Result {
	res, err := s.rec.Pass(ctx, s.src)
	s.mu.Lock()
	s.status.Passes++
	s.status.LastPass = time.Now()
	s.status.LastError = ""
	if err != nil {
		s.status.LastError = err.Error()
	} else {
		s.status.LastResult = res
		if len(res.Failed) > 0 {
			errs := make([]error, 0, len(res.Failed))
			for _, e := range res.Failed {
				errs = append(errs, e)
			}
			s.status.LastError = errors.Join(errs...).Error()
		}
	}
	s.mu.Unlock()
	return res
}

// Stop halts future fires and waits up to ShutdownTimeout for running ones.
// Attempts still running after that are canceled.
func (s *Service) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	err := s.engine.Stop(ctx)
	if err != nil {
		s.log.Warn("fires still running at shutdown; canceling", logx.Err(err))
	}
	s.rec.cancelExecutions()
	return err
}

func (s *Service) Status() Status {
	s.mu.Lock()
	st := s.status
	s.mu.Unlock()
	st.Triggers = s.rec.triggers.Len()
	return st
}

// Triggers joins the trigger set with the engine's next/prev fire times.
func (s *Service) Triggers() []TriggerInfo {
	entries := map[cronengine.Handle]cronengine.Entry{}
	for _, e := range s.engine.Entries() {
		entries[e.Handle] = e
	}
	snap := s.rec.triggers.Snapshot()
	out := make([]TriggerInfo, 0, len(snap))
	for _, t := range snap {
		e := entries[t.Handle]
		out = append(out, TriggerInfo{
			JobID:       t.JobID,
			Cron:        t.Def.Cron,
			Parallelism: t.Def.Slots(),
			Overlap:     t.Def.Overlap.String(),
			Method:      t.Def.Request.Method,
			URL:         t.Def.Request.URL,
			Fingerprint: t.Fingerprint.String(),
			Since:       t.Since,
			Next:        e.Next,
			Prev:        e.Prev,
			InFlight:    t.InFlight(),
		})
	}
	return out
}
