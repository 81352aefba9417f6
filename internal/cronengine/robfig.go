package cronengine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	logx "cronpulse/pkg/logx"

	"github.com/robfig/cron/v3"
)

var ErrUnknownHandle = errors.New("unknown trigger handle")

// Parser accepts 5-field and 6-field (leading seconds) expressions plus descriptors
// such as @hourly and @every 5m.
var Parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate reports whether expr parses.
func Validate(expr string) error {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return errors.New("cron expression required")
	}
	if _, err := Parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// NextRuns returns up to n upcoming fire times of expr after from, in loc.
func NextRuns(expr string, loc *time.Location, from time.Time, n int) ([]time.Time, error) {
	sched, err := Parser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.Local
	}
	out := make([]time.Time, 0, n)
	t := from.In(loc)
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out, nil
}

type robfigEntry struct {
	id      string
	expr    string
	entryID cron.EntryID
}

// Robfig is the Engine backed by github.com/robfig/cron/v3.
type Robfig struct {
	log logx.Logger
	loc *time.Location
	c   *cron.Cron

	mu      sync.Mutex
	seq     Handle
	entries map[Handle]robfigEntry
	started bool
}

func NewRobfig(loc *time.Location, log logx.Logger) *Robfig {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.Local
	}
	log = log.With(logx.String("comp", "cronengine"))
	return &Robfig{
		log: log,
		loc: loc,
		c: cron.New(
			cron.WithParser(Parser),
			cron.WithLocation(loc),
			cron.WithChain(cron.Recover(cronLogger{log: log})),
			cron.WithLogger(cronLogger{log: log}),
		),
		entries: map[Handle]robfigEntry{},
	}
}

func (r *Robfig) Location() *time.Location { return r.loc }

func (r *Robfig) Register(id, expr string, fire FireFunc) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerLocked(id, expr, fire)
}

func (r *Robfig) registerLocked(id, expr string, fire FireFunc) (Handle, error) {
	if fire == nil {
		return 0, errors.New("fire callback required")
	}
	expr = strings.TrimSpace(expr)
	loc := r.loc
	eid, err := r.c.AddFunc(expr, func() { fire(time.Now().In(loc)) })
	if err != nil {
		return 0, fmt.Errorf("register %s: %w", id, err)
	}
	r.seq++
	h := r.seq
	r.entries[h] = robfigEntry{id: id, expr: expr, entryID: eid}

	if r.log.Enabled(logx.LevelDebug) {
		args := []logx.Field{logx.String("job", id), logx.String("cron", expr), logx.Uint64("handle", uint64(h))}
		if next, err := NextRuns(expr, loc, time.Now(), 3); err == nil && len(next) > 0 {
			args = append(args, logx.Time("next", next[0]))
		}
		r.log.Debug("trigger registered", args...)
	}
	return h, nil
}

func (r *Robfig) Replace(old Handle, id, expr string, fire FireFunc) (Handle, error) {
	// A bad expression leaves the old registration in place.
	if err := Validate(expr); err != nil {
		return 0, fmt.Errorf("replace %s: %w", id, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.cancelLocked(old); err != nil && !errors.Is(err, ErrUnknownHandle) {
		return 0, err
	}
	return r.registerLocked(id, expr, fire)
}

func (r *Robfig) Cancel(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelLocked(h)
}

func (r *Robfig) cancelLocked(h Handle) error {
	e, ok := r.entries[h]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}
	r.c.Remove(e.entryID)
	delete(r.entries, h)
	r.log.Debug("trigger canceled", logx.String("job", e.id), logx.Uint64("handle", uint64(h)))
	return nil
}

func (r *Robfig) Entries() []Entry {
	r.mu.Lock()
	out := make([]Entry, 0, len(r.entries))
	for h, e := range r.entries {
		ce := r.c.Entry(e.entryID)
		out = append(out, Entry{Handle: h, ID: e.id, Expr: e.expr, Next: ce.Next, Prev: ce.Prev})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Robfig) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	r.c.Start()
	r.log.Info("cron engine started", logx.String("tz", r.loc.String()), logx.Int("triggers", len(r.entries)))
}

func (r *Robfig) Stop(ctx context.Context) error {
	start := time.Now()
	r.mu.Lock()
	started := r.started
	r.started = false
	r.mu.Unlock()
	if !started {
		return nil
	}

	select {
	case <-r.c.Stop().Done():
		r.log.Info("cron engine stopped", logx.Duration("took", time.Since(start)))
		return nil
	case <-ctx.Done():
		r.log.Warn("cron engine stop timed out; fires still running", logx.Duration("took", time.Since(start)))
		return ctx.Err()
	}
}

// cronLogger adapts logx to cron.Logger. Routine info output goes to debug.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	fields := append(kvFields(keysAndValues), logx.Err(err))
	l.log.Error("cron: "+msg, fields...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
