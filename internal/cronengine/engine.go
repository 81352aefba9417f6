// Package cronengine evaluates cron expressions in a fixed time zone and invokes
// a callback at each fire time.
//
// The Engine interface is all the scheduler sees; the robfig/cron backed
// implementation lives behind it.
package cronengine

import (
	"context"
	"time"
)

// Handle identifies one registration. The zero Handle is never issued.
type Handle uint64

// FireFunc runs at each fire. It receives the fire time in the engine's location.
type FireFunc func(at time.Time)

// Entry is a point-in-time view of one registration.
type Entry struct {
	Handle Handle
	ID     string
	Expr   string
	Next   time.Time
	Prev   time.Time
}

// Engine owns trigger lifecycle.
//
// Cancel affects only future fires: a callback already running is never
// interrupted. Callbacks of different registrations run concurrently.
type Engine interface {
	Register(id, expr string, fire FireFunc) (Handle, error)
	// Replace cancels old and registers a fresh trigger. A fire due in between is
	// lost. When expr is invalid, old stays registered.
	Replace(old Handle, id, expr string, fire FireFunc) (Handle, error)
	Cancel(h Handle) error
	Entries() []Entry
	Location() *time.Location
	Start()
	// Stop halts future fires and waits for running callbacks until ctx ends.
	Stop(ctx context.Context) error
}
