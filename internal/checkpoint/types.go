package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrWriteFailed wraps any failure to persist a save. Callers treat it as
	// non-fatal: the job execution that triggered the save is not failed.
	ErrWriteFailed = errors.New("checkpoint write failed")
	// ErrReadCorrupt is logged when the persisted mapping cannot be decoded.
	// Reads degrade to an empty mapping.
	ErrReadCorrupt = errors.New("checkpoint read corrupt")
	ErrClosed      = errors.New("checkpoint store closed")
)

// Record is the persisted state of one job.
//
// JSON shape (file driver):
//
//	{"lastSuccess": "2025-01-02T03:04:05Z", "offset": "abc", "lastUpdate": "2025-01-02T03:04:05.123Z"}
type Record struct {
	LastSuccess *time.Time      `json:"lastSuccess,omitempty"`
	Offset      *string         `json:"offset,omitempty"`
	LastUpdate  time.Time       `json:"lastUpdate"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// IsZero reports whether r is the empty default returned for unknown jobs.
func (r Record) IsZero() bool {
	return r.LastSuccess == nil && r.Offset == nil && r.LastUpdate.IsZero() && len(r.Data) == 0
}

// Patch is a partial update merged into an existing Record. Nil fields are kept.
type Patch struct {
	LastSuccess *time.Time
	Offset      *string
	Data        json.RawMessage
}

func (p Patch) apply(r Record) Record {
	if p.LastSuccess != nil {
		t := p.LastSuccess.UTC()
		r.LastSuccess = &t
	}
	if p.Offset != nil {
		o := *p.Offset
		r.Offset = &o
	}
	if p.Data != nil {
		r.Data = append(json.RawMessage(nil), p.Data...)
	}
	return r
}

// Store is the checkpoint persistence API.
type Store interface {
	// Save merges p into the job's record and persists the whole mapping.
	Save(ctx context.Context, jobID string, p Patch) error
	// Load returns the job's record, or the zero Record if absent.
	Load(ctx context.Context, jobID string) (Record, error)
	// LoadAll returns the full mapping.
	LoadAll(ctx context.Context) (map[string]Record, error)
	Close() error
}

// Config configures the store.
//
// Driver values:
//   - "file" (default): single JSON file, atomic replace
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// nextUpdate returns a lastUpdate that is strictly after prev, so per-job
// updates from this process never move backwards even if the wall clock does.
func nextUpdate(now, prev time.Time) time.Time {
	now = now.UTC()
	if !prev.IsZero() && !now.After(prev) {
		return prev.Add(time.Microsecond)
	}
	return now
}
