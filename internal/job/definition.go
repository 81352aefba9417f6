// Package job holds the desired-state value objects that flow from config to the
// scheduler and on into every fire.
//
// A Definition is immutable once built: the scheduler captures it by value in
// the fire closure, so a later reconcile pass never mutates data a running
// fire is using.
package job

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"time"
)

// OverlapPolicy decides what happens when a job fires while its previous fire
// is still running.
type OverlapPolicy int

const (
	// OverlapAllow lets fires of the same job run concurrently.
	OverlapAllow OverlapPolicy = iota
	// OverlapSkip drops a fire while the previous one is still in flight.
	OverlapSkip
)

func (p OverlapPolicy) String() string {
	switch p {
	case OverlapSkip:
		return "skip"
	default:
		return "allow"
	}
}

// ParseOverlap maps the config value to a policy. Empty means allow.
func ParseOverlap(raw string) (OverlapPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "allow":
		return OverlapAllow, nil
	case "skip", "skip_if_running", "forbid":
		return OverlapSkip, nil
	default:
		return OverlapAllow, fmt.Errorf("invalid overlap policy %q (use allow or skip)", raw)
	}
}

// RetryPolicy bounds the executor's retry loop.
//
// MaxAttempts counts additional tries after the first one.
type RetryPolicy struct {
	MaxAttempts int
	BackoffBase time.Duration
}

// Request is the HTTP request template of a job.
type Request struct {
	Method  string
	URL     string
	Timeout time.Duration
	Headers map[string]string
	Body    []byte
	// BodyRef is the configured body_file path (informational; Body holds the content).
	BodyRef string
	Retry   RetryPolicy
}

// Definition is one desired job.
type Definition struct {
	ID          string
	Cron        string
	Parallelism int
	Overlap     OverlapPolicy
	Request     Request
}

// Slots returns the effective fan-out width (at least 1).
func (d Definition) Slots() int {
	if d.Parallelism < 1 {
		return 1
	}
	return d.Parallelism
}

// Clone returns a deep copy so callers can hand it to goroutines without
// sharing the header map or body slice.
func (d Definition) Clone() Definition {
	cp := d
	if d.Request.Headers != nil {
		cp.Request.Headers = make(map[string]string, len(d.Request.Headers))
		for k, v := range d.Request.Headers {
			cp.Request.Headers[k] = v
		}
	}
	if d.Request.Body != nil {
		cp.Request.Body = append([]byte(nil), d.Request.Body...)
	}
	return cp
}

// Fingerprint identifies everything that requires a trigger replacement when it
// changes: the schedule, the fan-out shape, and every request-identifying field.
type Fingerprint uint64

func (f Fingerprint) String() string { return fmt.Sprintf("%016x", uint64(f)) }

// Fingerprint hashes d with FNV-64a. Header order does not matter.
func (d Definition) Fingerprint() Fingerprint {
	h := fnv.New64a()
	w := func(s string) {
		_, _ = h.Write([]byte(s))
		_, _ = h.Write([]byte{0})
	}
	n := func(v int64) {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(v))
		_, _ = h.Write(b[:])
	}

	w(strings.TrimSpace(d.Cron))
	n(int64(d.Slots()))
	n(int64(d.Overlap))
	w(strings.ToUpper(d.Request.Method))
	w(d.Request.URL)
	n(int64(d.Request.Timeout))
	n(int64(d.Request.Retry.MaxAttempts))
	n(int64(d.Request.Retry.BackoffBase))

	keys := make([]string, 0, len(d.Request.Headers))
	for k := range d.Request.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		w(strings.ToLower(k))
		w(d.Request.Headers[k])
	}
	n(int64(len(d.Request.Body)))
	_, _ = h.Write(d.Request.Body)
	return Fingerprint(h.Sum64())
}
