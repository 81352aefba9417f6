// Package httpexec performs one job's HTTP request with per-attempt timeouts
// and a bounded exponential retry loop.
package httpexec

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"cronpulse/internal/job"
	logx "cronpulse/pkg/logx"

	"golang.org/x/time/rate"
)

const (
	defaultTimeout = 30 * time.Second
	maxBackoff     = 5 * time.Minute
	logBodyLimit   = 100
)

// Config tunes an Executor.
type Config struct {
	// RatePerSec caps attempts per second across all jobs. Zero disables the limiter.
	RatePerSec float64
	Burst      int
	// Jitter spreads retry delays by +/- Jitter (0..1). Zero keeps delays exact.
	Jitter float64
}

// Attempt is one try of a request.
type Attempt struct {
	Number   int
	Start    time.Time
	Duration time.Duration
	Status   int
	Err      error
}

// Outcome is the final result of Execute.
type Outcome struct {
	OK     bool
	Status int
	// Body is the full response body of the last attempt that got a response.
	Body     []byte
	Attempts []Attempt
	Kind     Kind
	Err      error
}

// Executor runs request templates against a Transport.
type Executor struct {
	tr      Transport
	log     logx.Logger
	limiter *rate.Limiter
	jitter  float64

	rngMu sync.Mutex
	rng   *rand.Rand

	sleep func(ctx context.Context, d time.Duration) error
}

func New(tr Transport, cfg Config, log logx.Logger) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Executor{
		tr:     tr,
		log:    log.With(logx.String("comp", "httpexec")),
		jitter: clampJitter(cfg.Jitter),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:  sleepCtx,
	}
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return e
}

// Execute sends tmpl until it succeeds, fails terminally, or exhausts
// 1+Retry.MaxAttempts tries. It never panics on a transport failure.
func (e *Executor) Execute(ctx context.Context, jobID string, tmpl job.Request) Outcome {
	req := Request{
		Method:  strings.ToUpper(strings.TrimSpace(tmpl.Method)),
		URL:     tmpl.URL,
		Headers: tmpl.Headers,
		Body:    tmpl.Body,
	}
	if req.Method == "" {
		req.Method = "GET"
	}
	timeout := tmpl.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retries := tmpl.Retry.MaxAttempts
	if retries < 0 {
		retries = 0
	}
	maxAttempts := 1 + retries

	var out Outcome
	var err error
attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if e.limiter != nil {
			if werr := e.limiter.Wait(ctx); werr != nil {
				err = fmt.Errorf("%w: rate limiter: %w", ErrTransport, werr)
				break
			}
		}

		var resp Response
		start := time.Now()
		resp, err = e.attempt(ctx, req, timeout)
		a := Attempt{Number: attempt, Start: start, Duration: time.Since(start), Status: resp.StatusCode, Err: err}
		out.Attempts = append(out.Attempts, a)
		if resp.StatusCode != 0 {
			out.Status = resp.StatusCode
			out.Body = resp.Body
		}

		if err == nil {
			e.log.Debug("request ok",
				logx.String("job", jobID),
				logx.Int("attempt", attempt),
				logx.Int("status", resp.StatusCode),
				logx.Duration("dur", a.Duration),
				logx.String("body", logx.Truncate(string(resp.Body), logBodyLimit)),
			)
			break
		}
		if IsNoRetry(err) || ctx.Err() != nil || attempt >= maxAttempts {
			break
		}

		delay := e.backoffDelay(tmpl.Retry.BackoffBase, attempt)
		e.log.Debug("request retry scheduled",
			logx.String("job", jobID),
			logx.Int("attempt", attempt+1),
			logx.Duration("delay", delay),
			logx.Any("err", err),
		)
		if delay > 0 {
			if serr := e.sleep(ctx, delay); serr != nil {
				break attemptLoop
			}
		}
	}

	if err == nil {
		out.OK = true
		return out
	}
	out.Err = unwrapNoRetry(err)
	out.Kind = Classify(out.Err)
	e.log.Warn("request failed",
		logx.String("job", jobID),
		logx.String("kind", out.Kind.String()),
		logx.Int("attempts", len(out.Attempts)),
		logx.Int("status", out.Status),
		logx.Any("err", out.Err),
	)
	return out
}

func (e *Executor) attempt(ctx context.Context, req Request, timeout time.Duration) (resp Response, err error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrTransport, r)
		}
	}()

	resp, err = e.tr.Send(actx, req)
	if err != nil {
		if !errors.Is(err, ErrTimeout) && !errors.Is(err, ErrTransport) && !errors.Is(err, ErrRejected) {
			if errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				err = fmt.Errorf("%w: %w", ErrTimeout, err)
			} else {
				err = fmt.Errorf("%w: %w", ErrTransport, err)
			}
		}
		return resp, err
	}
	return resp, statusErr(resp)
}

func statusErr(resp Response) error {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code >= 500:
		return &StatusError{Code: code, Body: logx.Truncate(string(resp.Body), logBodyLimit), kind: ErrServer}
	default:
		// 4xx plus anything else that is neither success nor a server fault.
		return NoRetry(&StatusError{Code: code, Body: logx.Truncate(string(resp.Body), logBodyLimit), kind: ErrRejected})
	}
}

// backoffDelay returns the wait before try retry+1: base * 2^(retry-1).
func (e *Executor) backoffDelay(base time.Duration, retry int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if d > maxBackoff || d <= 0 {
			d = maxBackoff
			break
		}
	}
	if e.jitter > 0 {
		e.rngMu.Lock()
		r := (e.rng.Float64()*2 - 1) * e.jitter
		e.rngMu.Unlock()
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func unwrapNoRetry(err error) error {
	var nr noRetryError
	if errors.As(err, &nr) {
		return nr.err
	}
	return err
}

func clampJitter(j float64) float64 {
	if j < 0 {
		return 0
	}
	if j > 1 {
		return 1
	}
	return j
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}
