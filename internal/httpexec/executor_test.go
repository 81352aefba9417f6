package httpexec

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"cronpulse/internal/job"
	logx "cronpulse/pkg/logx"

	"github.com/stretchr/testify/require"
)

type scripted struct {
	mu    sync.Mutex
	steps []func() (Response, error)
	calls int
}

func (s *scripted) Send(ctx context.Context, req Request) (Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	}
	return s.steps[i]()
}

func status(code int, body string) func() (Response, error) {
	return func() (Response, error) { return Response{StatusCode: code, Body: []byte(body)}, nil }
}

func transportErr() (Response, error) {
	return Response{}, errors.New("connection refused")
}

func newTestExecutor(tr Transport) (*Executor, *[]time.Duration) {
	ex := New(tr, Config{}, logx.Nop())
	var delays []time.Duration
	ex.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return ex, &delays
}

func tmpl(maxAttempts int, base time.Duration) job.Request {
	return job.Request{
		Method:  "GET",
		URL:     "http://x/health",
		Timeout: time.Second,
		Retry:   job.RetryPolicy{MaxAttempts: maxAttempts, BackoffBase: base},
	}
}

func TestExecuteRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	tr := &scripted{steps: []func() (Response, error){transportErr, transportErr, status(200, "ok")}}
	ex, delays := newTestExecutor(tr)

	out := ex.Execute(context.Background(), "ping", tmpl(3, 100*time.Millisecond))
	require.True(t, out.OK)
	require.Len(t, out.Attempts, 3)
	require.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, *delays)
	require.Equal(t, "ok", string(out.Body))
	require.Equal(t, KindNone, out.Kind)
}

func TestExecuteRejectedIsTerminal(t *testing.T) {
	t.Parallel()
	tr := &scripted{steps: []func() (Response, error){status(404, "missing")}}
	ex, delays := newTestExecutor(tr)

	out := ex.Execute(context.Background(), "ping", tmpl(5, 10*time.Millisecond))
	require.False(t, out.OK)
	require.Len(t, out.Attempts, 1)
	require.Empty(t, *delays)
	require.Equal(t, KindRejected, out.Kind)
	require.ErrorIs(t, out.Err, ErrRejected)
	require.False(t, IsNoRetry(out.Err))
	require.Equal(t, 404, out.Status)

	var se *StatusError
	require.ErrorAs(t, out.Err, &se)
	require.Equal(t, 404, se.Code)
}

func TestExecuteServerErrorExhaustsRetries(t *testing.T) {
	t.Parallel()
	tr := &scripted{steps: []func() (Response, error){status(503, "busy")}}
	ex, delays := newTestExecutor(tr)

	out := ex.Execute(context.Background(), "ping", tmpl(2, 50*time.Millisecond))
	require.False(t, out.OK)
	require.Len(t, out.Attempts, 3)
	require.Equal(t, []time.Duration{50 * time.Millisecond, 100 * time.Millisecond}, *delays)
	require.Equal(t, KindServer, out.Kind)
	require.ErrorIs(t, out.Err, ErrServer)
}

func TestExecuteNoRetriesConfigured(t *testing.T) {
	t.Parallel()
	tr := &scripted{steps: []func() (Response, error){transportErr}}
	ex, _ := newTestExecutor(tr)

	out := ex.Execute(context.Background(), "ping", tmpl(0, time.Second))
	require.False(t, out.OK)
	require.Len(t, out.Attempts, 1)
	require.Equal(t, KindTransport, out.Kind)
	require.ErrorIs(t, out.Err, ErrTransport)
}

func TestExecuteTimeoutIsRetryable(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(block)
		srv.Close()
	})

	ex, delays := newTestExecutor(NewHTTPTransport(TransportConfig{}))
	req := tmpl(1, 10*time.Millisecond)
	req.URL = srv.URL
	req.Timeout = 50 * time.Millisecond

	out := ex.Execute(context.Background(), "slow", req)
	require.False(t, out.OK)
	require.Len(t, out.Attempts, 2)
	require.Len(t, *delays, 1)
	require.Equal(t, KindTimeout, out.Kind)
	require.ErrorIs(t, out.Err, ErrTimeout)
}

func TestHTTPTransportFullBodyAndHeaders(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("x", 4096)
	seen := make(chan *http.Request, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Clone(context.Background())
		_, _ = w.Write([]byte(long))
	}))
	t.Cleanup(srv.Close)

	ex, _ := newTestExecutor(NewHTTPTransport(TransportConfig{UserAgent: "cronpulse-test"}))
	req := tmpl(0, 0)
	req.Method = "post"
	req.URL = srv.URL
	req.Headers = map[string]string{"X-Token": "abc"}
	req.Body = []byte(`{"a":1}`)

	out := ex.Execute(context.Background(), "ping", req)
	require.True(t, out.OK)
	require.Equal(t, long, string(out.Body))
	got := <-seen
	require.Equal(t, "cronpulse-test", got.UserAgent())
	require.Equal(t, "abc", got.Header.Get("X-Token"))
	require.Equal(t, "POST", got.Method)
}

func TestHTTPTransportConnectionRefused(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	ex, _ := newTestExecutor(NewHTTPTransport(TransportConfig{}))
	req := tmpl(0, 0)
	req.URL = url
	out := ex.Execute(context.Background(), "ping", req)
	require.False(t, out.OK)
	require.Equal(t, KindTransport, out.Kind)
}

func TestExecuteStopsOnCancel(t *testing.T) {
	t.Parallel()
	tr := &scripted{steps: []func() (Response, error){transportErr}}
	ex := New(tr, Config{}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	ex.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	out := ex.Execute(ctx, "ping", tmpl(5, time.Second))
	require.False(t, out.OK)
	require.Len(t, out.Attempts, 1)
}

func TestExecuteRecoversTransportPanic(t *testing.T) {
	t.Parallel()
	tr := TransportFunc(func(ctx context.Context, req Request) (Response, error) { panic("boom") })
	ex, _ := newTestExecutor(tr)
	out := ex.Execute(context.Background(), "ping", tmpl(0, 0))
	require.False(t, out.OK)
	require.Equal(t, KindTransport, out.Kind)
}

func TestBackoffDelayJitterBounds(t *testing.T) {
	t.Parallel()
	ex := New(nil, Config{Jitter: 0.2}, logx.Nop())
	for i := 0; i < 50; i++ {
		d := ex.backoffDelay(100*time.Millisecond, 2)
		require.GreaterOrEqual(t, d, 160*time.Millisecond)
		require.LessOrEqual(t, d, 240*time.Millisecond)
	}
	require.Equal(t, time.Duration(0), ex.backoffDelay(0, 3))
	require.Equal(t, maxBackoff, New(nil, Config{}, logx.Nop()).backoffDelay(time.Second, 40))
}

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want Kind
	}{
		{nil, KindNone},
		{ErrTimeout, KindTimeout},
		{&StatusError{Code: 500, kind: ErrServer}, KindServer},
		{NoRetry(&StatusError{Code: 400, kind: ErrRejected}), KindRejected},
		{errors.New("other"), KindTransport},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, Classify(tt.err))
	}
}
