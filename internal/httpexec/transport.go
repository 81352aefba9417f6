package httpexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// Request is one concrete HTTP call built from a job's request template.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// Response is the raw result of a call. Non-2xx statuses are not errors at this layer.
type Response struct {
	StatusCode int
	Body       []byte
}

// Transport sends one request and honors ctx (which carries the per-attempt deadline).
//
// Implementations must wrap deadline expiry with ErrTimeout and every other
// failure to obtain a response with ErrTransport.
type Transport interface {
	Send(ctx context.Context, req Request) (Response, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req Request) (Response, error)

func (f TransportFunc) Send(ctx context.Context, req Request) (Response, error) { return f(ctx, req) }

// TransportConfig configures HTTPTransport.
type TransportConfig struct {
	UserAgent       string
	MaxIdleConns    int
	IdleConnTimeout time.Duration
}

// HTTPTransport is the net/http backed Transport.
type HTTPTransport struct {
	client    *http.Client
	userAgent string
}

func NewHTTPTransport(cfg TransportConfig) *HTTPTransport {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.MaxIdleConns > 0 {
		tr.MaxIdleConns = cfg.MaxIdleConns
		tr.MaxIdleConnsPerHost = cfg.MaxIdleConns
	}
	if cfg.IdleConnTimeout > 0 {
		tr.IdleConnTimeout = cfg.IdleConnTimeout
	}
	ua := strings.TrimSpace(cfg.UserAgent)
	if ua == "" {
		ua = "cronpulse"
	}
	// No client-level timeout: the executor sets a per-attempt deadline on ctx.
	return &HTTPTransport{client: &http.Client{Transport: tr}, userAgent: ua}
}

func (t *HTTPTransport) Send(ctx context.Context, req Request) (Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hr, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return Response{}, NoRetry(fmt.Errorf("%w: build request: %w", ErrRejected, err))
	}
	hr.Header.Set("User-Agent", t.userAgent)
	if len(req.Body) > 0 {
		hr.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		hr.Header.Set(k, v)
	}

	resp, err := t.client.Do(hr)
	if err != nil {
		return Response{}, classifyNetErr(ctx, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, classifyNetErr(ctx, err)
	}
	return Response{StatusCode: resp.StatusCode, Body: b}, nil
}

func classifyNetErr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}
