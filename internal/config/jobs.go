package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cronpulse/internal/cronengine"
	"cronpulse/internal/job"
)

const (
	defaultMethod    = "GET"
	defaultTimeoutMs = 30000
	defaultBackoffMs = 200
)

// Definitions converts the jobs section into validated job definitions.
// body_file paths are resolved against baseDir and read here.
func (c *Config) Definitions(baseDir string) ([]job.Definition, error) {
	out := make([]job.Definition, 0, len(c.Jobs))
	seen := make(map[string]struct{}, len(c.Jobs))
	var errs []error
	for i, jc := range c.Jobs {
		d, err := jc.definition(baseDir)
		if err != nil {
			errs = append(errs, fmt.Errorf("jobs[%d]: %w", i, err))
			continue
		}
		if _, dup := seen[d.ID]; dup {
			errs = append(errs, fmt.Errorf("jobs[%d]: duplicate id %q", i, d.ID))
			continue
		}
		seen[d.ID] = struct{}{}
		out = append(out, d)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func (jc JobConfig) definition(baseDir string) (job.Definition, error) {
	id := strings.TrimSpace(jc.ID)
	if id == "" {
		return job.Definition{}, errors.New("id required")
	}
	wrap := func(field string, err error) error { return fmt.Errorf("%s.%s: %w", id, field, err) }

	cronExpr := strings.TrimSpace(jc.Cron)
	if err := cronengine.Validate(cronExpr); err != nil {
		return job.Definition{}, wrap("cron", err)
	}
	if jc.Parallelism < 0 {
		return job.Definition{}, wrap("parallelism", errors.New("must be >= 1"))
	}
	parallelism := jc.Parallelism
	if parallelism == 0 {
		parallelism = 1
	}
	overlap, err := job.ParseOverlap(jc.Overlap)
	if err != nil {
		return job.Definition{}, wrap("overlap", err)
	}

	req, err := jc.Request.request(baseDir)
	if err != nil {
		return job.Definition{}, fmt.Errorf("%s.request%w", id, err)
	}
	return job.Definition{
		ID:          id,
		Cron:        cronExpr,
		Parallelism: parallelism,
		Overlap:     overlap,
		Request:     req,
	}, nil
}

// errors returned here start with "." or ":" so the caller can prefix the field path.
func (rc RequestConfig) request(baseDir string) (job.Request, error) {
	raw := strings.TrimSpace(rc.URL)
	u, err := url.Parse(raw)
	if raw == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return job.Request{}, fmt.Errorf(".url: invalid %q (need an absolute http or https URL)", rc.URL)
	}

	method := strings.ToUpper(strings.TrimSpace(rc.Method))
	if method == "" {
		method = defaultMethod
	}
	if !isToken(method) {
		return job.Request{}, fmt.Errorf(".method: invalid %q", rc.Method)
	}

	if rc.TimeoutMs < 0 {
		return job.Request{}, errors.New(".timeout_ms: must be > 0")
	}
	timeoutMs := rc.TimeoutMs
	if timeoutMs == 0 {
		timeoutMs = defaultTimeoutMs
	}

	if rc.Retry.Max < 0 {
		return job.Request{}, errors.New(".retry.max: must be >= 0")
	}
	backoffMs := defaultBackoffMs
	if rc.Retry.BackoffMs != nil {
		backoffMs = *rc.Retry.BackoffMs
	}
	if backoffMs < 0 {
		return job.Request{}, errors.New(".retry.backoff_ms: must be >= 0")
	}

	for k := range rc.Headers {
		if !isToken(k) {
			return job.Request{}, fmt.Errorf(".headers: invalid name %q", k)
		}
	}

	body, err := rc.body(baseDir)
	if err != nil {
		return job.Request{}, err
	}

	var headers map[string]string
	if len(rc.Headers) > 0 {
		headers = make(map[string]string, len(rc.Headers))
		for k, v := range rc.Headers {
			headers[k] = v
		}
	}
	return job.Request{
		Method:  method,
		URL:     raw,
		Timeout: time.Duration(timeoutMs) * time.Millisecond,
		Headers: headers,
		Body:    body,
		BodyRef: rc.BodyFile,
		Retry: job.RetryPolicy{
			MaxAttempts: rc.Retry.Max,
			BackoffBase: time.Duration(backoffMs) * time.Millisecond,
		},
	}, nil
}

func (rc RequestConfig) body(baseDir string) ([]byte, error) {
	inline := len(bytes.TrimSpace(rc.Body)) > 0 && string(bytes.TrimSpace(rc.Body)) != "null"
	file := strings.TrimSpace(rc.BodyFile)
	if inline && file != "" {
		return nil, errors.New(": body and body_file are mutually exclusive")
	}
	if file != "" {
		p := file
		if !filepath.IsAbs(p) {
			p = filepath.Join(baseDir, p)
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf(".body_file: %w", err)
		}
		return b, nil
	}
	if !inline {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(rc.Body, &s); err == nil {
		return []byte(s), nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, rc.Body); err != nil {
		return nil, fmt.Errorf(".body: %w", err)
	}
	return buf.Bytes(), nil
}

// isToken reports whether s is an RFC 7230 token (method or header name).
func isToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0:
		default:
			return false
		}
	}
	return true
}
