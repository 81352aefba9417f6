package httpexec

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport covers connection, DNS, TLS and protocol failures. Retryable.
	ErrTransport = errors.New("request transport error")
	// ErrTimeout means the per-attempt timeout elapsed. Retryable.
	ErrTimeout = errors.New("request timeout")
	// ErrRejected is a 4xx (or otherwise unusable) response. Terminal.
	ErrRejected = errors.New("request rejected")
	// ErrServer is a 5xx response. Retryable.
	ErrServer = errors.New("server error")
)

// Kind classifies a terminal failure.
type Kind int

const (
	KindNone Kind = iota
	KindTransport
	KindTimeout
	KindRejected
	KindServer
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindTimeout:
		return "timeout"
	case KindRejected:
		return "rejected"
	case KindServer:
		return "server"
	default:
		return "none"
	}
}

// Classify maps an attempt error to its Kind.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrRejected):
		return KindRejected
	case errors.Is(err, ErrServer):
		return KindServer
	default:
		return KindTransport
	}
}

// NoRetry marks an error as non-retryable.
//
// Example:
//
//	return httpexec.NoRetry(fmt.Errorf("bad input: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// StatusError carries the HTTP status of a non-2xx response.
type StatusError struct {
	Code int
	Body string
	kind error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%v: status %d", e.kind, e.Code)
}

func (e *StatusError) Unwrap() error { return e.kind }
