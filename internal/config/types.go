package config

import "encoding/json"

// Config is the whole config file. YAML and JSON share this schema; unknown
// keys are rejected.
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Checkpoint CheckpointConfig `json:"checkpoint"`
	HTTP       HTTPConfig       `json:"http"`
	Admin      AdminConfig      `json:"admin"`
	Jobs       []JobConfig      `json:"jobs"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	// Format is "console" (default) or "json" for the stdout sink.
	Format string      `json:"format,omitempty"`
	File   LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the reconcile loop and the cron engine.
//
// Durations are Go duration strings ("30s", "1m").
//
// Defaults:
//   - timezone: "Asia/Seoul"
//   - reconcile_interval: "1m"
//   - shutdown_timeout: "30s"
type SchedulerConfig struct {
	Timezone          string `json:"timezone,omitempty"`
	ReconcileInterval string `json:"reconcile_interval,omitempty"`
	ShutdownTimeout   string `json:"shutdown_timeout,omitempty"`
}

// CheckpointConfig selects the checkpoint backend.
//
// Example:
//
//	"checkpoint": { "driver": "file", "path": "state/checkpoints.json" }
type CheckpointConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// HTTPConfig tunes the shared outbound client.
type HTTPConfig struct {
	UserAgent string `json:"user_agent,omitempty"`
	// RatePerSec caps outbound attempts across all jobs; 0 disables the limiter.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
	// RetryJitter spreads retry delays by +/- the given fraction (0..1).
	RetryJitter  float64 `json:"retry_jitter,omitempty"`
	MaxIdleConns int     `json:"max_idle_conns,omitempty"`
}

// AdminConfig controls the optional read-only HTTP surface.
//
// Security note: prefer a loopback addr. A non-loopback addr needs a token
// or allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9090"
	Token         string `json:"token,omitempty"` // bearer token (never logged)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}

// JobConfig is one job entry.
type JobConfig struct {
	ID          string        `json:"id"`
	Cron        string        `json:"cron"`
	Parallelism int           `json:"parallelism,omitempty"`
	Overlap     string        `json:"overlap,omitempty"` // allow (default) | skip
	Request     RequestConfig `json:"request"`
}

type RequestConfig struct {
	URL       string            `json:"url"`
	Method    string            `json:"method,omitempty"`
	TimeoutMs int               `json:"timeout_ms,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	// Body is sent verbatim when it is a string, or as compact JSON otherwise.
	Body json.RawMessage `json:"body,omitempty"`
	// BodyFile is read at load time, relative to the config file directory.
	BodyFile string      `json:"body_file,omitempty"`
	Retry    RetryConfig `json:"retry"`
}

type RetryConfig struct {
	Max       int  `json:"max,omitempty"`
	BackoffMs *int `json:"backoff_ms,omitempty"`
}
