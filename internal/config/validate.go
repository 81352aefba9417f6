package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

const (
	DefaultTimezone          = "Asia/Seoul"
	DefaultReconcileInterval = time.Minute
	DefaultShutdownTimeout   = 30 * time.Second
	DefaultAdminAddr         = "127.0.0.1:9090"
)

// Duration parses a non-negative Go duration string. Empty or zero yields def.
func Duration(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

// Location resolves scheduler.timezone (default Asia/Seoul).
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Scheduler.Timezone)
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
	}
	return loc, nil
}

// Validate checks every section. Job errors are joined so one pass reports all of them.
func Validate(cfg *Config, baseDir string) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Format)) {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.format: unknown %q (use console or json)", cfg.Logging.Format)
	}
	if _, err := cfg.Location(); err != nil {
		return err
	}
	if _, err := Duration("scheduler.reconcile_interval", cfg.Scheduler.ReconcileInterval, DefaultReconcileInterval); err != nil {
		return err
	}
	if _, err := Duration("scheduler.shutdown_timeout", cfg.Scheduler.ShutdownTimeout, DefaultShutdownTimeout); err != nil {
		return err
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Checkpoint.Driver)) {
	case "", "file", "json", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("checkpoint.driver: unknown %q (use file or sqlite)", cfg.Checkpoint.Driver)
	}
	if _, err := Duration("checkpoint.busy_timeout", cfg.Checkpoint.BusyTimeout, 0); err != nil {
		return err
	}

	if cfg.HTTP.RatePerSec < 0 {
		return errors.New("http.rate_per_sec must be >= 0")
	}
	if cfg.HTTP.Burst < 0 {
		return errors.New("http.burst must be >= 0")
	}
	if cfg.HTTP.RetryJitter < 0 || cfg.HTTP.RetryJitter > 1 {
		return errors.New("http.retry_jitter must be within 0..1")
	}
	if cfg.HTTP.MaxIdleConns < 0 {
		return errors.New("http.max_idle_conns must be >= 0")
	}

	if err := validateAdmin(cfg.Admin); err != nil {
		return err
	}

	_, err := cfg.Definitions(baseDir)
	return err
}

func validateAdmin(a AdminConfig) error {
	if !a.Enabled {
		return nil
	}
	addr := strings.TrimSpace(a.Addr)
	if addr == "" {
		addr = DefaultAdminAddr
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("admin.addr: invalid %q: %w", addr, err)
	}
	if strings.TrimSpace(a.Token) == "" && !a.AllowInsecure && !isLoopback(host) {
		return fmt.Errorf("admin.addr %q is not loopback; set admin.token or admin.allow_insecure", addr)
	}
	return nil
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
