package app

import (
	"strings"
	"time"

	"cronpulse/internal/admin"
	"cronpulse/internal/checkpoint"
	"cronpulse/internal/config"
	"cronpulse/internal/httpexec"
	"cronpulse/internal/scheduler"
	logx "cronpulse/pkg/logx"
)

// Mapping from the config file sections to component configs. Validation already
// ran in config.Manager, so the errors here only repeat what it rejected.

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Format:  cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapCheckpointConfig(cfg *config.Config) (checkpoint.Config, error) {
	busy, err := config.Duration("checkpoint.busy_timeout", cfg.Checkpoint.BusyTimeout, time.Second)
	if err != nil {
		return checkpoint.Config{}, err
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Checkpoint.Driver))
	if driver == "json" {
		driver = "file"
	}
	return checkpoint.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(cfg.Checkpoint.Path),
		BusyTimeout: busy,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	interval, err := config.Duration("scheduler.reconcile_interval", cfg.Scheduler.ReconcileInterval, config.DefaultReconcileInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	shutdown, err := config.Duration("scheduler.shutdown_timeout", cfg.Scheduler.ShutdownTimeout, config.DefaultShutdownTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{Interval: interval, ShutdownTimeout: shutdown}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpexec.TransportConfig, httpexec.Config) {
	return httpexec.TransportConfig{
			UserAgent:    strings.TrimSpace(cfg.HTTP.UserAgent),
			MaxIdleConns: cfg.HTTP.MaxIdleConns,
		}, httpexec.Config{
			RatePerSec: cfg.HTTP.RatePerSec,
			Burst:      cfg.HTTP.Burst,
			Jitter:     cfg.HTTP.RetryJitter,
		}
}

func mapAdminConfig(cfg *config.Config) (admin.Config, bool) {
	a := cfg.Admin
	addr := strings.TrimSpace(a.Addr)
	if addr == "" {
		addr = config.DefaultAdminAddr
	}
	return admin.Config{
		Addr:          addr,
		Token:         strings.TrimSpace(a.Token),
		AllowInsecure: a.AllowInsecure,
		Pprof:         a.Pprof,
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  60 * time.Second,
		IdleTimeout:   2 * time.Minute,
	}, a.Enabled
}
