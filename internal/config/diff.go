package config

import (
	"reflect"
	"sort"
	"strings"

	logx "cronpulse/pkg/logx"
)

// SummarizeConfigChange returns the changed sections, safe structured attrs
// for logging (never secrets such as the admin token), and the ids of jobs
// that were added, removed or edited.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.reconcile_interval", strings.TrimSpace(newCfg.Scheduler.ReconcileInterval)),
			logx.String("scheduler.shutdown_timeout", strings.TrimSpace(newCfg.Scheduler.ShutdownTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Checkpoint, newCfg.Checkpoint) {
		changed = append(changed, "checkpoint")
		attrs = append(attrs,
			logx.String("checkpoint.driver", strings.TrimSpace(newCfg.Checkpoint.Driver)),
			logx.Bool("checkpoint.path_set", strings.TrimSpace(newCfg.Checkpoint.Path) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Any("http.rate_per_sec", newCfg.HTTP.RatePerSec),
			logx.Int("http.burst", newCfg.HTTP.Burst),
			logx.Any("http.retry_jitter", newCfg.HTTP.RetryJitter),
		)
	}

	o, n := oldCfg.Admin, newCfg.Admin
	if o != n {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", n.Enabled),
			logx.String("admin.addr", strings.TrimSpace(n.Addr)),
			logx.Bool("admin.token_set", strings.TrimSpace(n.Token) != ""),
			logx.Bool("admin.pprof", n.Pprof),
		)
	}

	jobsChanged := diffJobs(oldCfg.Jobs, newCfg.Jobs)
	if len(jobsChanged) > 0 {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Int("jobs.changed_count", len(jobsChanged)),
			logx.Int("jobs.count", len(newCfg.Jobs)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, jobsChanged
}

// RestartRequired lists changed sections that only take effect after a restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "checkpoint", "http", "admin", "scheduler":
			out = append(out, s)
		}
	}
	return out
}

func diffJobs(oldJobs, newJobs []JobConfig) []string {
	index := func(js []JobConfig) map[string]JobConfig {
		m := make(map[string]JobConfig, len(js))
		for _, j := range js {
			m[strings.TrimSpace(j.ID)] = j
		}
		return m
	}
	om, nm := index(oldJobs), index(newJobs)

	set := map[string]struct{}{}
	for k := range om {
		set[k] = struct{}{}
	}
	for k := range nm {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		o, inOld := om[id]
		n, inNew := nm[id]
		if inOld != inNew || !reflect.DeepEqual(o, n) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
