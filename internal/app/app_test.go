package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"cronpulse/internal/checkpoint"
	"cronpulse/internal/config"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	p := filepath.Join(dir, "cronpulse.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestAppRunsJobsAndServesAdmin(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("pong"))
	}))
	t.Cleanup(target.Close)

	dir := t.TempDir()
	path := writeConfig(t, dir, fmt.Sprintf(`
logging:
  level: error
scheduler:
  timezone: UTC
  shutdown_timeout: 2s
checkpoint:
  driver: sqlite
  path: state/cp.db
admin:
  enabled: true
  addr: 127.0.0.1:0
jobs:
  - id: ping
    cron: "* * * * * *"
    request:
      url: %s/health
      timeout_ms: 2000
`, target.URL))

	a, err := New(path)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))

	require.Eventually(t, func() bool {
		_, ok, err := checkpoint.LastSuccess(context.Background(), a.Store(), "ping")
		return err == nil && ok
	}, 5*time.Second, 50*time.Millisecond)
	require.GreaterOrEqual(t, hits.Load(), int32(1))
	require.FileExists(t, filepath.Join(dir, "state", "cp.db"))

	actx, acancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer acancel()
	addr, err := a.Admin().Addr(actx)
	require.NoError(t, err)
	resp, err := http.Get("http://" + addr + "/v1/triggers")
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(b), `"job_id": "ping"`)

	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	require.NoError(t, a.Stop(sctx, StopAppStop))
	<-a.Done()
}

func TestAppReloadRemovesJob(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	base := `
logging:
  level: error
scheduler:
  timezone: UTC
checkpoint:
  path: cp.json
jobs:
`
	path := writeConfig(t, dir, base+`
  - id: a
    cron: "@hourly"
    request: {url: "http://127.0.0.1:1/a"}
  - id: b
    cron: "@daily"
    request: {url: "http://127.0.0.1:1/b"}
`)
	a, err := New(path)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))

	require.Eventually(t, func() bool { return len(a.Scheduler().Triggers()) == 2 }, 5*time.Second, 20*time.Millisecond)

	writeConfig(t, dir, base+`
  - id: a
    cron: "@hourly"
    request: {url: "http://127.0.0.1:1/a"}
`)
	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, later, later))

	require.Eventually(t, func() bool {
		ts := a.Scheduler().Triggers()
		return len(ts) == 1 && ts[0].JobID == "a"
	}, 5*time.Second, 50*time.Millisecond)

	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	require.NoError(t, a.Stop(sctx, StopAppStop))
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	_, err := New(writeConfig(t, dir, "jobs:\n  - id: x\n    cron: nope\n    request: {url: 'http://h'}\n"))
	require.Error(t, err)

	_, err = New(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}

func TestMapConfig(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Scheduler:  config.SchedulerConfig{ReconcileInterval: "15s"},
		Checkpoint: config.CheckpointConfig{Driver: "JSON", BusyTimeout: "3s"},
		HTTP:       config.HTTPConfig{RatePerSec: 5, Burst: 2, RetryJitter: 0.1},
	}
	sc, err := mapSchedulerConfig(cfg)
	require.NoError(t, err)
	require.Equal(t, 15*time.Second, sc.Interval)
	require.Equal(t, config.DefaultShutdownTimeout, sc.ShutdownTimeout)

	cp, err := mapCheckpointConfig(cfg)
	require.NoError(t, err)
	require.Equal(t, "file", cp.Driver)
	require.Equal(t, 3*time.Second, cp.BusyTimeout)

	_, ec := mapHTTPConfig(cfg)
	require.Equal(t, 5.0, ec.RatePerSec)
	require.Equal(t, 0.1, ec.Jitter)

	ac, enabled := mapAdminConfig(cfg)
	require.False(t, enabled)
	require.Equal(t, config.DefaultAdminAddr, ac.Addr)
}
