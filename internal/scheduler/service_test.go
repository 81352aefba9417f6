package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"cronpulse/internal/checkpoint"
	"cronpulse/internal/job"
	logx "cronpulse/pkg/logx"

	"github.com/stretchr/testify/require"
)

func TestServiceRunReconcilesOnPoke(t *testing.T) {
	t.Parallel()
	store, err := checkpoint.OpenFile(filepath.Join(t.TempDir(), "cp.json"), logx.Nop())
	require.NoError(t, err)

	var defs atomic.Value
	defs.Store([]job.Definition{def("a", "* * * * *")})
	src := DesiredSourceFunc(func(context.Context) ([]job.Definition, error) {
		return defs.Load().([]job.Definition), nil
	})

	eng := newFakeEngine()
	svc := New(Config{Interval: time.Hour}, src, Deps{Engine: eng, Executor: okExec(), Store: store, Log: logx.Nop()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool { return svc.Status().Triggers == 1 }, time.Second, 5*time.Millisecond)

	defs.Store([]job.Definition{def("a", "* * * * *"), def("b", "@hourly")})
	svc.Poke()
	require.Eventually(t, func() bool { return svc.Status().Triggers == 2 }, time.Second, 5*time.Millisecond)

	infos := svc.Triggers()
	require.Len(t, infos, 2)
	require.Equal(t, "a", infos[0].JobID)
	require.Equal(t, "@hourly", infos[1].Cron)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.NoError(t, svc.Stop(context.Background()))
	require.GreaterOrEqual(t, svc.Status().Passes, uint64(2))
	require.Equal(t, "UTC", svc.Status().Timezone)
}

func TestServicePassRecordsConfigError(t *testing.T) {
	t.Parallel()
	src := DesiredSourceFunc(func(context.Context) ([]job.Definition, error) {
		return nil, errors.New("no config")
	})
	svc := New(Config{}, src, Deps{Engine: newFakeEngine(), Executor: okExec(), Log: logx.Nop()})
	svc.RunPass(context.Background())

	st := svc.Status()
	require.Contains(t, st.LastError, ErrConfigUnavailable.Error())
	require.Equal(t, "1m0s", st.Interval)
}
