package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "cronpulse/pkg/logx"

	"github.com/stretchr/testify/require"
)

func TestGoRecordsFirstError(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), logx.Nop())
	s.Go("fail", func(ctx context.Context) error { return errors.New("bad") })
	s.Go("panic", func(ctx context.Context) error { panic("boom") })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.Error(t, s.Wait(ctx))

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, "fail", snap[0].Name)
	require.Equal(t, uint64(1), snap[1].Panics)
}

func TestGoRestartRetriesUntilClean(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), logx.Nop())
	var runs atomic.Int32
	s.GoRestart("loop", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, time.Millisecond, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
	require.Equal(t, int32(3), runs.Load())
	require.Equal(t, uint64(2), s.Snapshot()[0].Restarts)
}

func TestStopCancelsContext(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), logx.Nop())
	s.GoRestart("block", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, 0, 0)
	require.Eventually(t, func() bool {
		st := s.Snapshot()
		return len(st) == 1 && st[0].Running
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	st := s.Snapshot()
	require.Len(t, st, 1)
	require.False(t, st[0].Running)
}

func TestCancelOnError(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), logx.Nop(), WithCancelOnError(true))
	s.GoRestart("block", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, 0, 0)
	s.Go("fail", func(ctx context.Context) error { return errors.New("fatal") })

	select {
	case <-s.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("supervisor not canceled")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.ErrorContains(t, s.Wait(ctx), "fail: fatal")
}
