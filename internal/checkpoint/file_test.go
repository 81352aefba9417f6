package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	logx "cronpulse/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFileStore(t *testing.T) (*fileStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state", "checkpoints.json")
	st, err := openFile(path, logx.Nop())
	require.NoError(t, err)
	return st, path
}

func TestFileLoadMissingIsEmpty(t *testing.T) {
	t.Parallel()
	st, _ := newFileStore(t)
	ctx := context.Background()

	rec, err := st.Load(ctx, "nope")
	require.NoError(t, err)
	require.True(t, rec.IsZero())

	all, err := st.LoadAll(ctx)
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestFileSaveMergesPartialState(t *testing.T) {
	t.Parallel()
	st, _ := newFileStore(t)
	ctx := context.Background()

	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, SaveLastSuccess(ctx, st, "ping", ts))
	require.NoError(t, SaveOffset(ctx, st, "ping", "cursor-42"))
	require.NoError(t, st.Save(ctx, "ping", Patch{Data: json.RawMessage(`{"page":3}`)}))

	rec, err := st.Load(ctx, "ping")
	require.NoError(t, err)
	require.NotNil(t, rec.LastSuccess)
	require.True(t, rec.LastSuccess.Equal(ts))
	require.NotNil(t, rec.Offset)
	require.Equal(t, "cursor-42", *rec.Offset)
	require.JSONEq(t, `{"page":3}`, string(rec.Data))

	got, ok, err := LastSuccess(ctx, st, "ping")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, got.Equal(ts))

	off, ok, err := Offset(ctx, st, "ping")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "cursor-42", off)
}

func TestFileKeepsOtherJobs(t *testing.T) {
	t.Parallel()
	st, _ := newFileStore(t)
	ctx := context.Background()

	require.NoError(t, SaveOffset(ctx, st, "a", "1"))
	require.NoError(t, SaveOffset(ctx, st, "b", "2"))
	require.NoError(t, SaveOffset(ctx, st, "a", "3"))

	all, err := st.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "3", *all["a"].Offset)
	require.Equal(t, "2", *all["b"].Offset)
}

func TestFileOnDiskShape(t *testing.T) {
	t.Parallel()
	st, path := newFileStore(t)
	ctx := context.Background()

	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, SaveLastSuccess(ctx, st, "ping", ts))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))
	require.Contains(t, raw, "ping")
	require.Equal(t, "2025-03-01T12:00:00Z", raw["ping"]["lastSuccess"])
	require.Contains(t, raw["ping"], "lastUpdate")
	require.NotContains(t, raw["ping"], "offset")
}

func TestFileLastUpdateStrictlyIncreases(t *testing.T) {
	t.Parallel()
	st, _ := newFileStore(t)
	ctx := context.Background()

	frozen := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	st.now = func() time.Time { return frozen }

	var prev time.Time
	for i := 0; i < 5; i++ {
		require.NoError(t, SaveOffset(ctx, st, "ping", fmt.Sprint(i)))
		rec, err := st.Load(ctx, "ping")
		require.NoError(t, err)
		require.True(t, rec.LastUpdate.After(prev), "iteration %d", i)
		prev = rec.LastUpdate
	}

	// A clock step backwards still yields a later lastUpdate.
	st.now = func() time.Time { return frozen.Add(-time.Hour) }
	require.NoError(t, SaveOffset(ctx, st, "ping", "back"))
	rec, err := st.Load(ctx, "ping")
	require.NoError(t, err)
	require.True(t, rec.LastUpdate.After(prev))
}

func TestFileInterruptedBeforeRenameKeepsPrevious(t *testing.T) {
	t.Parallel()
	st, path := newFileStore(t)
	ctx := context.Background()

	require.NoError(t, SaveOffset(ctx, st, "ping", "good"))
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	crash := errors.New("killed")
	var tmpSeen string
	st.beforeRename = func(tmp string) error {
		tmpSeen = tmp
		return crash
	}
	err = SaveOffset(ctx, st, "ping", "lost")
	require.ErrorIs(t, err, ErrWriteFailed)
	require.ErrorIs(t, err, crash)
	require.Equal(t, filepath.Dir(path), filepath.Dir(tmpSeen))

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, before, after)

	st.beforeRename = nil
	off, ok, err := Offset(ctx, st, "ping")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "good", off)
}

func TestFileStrayTempFileIgnored(t *testing.T) {
	t.Parallel()
	st, path := newFileStore(t)
	ctx := context.Background()

	require.NoError(t, SaveOffset(ctx, st, "ping", "good"))
	// A torn temp file left behind by a crash is never read.
	require.NoError(t, os.WriteFile(path+".123.tmp", []byte(`{"ping":{"off`), 0o600))

	off, ok, err := Offset(ctx, st, "ping")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "good", off)
}

func TestFileCorruptReadsAsEmpty(t *testing.T) {
	t.Parallel()
	st, path := newFileStore(t)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	all, err := st.LoadAll(ctx)
	require.NoError(t, err)
	require.Empty(t, all)

	// The next save replaces the corrupt file with a valid mapping.
	require.NoError(t, SaveOffset(ctx, st, "ping", "1"))
	all, err = st.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestFileConcurrentSaves(t *testing.T) {
	t.Parallel()
	st, _ := newFileStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, SaveOffset(ctx, st, fmt.Sprintf("job-%d", i), "x"))
		}(i)
	}
	wg.Wait()

	all, err := st.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 20)
}

func TestFileClosedRejectsWrites(t *testing.T) {
	t.Parallel()
	st, _ := newFileStore(t)
	require.NoError(t, st.Close())
	err := SaveOffset(context.Background(), st, "ping", "1")
	require.ErrorIs(t, err, ErrClosed)
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{Driver: "redis"}, logx.Nop())
	require.Error(t, err)
}
