package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "cronpulse/pkg/logx"
)

// fileStore keeps every job's record in one JSON object on disk.
//
// Writers serialize on mu and rewrite the whole file through a temp file in the
// same directory followed by rename. Readers do not take mu: they may see a
// stale mapping, but never a partial one.
type fileStore struct {
	path string
	log  logx.Logger

	mu     sync.Mutex
	closed bool

	now func() time.Time
	// beforeRename runs after the temp file is fully written and synced. A non-nil
	// error aborts the save as if the process died before the rename.
	beforeRename func(tmp string) error
}

// OpenFile opens (or prepares) a file-backed store at path.
func OpenFile(path string, log logx.Logger) (Store, error) {
	st, err := openFile(path, log)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func openFile(path string, log logx.Logger) (*fileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = DefaultPath
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &fileStore{path: path, log: log, now: time.Now}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fileStore) Save(ctx context.Context, jobID string, p Patch) error {
	_ = ctx
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return fmt.Errorf("%w: job id required", ErrWriteFailed)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: %w", ErrWriteFailed, ErrClosed)
	}

	all := s.readAll()
	rec := p.apply(all[jobID])
	rec.LastUpdate = nextUpdate(s.now(), rec.LastUpdate)
	all[jobID] = rec

	if err := s.writeAllLocked(all); err != nil {
		return fmt.Errorf("%w: job %s: %w", ErrWriteFailed, jobID, err)
	}
	s.log.Debug("checkpoint saved", logx.String("job", jobID), logx.Time("last_update", rec.LastUpdate))
	return nil
}

func (s *fileStore) Load(ctx context.Context, jobID string) (Record, error) {
	_ = ctx
	return s.readAll()[strings.TrimSpace(jobID)], nil
}

func (s *fileStore) LoadAll(ctx context.Context) (map[string]Record, error) {
	_ = ctx
	return s.readAll(), nil
}

// readAll never fails: a missing file is an empty mapping, a corrupt file is
// logged and treated as empty.
func (s *fileStore) readAll() map[string]Record {
	out := map[string]Record{}
	b, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("checkpoint read failed; using empty state", logx.String("path", s.path), logx.Err(err))
		}
		return out
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return out
	}
	if err := json.Unmarshal(b, &out); err != nil {
		s.log.Warn("checkpoint file corrupt; using empty state",
			logx.String("path", s.path),
			logx.Err(fmt.Errorf("%w: %w", ErrReadCorrupt, err)),
		)
		return map[string]Record{}
	}
	return out
}

func (s *fileStore) writeAllLocked(all map[string]Record) error {
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	f, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	cleanup := func() { _ = os.Remove(tmp) }

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		cleanup()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		cleanup()
		return err
	}
	if err := f.Close(); err != nil {
		cleanup()
		return err
	}
	if s.beforeRename != nil {
		if err := s.beforeRename(tmp); err != nil {
			cleanup()
			return err
		}
	}
	if err := os.Rename(tmp, s.path); err != nil {
		cleanup()
		return err
	}
	// Persist the rename itself. Not every platform supports fsync on a directory.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
