package checkpoint

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "cronpulse/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	// mu keeps read-modify-write merges single-writer, same as the file driver.
	mu  sync.Mutex
	now func() time.Time
}

// OpenSQLite opens a SQLite-backed store. cfg.Path is the database file.
func OpenSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("checkpoint.path is required for sqlite driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = FULL")

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("checkpoint schema: %w", err)
	}
	return &sqliteStore{db: db, log: log, now: time.Now}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Save(ctx context.Context, jobID string, p Patch) error {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return fmt.Errorf("%w: job id required", ErrWriteFailed)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, _, err := scanRecord(tx.QueryRowContext(ctx,
		`SELECT last_success, resume_offset, last_update, data FROM checkpoints WHERE job_id = ?`, jobID))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	rec := p.apply(cur)
	rec.LastUpdate = nextUpdate(s.now(), rec.LastUpdate)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO checkpoints(job_id, last_success, resume_offset, last_update, data)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(job_id) DO UPDATE SET
		   last_success=excluded.last_success,
		   resume_offset=excluded.resume_offset,
		   last_update=excluded.last_update,
		   data=excluded.data`,
		jobID, timeArg(rec.LastSuccess), strArg(rec.Offset), rec.LastUpdate.Format(time.RFC3339Nano), dataArg(rec.Data),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	return nil
}

func (s *sqliteStore) Load(ctx context.Context, jobID string) (Record, error) {
	rec, _, err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT last_success, resume_offset, last_update, data FROM checkpoints WHERE job_id = ?`, strings.TrimSpace(jobID)))
	if err != nil {
		s.log.Warn("checkpoint read failed; using empty state", logx.String("job", jobID), logx.Err(err))
		return Record{}, nil
	}
	return rec, nil
}

func (s *sqliteStore) LoadAll(ctx context.Context) (map[string]Record, error) {
	out := map[string]Record{}
	rows, err := s.db.QueryContext(ctx, `SELECT job_id, last_success, resume_offset, last_update, data FROM checkpoints`)
	if err != nil {
		s.log.Warn("checkpoint read failed; using empty state", logx.Err(err))
		return out, nil
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id                   string
			last, off, upd, blob sql.NullString
		)
		if err := rows.Scan(&id, &last, &off, &upd, &blob); err != nil {
			s.log.Warn("checkpoint row skipped", logx.Err(fmt.Errorf("%w: %w", ErrReadCorrupt, err)))
			continue
		}
		out[id] = buildRecord(last, off, upd, blob)
	}
	if err := rows.Err(); err != nil {
		s.log.Warn("checkpoint read incomplete", logx.Err(err))
	}
	return out, nil
}

func scanRecord(row *sql.Row) (Record, bool, error) {
	var last, off, upd, blob sql.NullString
	err := row.Scan(&last, &off, &upd, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return buildRecord(last, off, upd, blob), true, nil
}

func buildRecord(last, off, upd, blob sql.NullString) Record {
	var r Record
	if last.Valid {
		if t, err := time.Parse(time.RFC3339Nano, last.String); err == nil {
			r.LastSuccess = &t
		}
	}
	if off.Valid {
		o := off.String
		r.Offset = &o
	}
	if upd.Valid {
		if t, err := time.Parse(time.RFC3339Nano, upd.String); err == nil {
			r.LastUpdate = t
		}
	}
	if blob.Valid && json.Valid([]byte(blob.String)) {
		r.Data = json.RawMessage(blob.String)
	}
	return r
}

func timeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func strArg(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func dataArg(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
