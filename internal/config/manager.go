// Package config loads the cronpulse config file (YAML or JSON), validates it,
// and keeps the last good version available while the file is edited.
package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cronpulse/internal/job"
	logx "cronpulse/pkg/logx"

	"github.com/fsnotify/fsnotify"
)

// ErrNotLoaded is returned by Jobs before any config was committed.
var ErrNotLoaded = errors.New("config not loaded")

type Manager struct {
	path string
	dir  string

	mu       sync.RWMutex
	cfg      *Config
	defs     []job.Definition
	lastHash uint64
	lastMod  time.Time

	// subsMu is held while sending so Unsubscribe never closes a channel mid-send.
	subsMu sync.Mutex
	subs   []chan *Config

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error
}

func NewManager(path string) *Manager {
	return &Manager{path: path, dir: filepath.Dir(path), log: logx.Nop()}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.log = log
}

// SetValidator installs an extra check run after built-in validation and
// before any commit.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse decodes the file strictly: unknown fields and trailing data are errors.
func (m *Manager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return decode(m.path, b)
}

func decode(path string, b []byte) (*Config, error) {
	jb, _, err := coerceToJSONBytes(path, b)
	if err != nil {
		return nil, err
	}
	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}
	return &cfg, nil
}

// check runs built-in validation and the validator hook, returning the
// resolved job definitions.
func (m *Manager) check(ctx context.Context, cfg *Config) ([]job.Definition, error) {
	if err := Validate(cfg, m.dir); err != nil {
		return nil, err
	}
	defs, err := cfg.Definitions(m.dir)
	if err != nil {
		return nil, err
	}
	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := m.validator(vctx, cfg); err != nil {
			return nil, err
		}
	}
	return defs, nil
}

// Load parses, validates and commits the file. Used at startup.
func (m *Manager) Load() (*Config, error) {
	mod := m.modTime()
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	defs, err := m.check(context.Background(), cfg)
	if err != nil {
		return nil, err
	}
	m.commit(cfg, defs, mod)
	return cfg, nil
}

func (m *Manager) commit(cfg *Config, defs []job.Definition, mod time.Time) {
	m.mu.Lock()
	m.cfg = cfg
	m.defs = defs
	m.lastHash = hashConfig(cfg)
	if !mod.IsZero() {
		m.lastMod = mod
	}
	m.mu.Unlock()
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Jobs returns the committed job definitions after picking up any file change
// since the last call. A broken edit keeps the previous definitions.
func (m *Manager) Jobs(ctx context.Context) ([]job.Definition, error) {
	if _, err := m.Refresh(ctx); err != nil {
		m.log.Warn("config refresh failed; keeping last good config", logx.String("path", m.path), logx.Any("err", err))
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cfg == nil {
		return nil, ErrNotLoaded
	}
	out := make([]job.Definition, len(m.defs))
	for i, d := range m.defs {
		out[i] = d.Clone()
	}
	return out, nil
}

// Refresh re-reads the file when its mtime moved. It reports whether a new
// config was committed (and published).
func (m *Manager) Refresh(ctx context.Context) (bool, error) {
	mod := m.modTime()
	m.mu.RLock()
	same := !mod.IsZero() && mod.Equal(m.lastMod)
	m.mu.RUnlock()
	if same {
		return false, nil
	}
	return m.reload(ctx, mod)
}

func (m *Manager) modTime() time.Time {
	fi, err := os.Stat(m.path)
	if err != nil {
		return time.Time{}
	}
	return fi.ModTime()
}

// reload is shared by Refresh and Watch.
func (m *Manager) reload(ctx context.Context, mod time.Time) (bool, error) {
	cfg, err := m.Parse()
	if err != nil {
		m.markSeen(mod)
		return false, fmt.Errorf("parse %s: %w", m.path, err)
	}

	h := hashConfig(cfg)
	m.mu.RLock()
	unchanged := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		m.markSeen(mod)
		m.log.Debug("config unchanged; skipping publish", logx.String("path", m.path))
		return false, nil
	}

	defs, err := m.check(ctx, cfg)
	if err != nil {
		m.markSeen(mod)
		return false, fmt.Errorf("config rejected: %w", err)
	}

	m.commit(cfg, defs, mod)
	m.publish(cfg)
	m.log.Info("config reloaded", logx.String("path", m.path), logx.Int("jobs", len(defs)), logx.String("hash", fmt.Sprintf("%x", h)))
	return true, nil
}

// markSeen records mod so a broken file is not re-parsed until it changes again.
func (m *Manager) markSeen(mod time.Time) {
	if mod.IsZero() {
		return
	}
	m.mu.Lock()
	m.lastMod = mod
	m.mu.Unlock()
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

func (m *Manager) Subscribe(buffer int) chan *Config {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			last := len(m.subs) - 1
			m.subs[i] = m.subs[last]
			m.subs[last] = nil
			m.subs = m.subs[:last]
			close(ch)
			return
		}
	}
}

// publish delivers cfg to every subscriber. A full buffer drops its oldest item.
func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- cfg:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
			m.log.Debug("config update dropped (subscriber slow)", logx.Int("queue_len", len(ch)), logx.Int("queue_cap", cap(ch)))
		}
	}
}

// Watch reloads the file on fsnotify events (debounced 250ms) until ctx ends.
// The watcher is recreated with backoff when it breaks.
func (m *Manager) Watch(ctx context.Context) error {
	file := filepath.Base(m.path)

	const (
		restartBackoffBase = 250 * time.Millisecond
		restartBackoffMax  = 5 * time.Second
	)
	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	nextWait := func() time.Duration {
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		backoff *= 2
		if backoff > restartBackoffMax {
			backoff = restartBackoffMax
		}
		return wait
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, func() {
			if ctx.Err() != nil {
				return
			}
			if _, err := m.reload(ctx, m.modTime()); err != nil {
				m.log.Warn("config reload failed; keeping last good config", logx.String("path", m.path), logx.Any("err", err))
			}
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		w, err := fsnotify.NewWatcher()
		if err == nil {
			if err = w.Add(m.dir); err != nil {
				_ = w.Close()
			}
		}
		if err != nil {
			m.log.Warn("config watch init failed", logx.Any("err", err), logx.String("dir", m.dir))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(nextWait()):
				continue
			}
		}

		backoff = restartBackoffBase
		m.log.Debug("config watcher started", logx.String("dir", m.dir), logx.String("file", file))

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				// Editors often write via rename, so compare basenames and accept every op.
				if strings.EqualFold(filepath.Base(ev.Name), file) {
					debounce()
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if errors.Is(err, fsnotify.ErrEventOverflow) {
					m.log.Warn("config watch overflow; forcing reload", logx.String("dir", m.dir))
					debounce()
					continue
				}
				m.log.Warn("config watch error", logx.Any("err", err), logx.String("dir", m.dir))
			}
		}

		_ = w.Close()
		wait := nextWait()
		m.log.Warn("config watcher stopped; restarting", logx.String("dir", m.dir), logx.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}
