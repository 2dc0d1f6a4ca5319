package config

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "bulksender/pkg/logx"

	"github.com/fsnotify/fsnotify"
)

// ErrUnchanged is returned by Reload when the file parses to the committed config.
var ErrUnchanged = errors.New("config unchanged")

const (
	watchDebounce    = 250 * time.Millisecond
	watchBackoffMin  = 250 * time.Millisecond
	watchBackoffMax  = 5 * time.Second
	validatorTimeout = 5 * time.Second
)

// Manager owns the live config: it parses the file (JSON or YAML), overlays
// environment overrides, and republishes on change when Watch is running.
type Manager struct {
	path string

	mu     sync.RWMutex
	cfg    *Config
	digest [sha256.Size]byte

	// subsMu is held while sending so Unsubscribe never closes a channel mid-send.
	subsMu sync.Mutex
	subs   []chan *Config

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error
	override  func(cfg *Config)
}

func NewManager(path string) *Manager {
	return &Manager{path: path, log: logx.Nop()}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.log = log
}

// SetValidator installs a hook Reload runs after Validate and before commit.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// SetOverride installs a hook Parse runs last, after env overrides. Command
// line flags use it so every reload keeps them.
func (m *Manager) SetOverride(fn func(cfg *Config)) {
	m.override = fn
}

// Parse reads the file on top of Defaults() and applies env overrides.
// A missing file or an empty path yields the defaults.
func (m *Manager) Parse() (*Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(m.path) != "" {
		data, err := os.ReadFile(m.path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			if err := decodeStrict(formatOf(m.path), data, cfg); err != nil {
				return nil, err
			}
		}
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if m.override != nil {
		m.override(cfg)
	}
	return cfg, nil
}

// Load parses, validates and commits the config.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *Manager) Commit(cfg *Config) {
	d := digestOf(cfg)
	m.mu.Lock()
	m.cfg, m.digest = cfg, d
	m.mu.Unlock()
}

func digestOf(cfg *Config) [sha256.Size]byte {
	b, _ := json.Marshal(cfg)
	return sha256.Sum256(b)
}

// Get returns the committed config, or the defaults before the first commit.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cfg == nil {
		return Defaults()
	}
	return m.cfg
}

// Reload re-reads the file and, if it differs from the committed config and
// passes validation, commits and publishes it. A rejected file leaves the
// committed config in place.
func (m *Manager) Reload(ctx context.Context) error {
	cfg, err := m.Parse()
	if err != nil {
		return err
	}
	d := digestOf(cfg)
	m.mu.RLock()
	same := m.cfg != nil && d == m.digest
	m.mu.RUnlock()
	if same {
		return ErrUnchanged
	}
	if err := Validate(cfg); err != nil {
		return err
	}
	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, validatorTimeout)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			return err
		}
	}
	m.Commit(cfg)
	m.publish(cfg)
	return nil
}

func (m *Manager) Subscribe(buffer int) chan *Config {
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
		if s != ch {
			continue
		}
		m.subs = append(m.subs[:i], m.subs[i+1:]...)
		close(ch)
		return
	}
}

// publish never blocks: a full subscriber loses its oldest pending config.
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
			m.log.Debug("config update dropped (subscriber slow)", logx.Int("queue_cap", cap(ch)))
		}
	}
}

// Watch reloads the config whenever the file changes until ctx is done. A
// broken fsnotify watcher is recreated with jittered exponential backoff.
func (m *Manager) Watch(ctx context.Context) error {
	bo := newBackoff(watchBackoffMin, watchBackoffMax)
	for ctx.Err() == nil {
		err := m.watchOnce(ctx, bo.reset)
		if ctx.Err() != nil {
			break
		}
		wait := bo.next()
		m.log.Warn("config watcher stopped; restarting",
			logx.String("path", m.path),
			logx.Duration("backoff", wait),
			logx.Err(err),
		)
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
	return nil
}

// watchOnce runs one fsnotify session over the file's directory. Editors often
// replace files by rename, so the directory is watched and events are matched
// by basename. onStart fires once the watch is registered.
func (m *Manager) watchOnce(ctx context.Context, onStart func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	if err := w.Add(dir); err != nil {
		return err
	}
	onStart()
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("fsnotify events channel closed")
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) && ev.Op != 0 {
				debounce.Reset(watchDebounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("fsnotify errors channel closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				m.log.Warn("config watch overflow; forcing reload", logx.String("dir", dir))
				debounce.Reset(watchDebounce)
				continue
			}
			m.log.Warn("config watch error", logx.String("dir", dir), logx.Err(err))
		case <-debounce.C:
			m.reloadLogged(ctx)
		}
	}
}

func (m *Manager) reloadLogged(ctx context.Context) {
	switch err := m.Reload(ctx); {
	case err == nil:
		m.log.Debug("config published", logx.String("path", m.path))
	case errors.Is(err, ErrUnchanged):
		m.log.Debug("config unchanged; skipping publish", logx.String("path", m.path))
	default:
		m.log.Warn("config rejected; keeping previous", logx.String("path", m.path), logx.Err(err))
	}
}

type backoff struct {
	min, max, cur time.Duration
	rng           *rand.Rand
}

func newBackoff(lo, hi time.Duration) *backoff {
	return &backoff{min: lo, max: hi, cur: lo, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (b *backoff) reset() { b.cur = b.min }

// next returns the current delay plus up to 50% jitter and doubles the base.
func (b *backoff) next() time.Duration {
	wait := b.cur + time.Duration(b.rng.Int63n(int64(b.cur/2)+1))
	b.cur = min(b.cur*2, b.max)
	return wait
}
