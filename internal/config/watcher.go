package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Watcher polls a config file and invokes a callback when its contents change
// meaning, not just bytes. Polling keeps the dependency surface flat; a
// detection daemon's config changes on human timescales, so a multi-second
// poll is plenty.
//
// Three gates sit between a file write and the callback:
//
//  1. modification time and size — skips reading a file nobody touched
//  2. content hash — skips reparsing when a write left identical bytes
//  3. [Diff] — skips the callback when only comments or formatting moved
//
// Invalid content is logged and ignored; the previous config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, cur *Config)

	mu      sync.Mutex
	current *Config

	// State below is owned by the poll goroutine after NewWatcher returns.
	// Gating on the last read attempt rather than the last success keeps a
	// file that fails to parse from being re-read and re-logged every tick.
	goodSum   [sha256.Size]byte
	scanMtime time.Time
	scanSize  int64

	stop     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the poll interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads the config at path and starts polling it for changes.
// onChange runs on the watcher's goroutine with the previous and the freshly
// loaded config; it must not block for long or it delays the next poll.
func NewWatcher(path string, onChange func(old, cur *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, sum, info, err := w.load()
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w.current = cfg
	w.goodSum = sum
	w.scanMtime = info.ModTime()
	w.scanSize = info.Size()

	go w.run()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *Watcher) run() {
	tick := time.NewTicker(w.interval)
	defer tick.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-tick.C:
			w.rescan()
		}
	}
}

// rescan re-reads the file if it looks different from the last attempt and
// swaps in the new config when the change is meaningful.
func (w *Watcher) rescan() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: stat failed", "path", w.path, "err", err)
		return
	}
	if info.ModTime().Equal(w.scanMtime) && info.Size() == w.scanSize {
		return
	}

	cfg, sum, info, err := w.load()
	if err != nil {
		// Half-written saves land here too; the next write triggers a
		// fresh attempt.
		slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
		if info != nil {
			w.scanMtime = info.ModTime()
			w.scanSize = info.Size()
		}
		return
	}
	w.scanMtime = info.ModTime()
	w.scanSize = info.Size()

	if sum == w.goodSum {
		// Touched, identical bytes.
		return
	}
	w.goodSum = sum

	w.mu.Lock()
	old := w.current
	w.current = cfg
	w.mu.Unlock()

	if !Diff(old, cfg).Changed() {
		slog.Debug("config watcher: cosmetic change only", "path", w.path)
		return
	}

	slog.Info("config watcher: configuration reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

// load reads and parses the file, returning the validated config, the
// SHA-256 of the raw bytes, and the file info the read observed. info is
// non-nil whenever the file could be read, even if parsing failed afterwards.
// The environment overlay is applied the same way [Load] applies it, so a
// reload never loses SIBILANT_* overrides.
func (w *Watcher) load() (*Config, [sha256.Size]byte, os.FileInfo, error) {
	var sum [sha256.Size]byte

	f, err := os.Open(w.path)
	if err != nil {
		return nil, sum, nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, sum, nil, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, sum, nil, err
	}
	sum = sha256.Sum256(data)

	cfg, err := decode(bytes.NewReader(data))
	if err != nil {
		return nil, sum, info, err
	}
	// The process environment is fixed for the watcher's lifetime, so the
	// overlay can use a background context.
	if err := envconfig.Process(context.Background(), cfg); err != nil {
		return nil, sum, info, err
	}
	if err := Validate(cfg); err != nil {
		return nil, sum, info, err
	}
	return cfg, sum, info, nil
}
