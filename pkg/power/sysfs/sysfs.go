// Package sysfs reads battery status from the Linux power-supply class under
// /sys/class/power_supply. It implements [power.Source] with a polling change
// feed; the kernel exposes no push notification for charge level short of
// udev, so polling keeps the dependency surface flat.
package sysfs

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sibilant-audio/sibilant/pkg/power"
)

// DefaultRoot is the standard sysfs power-supply directory.
const DefaultRoot = "/sys/class/power_supply"

// Option configures a [Source].
type Option func(*Source)

// WithRoot overrides the sysfs root directory. Mainly for tests.
func WithRoot(root string) Option {
	return func(s *Source) { s.root = root }
}

// WithInterval sets the polling interval for subscriptions. The default is
// 10 seconds; battery charge moves slowly.
func WithInterval(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithLogger sets the logger for poll warnings. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) { s.log = l }
}

// Source reads battery state from sysfs. The zero value is not usable; create
// with [New].
type Source struct {
	root     string
	interval time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	battery string // cached battery directory, resolved on first read
	subs    map[int]func(power.State)
	nextID  int
	done    chan struct{}
	last    power.State
	haveLst bool
}

// New creates a sysfs battery source.
func New(opts ...Option) *Source {
	s := &Source{
		root:     DefaultRoot,
		interval: 10 * time.Second,
		log:      slog.Default(),
		subs:     make(map[int]func(power.State)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Read implements [power.Source]. Returns [power.ErrUnavailable] when no
// battery-class supply exists under the root.
func (s *Source) Read() (power.State, error) {
	dir, err := s.batteryDir()
	if err != nil {
		return power.State{}, err
	}

	capRaw, err := os.ReadFile(filepath.Join(dir, "capacity"))
	if err != nil {
		return power.State{}, fmt.Errorf("sysfs: read capacity: %w", err)
	}
	pct, err := strconv.Atoi(strings.TrimSpace(string(capRaw)))
	if err != nil {
		return power.State{}, fmt.Errorf("sysfs: parse capacity %q: %w", strings.TrimSpace(string(capRaw)), err)
	}
	if pct < 0 {
		pct = 0
	} else if pct > 100 {
		pct = 100
	}

	// Status reads as Charging, Discharging, Not charging, Full, or Unknown.
	// Only Discharging means the machine is actually burning battery; every
	// other value implies external power (or no data, treated the same so
	// power saving never engages spuriously).
	statusRaw, err := os.ReadFile(filepath.Join(dir, "status"))
	if err != nil {
		return power.State{}, fmt.Errorf("sysfs: read status: %w", err)
	}
	status := strings.TrimSpace(string(statusRaw))

	return power.State{
		Level:    float64(pct) / 100,
		Charging: status != "Discharging",
	}, nil
}

// Subscribe implements [power.Source]. The first subscriber starts the poll
// loop; cancelling the last one stops it.
func (s *Source) Subscribe(fn func(power.State)) (func(), error) {
	// Probing up front makes a missing battery fail at subscribe time rather
	// than silently never firing.
	initial, err := s.Read()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	if s.done == nil {
		s.done = make(chan struct{})
		s.last = initial
		s.haveLst = true
		go s.poll(s.done)
	}
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			if len(s.subs) == 0 && s.done != nil {
				close(s.done)
				s.done = nil
				s.haveLst = false
			}
			s.mu.Unlock()
		})
	}
	return cancel, nil
}

// poll runs in a background goroutine while subscribers exist.
func (s *Source) poll(done <-chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.check()
		}
	}
}

// check reads the battery and notifies subscribers when the state changed.
func (s *Source) check() {
	state, err := s.Read()
	if err != nil {
		s.log.Warn("battery poll failed", "err", err)
		return
	}

	s.mu.Lock()
	if s.haveLst && state == s.last {
		s.mu.Unlock()
		return
	}
	s.last = state
	s.haveLst = true
	fns := make([]func(power.State), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	// Invoke outside the lock so a callback can cancel its subscription.
	for _, fn := range fns {
		fn(state)
	}
}

// batteryDir locates the first battery-class power supply, caching the result.
func (s *Source) batteryDir() (string, error) {
	s.mu.Lock()
	cached := s.battery
	s.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return "", power.ErrUnavailable
		}
		return "", fmt.Errorf("sysfs: read %s: %w", s.root, err)
	}

	for _, entry := range entries {
		dir := filepath.Join(s.root, entry.Name())
		kind, err := os.ReadFile(filepath.Join(dir, "type"))
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(kind)) != "Battery" {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, "capacity")); err != nil {
			continue
		}
		s.mu.Lock()
		s.battery = dir
		s.mu.Unlock()
		return dir, nil
	}
	return "", power.ErrUnavailable
}

var _ power.Source = (*Source)(nil)
