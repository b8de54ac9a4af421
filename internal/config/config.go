// Package config implements the engine's configuration surface (spec
// §6.2): the restricted-port tuple list, policy/browse toggles, and
// collaborator-only keys the engine itself never reads. Hot reload is
// grounded on fsnotify, a teacher dependency (go.mod) that nothing in the
// copied share/ sources wires up directly — this is its first real home.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/sammck-go/prxtunnel/internal/logging"
)

// PortRange is one inclusive [Low, High] tuple parsed out of
// restricted_ports.
type PortRange struct {
	Low, High uint16
}

// Contains reports whether port falls inside the range.
func (r PortRange) Contains(port uint16) bool {
	return port >= r.Low && port <= r.High
}

// Config is the snapshot of engine-relevant keys (spec §6.2 table).
// Collaborator-only keys (token_ttl, proxy_host, proxy_user, proxy_pwd,
// log_telemetry) are intentionally absent: the engine is unaware of them.
type Config struct {
	RestrictedPorts []PortRange
	PolicyImport    string
	BrowseFS        bool
}

// ParseRestrictedPorts parses the "lo-hi;lo-hi;..." tuple-list format
// described in spec §6.2. An empty string means nothing is restricted.
func ParseRestrictedPorts(s string) ([]PortRange, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var ranges []PortRange
	for _, tuple := range strings.Split(s, ";") {
		tuple = strings.TrimSpace(tuple)
		if tuple == "" {
			continue
		}
		parts := strings.SplitN(tuple, "-", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("config: malformed restricted_ports tuple %q", tuple)
		}
		lo, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 16)
		if err != nil {
			return nil, fmt.Errorf("config: malformed low port in %q: %w", tuple, err)
		}
		hi, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 16)
		if err != nil {
			return nil, fmt.Errorf("config: malformed high port in %q: %w", tuple, err)
		}
		if hi < lo {
			return nil, fmt.Errorf("config: tuple %q has high < low", tuple)
		}
		ranges = append(ranges, PortRange{Low: uint16(lo), High: uint16(hi)})
	}
	return ranges, nil
}

// IsRestricted reports whether port matches any parsed restricted_ports
// tuple (spec §4.5.2/§4.5.3 restricted-port check, invariant 8).
func (c *Config) IsRestricted(port uint16) bool {
	for _, r := range c.RestrictedPorts {
		if r.Contains(port) {
			return true
		}
	}
	return false
}

// Store holds an atomically-swappable Config, reloaded from disk whenever
// the backing file changes. Grounded on the teacher's preference for
// fsnotify over polling, though the teacher's own copied files never
// exercise it — this component gives that dependency its first caller.
type Store struct {
	logger logging.Logger
	path   string

	val      atomic.Value // holds *Config
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	closed   bool
	loadFunc func(path string) (*Config, error)
}

// NewStore loads path once via load and begins watching it for changes.
// load is injected so callers can supply their own file-format parser
// (INI, JSON, etc.) while reusing the watch plumbing.
func NewStore(logger logging.Logger, path string, load func(path string) (*Config, error)) (*Store, error) {
	cfg, err := load(path)
	if err != nil {
		return nil, err
	}
	s := &Store{logger: logger, path: path, loadFunc: load}
	s.val.Store(cfg)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	s.watcher = watcher
	go s.watchLoop()
	return s, nil
}

// NewStatic wraps a fixed Config in a Store with no backing file and no
// watcher, for callers (e.g. a daemon invoked with no --policy-file) that
// want the engine's config.Store contract without requiring a file on disk.
func NewStatic(cfg *Config) *Store {
	s := &Store{}
	if cfg == nil {
		cfg = &Config{}
	}
	s.val.Store(cfg)
	return s
}

// Get returns the current Config snapshot. Safe for concurrent use.
func (s *Store) Get() *Config {
	return s.val.Load().(*Config)
}

func (s *Store) watchLoop() {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := s.loadFunc(s.path)
			if err != nil {
				s.logger.WLogf("config: reload of %s failed: %s", s.path, err)
				continue
			}
			s.val.Store(cfg)
			s.logger.ILogf("config: reloaded %s", s.path)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.WLogf("config: watcher error: %s", err)
		}
	}
}

// Close stops watching the config file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.watcher == nil {
		return nil
	}
	return s.watcher.Close()
}
