// Package config loads the node's JSON settings file into an atomically
// swapped snapshot, re-reading it both on an explicit Reload call (the
// control-plane client does this before every heartbeat) and whenever
// fsnotify reports the backing file changed.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Settings is the configuration snapshot consumed by the core. Field names
// mirror the JSON keys of the on-disk settings file (spec.md §3 / §6).
type Settings struct {
	ClientSecret                    string `json:"client_secret"`
	ClientPort                      int    `json:"client_port"`
	MaxCacheSizeBytes               int64  `json:"max_cache_size_bytes"`
	ReportedDiskSpaceBytes          int64  `json:"reported_disk_space_bytes"`
	ReportedNetworkSpeedBytesPerSec int64  `json:"reported_network_speed_bytes_per_sec"`
	WorkerCount                     int    `json:"worker_count"`
	BuildVersion                    int    `json:"build_version"`

	// Domain-stack additions (see SPEC_FULL.md §3/§4).
	FSCacheRoot    string `json:"fs_cache_root"`
	ArchiveEnabled bool   `json:"archive_enabled"`
	ArchiveBucket  string `json:"archive_bucket"`
	ArchivePrefix  string `json:"archive_prefix"`
	ControlURL     string `json:"control_url"`
	LogLevel       string `json:"log_level"`
}

const buildVersion = 13

// Store holds the live settings snapshot and the path it was loaded from.
type Store struct {
	path     string
	snapshot atomic.Pointer[Settings]
	watcher  *fsnotify.Watcher
}

// Load reads path once and returns a Store wrapping an atomic snapshot of
// its contents. build_version is forced to the value the control plane
// expects regardless of what is on disk.
func Load(path string) (*Store, error) {
	s := &Store{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the settings file from disk and swaps the snapshot
// atomically. Callers never observe a partially-updated Settings value.
func (s *Store) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", s.path, err)
	}

	var next Settings
	if err := json.Unmarshal(data, &next); err != nil {
		return fmt.Errorf("parsing config %s: %w", s.path, err)
	}
	next.BuildVersion = buildVersion

	s.snapshot.Store(&next)
	return nil
}

// Snapshot returns the current settings. Safe for concurrent callers.
func (s *Store) Snapshot() Settings {
	return *s.snapshot.Load()
}

// Watch starts an fsnotify watcher on the config file and reloads the
// snapshot whenever fsnotify reports a write, create or rename event for
// it. The watch is on the file itself: replacing the file by renaming
// another file over it is reported as a chmod/remove of the old file,
// which does not trigger a reload and ends the watch. Watch failures are
// logged, not fatal: the heartbeat-driven
// Reload in internal/controlplane still keeps settings fresh.
func (s *Store) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	if err := w.Add(s.path); err != nil {
		w.Close()
		return fmt.Errorf("watching config %s: %w", s.path, err)
	}
	s.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := s.Reload(); err != nil {
					slog.Warn("config reload after fs event failed", "error", err)
					continue
				}
				slog.Info("config reloaded from disk change", "path", s.path)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Close stops the watcher, if running.
func (s *Store) Close() error {
	if s.watcher == nil {
		return nil
	}
	return s.watcher.Close()
}
