// config_watcher.go: hot reload of runtime options with Argus integration
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package audiobridge

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/argus"
	"gopkg.in/yaml.v3"
)

// RuntimeOptions are the bridge settings that can change while the bridge is
// up, without tearing down channels or instances. A reload counts as a cache
// invalidation event: memoized query answers may describe a world the new
// options no longer assume.
type RuntimeOptions struct {
	// LogLevel adjusts verbosity at runtime; interpreted by the host's
	// logger adapter.
	LogLevel string `json:"log_level" yaml:"log_level"`

	// EnableResultCaches switches the idempotent-query caches on or off.
	EnableResultCaches bool `json:"enable_result_caches" yaml:"enable_result_caches"`

	// MaxFrameCapacity caps the frame capacity accepted during audio
	// buffer negotiation. Zero means no cap.
	MaxFrameCapacity uint32 `json:"max_frame_capacity" yaml:"max_frame_capacity"`
}

// DefaultRuntimeOptions provides reasonable defaults.
var DefaultRuntimeOptions = RuntimeOptions{
	LogLevel:           "info",
	EnableResultCaches: true,
	MaxFrameCapacity:   0,
}

// RuntimeOptionsWatcher hot-reloads a runtime options file using Argus file
// watching. Option changes are applied atomically and reported through a
// callback so the owning bridge can invalidate its result caches.
type RuntimeOptionsWatcher struct {
	watcher *argus.Watcher
	path    string
	logger  Logger

	current  atomic.Pointer[RuntimeOptions]
	onChange func(previous, updated *RuntimeOptions)

	running  atomic.Bool
	stopOnce sync.Once
	mutex    sync.Mutex
}

// NewRuntimeOptionsWatcher creates a watcher for the options file at path.
// onChange may be nil when nobody needs change notification.
func NewRuntimeOptionsWatcher(path string, onChange func(previous, updated *RuntimeOptions), logger any) (*RuntimeOptionsWatcher, error) {
	internalLogger := NewLogger(logger)

	w := &RuntimeOptionsWatcher{
		path:     path,
		logger:   internalLogger,
		onChange: onChange,
	}

	w.watcher = argus.New(argus.Config{
		PollInterval:         2 * time.Second,
		MaxWatchedFiles:      1,
		OptimizationStrategy: argus.OptimizationSingleEvent,
		ErrorHandler: func(err error, filepath string) {
			internalLogger.Error("Runtime options file watching error", "error", err, "file", filepath)
		},
	})

	defaults := DefaultRuntimeOptions
	w.current.Store(&defaults)
	return w, nil
}

// Start loads the initial options and begins watching for changes.
func (w *RuntimeOptionsWatcher) Start(ctx context.Context) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.running.Load() {
		return NewConfigError("runtime options watcher already running", nil)
	}

	if options, err := w.loadOptionsFile(w.path); err == nil {
		w.current.Store(options)
	} else {
		// A missing file just means defaults until one appears.
		w.logger.Debug("Runtime options file not loaded, using defaults",
			"path", w.path, "error", err)
	}

	if err := w.watcher.Watch(w.path, w.handleChange); err != nil {
		return NewConfigError("could not watch runtime options file", err)
	}
	if err := w.watcher.Start(); err != nil {
		return NewConfigError("could not start runtime options watcher", err)
	}

	w.running.Store(true)
	w.logger.Info("Runtime options watcher started", "path", w.path)
	return nil
}

// Stop ends watching. Safe to call more than once.
func (w *RuntimeOptionsWatcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		w.mutex.Lock()
		defer w.mutex.Unlock()
		if !w.running.Load() {
			return
		}
		err = w.watcher.Stop()
		w.running.Store(false)
		w.logger.Info("Runtime options watcher stopped")
	})
	return err
}

// Current returns the active options snapshot.
func (w *RuntimeOptionsWatcher) Current() *RuntimeOptions {
	return w.current.Load()
}

// handleChange processes a file change event from Argus.
func (w *RuntimeOptionsWatcher) handleChange(event argus.ChangeEvent) {
	if event.IsDelete {
		w.logger.Warn("Runtime options file deleted, keeping current options", "path", event.Path)
		return
	}

	updated, err := w.loadOptionsFile(event.Path)
	if err != nil {
		w.logger.Error("Failed to load updated runtime options", "error", err, "path", event.Path)
		return
	}

	previous := w.current.Swap(updated)
	w.logger.Info("Runtime options reloaded",
		"log_level", updated.LogLevel,
		"result_caches", updated.EnableResultCaches,
		"max_frame_capacity", updated.MaxFrameCapacity)

	if w.onChange != nil {
		w.onChange(previous, updated)
	}
}

// loadOptionsFile reads and parses an options file, JSON or YAML by
// extension.
func (w *RuntimeOptionsWatcher) loadOptionsFile(path string) (*RuntimeOptions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewConfigError("could not read runtime options file", err)
	}

	options := DefaultRuntimeOptions
	switch argus.DetectFormat(path) {
	case argus.FormatJSON:
		if err := json.Unmarshal(data, &options); err != nil {
			return nil, NewConfigError("could not parse JSON runtime options", err)
		}
	case argus.FormatYAML:
		if err := yaml.Unmarshal(data, &options); err != nil {
			return nil, NewConfigError("could not parse YAML runtime options", err)
		}
	default:
		return nil, NewConfigError("unsupported runtime options format", nil)
	}
	return &options, nil
}
