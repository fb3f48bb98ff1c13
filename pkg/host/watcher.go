// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/AleutianAI/edittrack/pkg/layer"
	"github.com/AleutianAI/edittrack/pkg/tracking"
	"github.com/fsnotify/fsnotify"
)

// SyncResult counts what a Sync applied to a layer.
type SyncResult struct {
	Added       int
	Changed     int // geometry changes
	Updated     int // attribute-only changes
	Deleted     int
	FieldsAdded int
}

// Empty reports whether nothing changed.
func (r SyncResult) Empty() bool {
	return r == SyncResult{}
}

func (r SyncResult) String() string {
	return fmt.Sprintf("added=%d changed=%d updated=%d deleted=%d fields_added=%d",
		r.Added, r.Changed, r.Updated, r.Deleted, r.FieldsAdded)
}

// Sync reloads the layer's source and applies the differences as edits.
//
// Description:
//
//	The layer must be in an edit session. Changes are applied in this
//	order: new fields, attribute updates, deletions, geometry changes,
//	additions. Geometry changes and additions raise the usual layer
//	notifications, so a tracking engine stamps them after the attribute
//	updates from the file have landed. Features without an id in the file
//	are always added.
//
// Inputs:
//
//	ctx - Passed to the provider.
//	l - A layer with a provider.
//
// Outputs:
//
//	SyncResult - What was applied, even on error.
//	error - tracking.ErrNotEditable, a load error, or joined edit errors.
func Sync(ctx context.Context, l *layer.Layer) (SyncResult, error) {
	var res SyncResult
	prov := l.Provider()
	if prov == nil {
		return res, errors.New("host: layer has no provider")
	}
	if !l.IsEditable() {
		return res, tracking.ErrNotEditable
	}
	data, err := prov.Load(ctx)
	if err != nil {
		return res, fmt.Errorf("reload %s: %w", prov.SourceKey(), err)
	}

	var missing []tracking.FieldDef
	for _, f := range data.Fields {
		if l.FieldIndex(f.Name) < 0 {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		if err := l.AddAttributes(missing...); err != nil {
			return res, err
		}
		res.FieldsAdded = len(missing)
	}

	fields := l.Fields()
	fileIdx := make([]int, len(data.Fields))
	for j, f := range data.Fields {
		fileIdx[j] = l.FieldIndex(f.Name)
	}

	current := make(map[tracking.RecordID]layer.Feature)
	for _, f := range l.Features() {
		current[f.ID] = f
	}
	inFile := make(map[tracking.RecordID]bool, len(data.Features))

	var errs []error
	for _, f := range data.Features {
		cur, ok := current[f.ID]
		if !ok {
			continue
		}
		inFile[f.ID] = true
		updated := false
		for j, idx := range fileIdx {
			if idx < 0 || j >= len(f.Attributes) {
				continue
			}
			v := layer.NormalizeValue(fields[idx].Type, f.Attributes[j])
			if layer.SameValue(cur.Attributes[idx], v) {
				continue
			}
			if err := l.ChangeAttributeValue(f.ID, idx, v); err != nil {
				errs = append(errs, err)
				continue
			}
			updated = true
		}
		if updated {
			res.Updated++
		}
	}

	for id := range current {
		if inFile[id] {
			continue
		}
		if err := l.DeleteRecord(id); err != nil {
			errs = append(errs, err)
			continue
		}
		res.Deleted++
	}

	for _, f := range data.Features {
		cur, ok := current[f.ID]
		if !ok || layer.GeometryEqual(cur.Geometry, f.Geometry) {
			continue
		}
		if err := l.ChangeGeometry(f.ID, f.Geometry); err != nil {
			errs = append(errs, err)
			continue
		}
		res.Changed++
	}

	for _, f := range data.Features {
		if _, ok := current[f.ID]; ok {
			continue
		}
		attrs := make([]any, len(fields))
		for j, idx := range fileIdx {
			if idx >= 0 && j < len(f.Attributes) {
				attrs[idx] = f.Attributes[j]
			}
		}
		if _, err := l.AddFeature(layer.Feature{ID: f.ID, Geometry: f.Geometry, Attributes: attrs}); err != nil {
			errs = append(errs, err)
			continue
		}
		res.Added++
	}

	if len(errs) > 0 {
		return res, fmt.Errorf("sync %s: %w", l.Name(), errors.Join(errs...))
	}
	return res, nil
}

// FileWatcherOptions configures a FileWatcher.
type FileWatcherOptions struct {
	// DebounceWindow is how long to wait for more events before syncing.
	// Default: 200ms.
	DebounceWindow time.Duration

	// OnSync is called after every sync, on the watcher goroutine.
	OnSync func(SyncResult, error)

	// Logger is the logger. Default: discard.
	Logger *slog.Logger
}

// DefaultFileWatcherOptions returns sensible defaults.
func DefaultFileWatcherOptions() FileWatcherOptions {
	return FileWatcherOptions{DebounceWindow: 200 * time.Millisecond}
}

// FileWatcher syncs a layer whenever its file changes on disk.
//
// Description:
//
//	Watches the directory holding the layer's file, because editors and
//	atomic writers replace the file rather than writing into it. Events
//	for other files are ignored. Bursts of events are debounced into one
//	Sync. The layer's own saves trigger a sync too; it finds nothing to
//	apply.
//
// Thread Safety:
//
//	Start and Stop are safe for concurrent use. Syncs never overlap.
type FileWatcher struct {
	layer    *layer.Layer
	dir      string
	names    map[string]bool
	watcher  *fsnotify.Watcher
	debounce time.Duration
	onSync   func(SyncResult, error)
	logger   *slog.Logger

	changes  chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	syncMu   sync.Mutex

	mu       sync.RWMutex
	watching bool
}

// NewFileWatcher creates a watcher for l. It does not watch until Start.
func NewFileWatcher(l *layer.Layer, opts *FileWatcherOptions) (*FileWatcher, error) {
	if opts == nil {
		defaults := DefaultFileWatcherOptions()
		opts = &defaults
	}
	prov := l.Provider()
	if prov == nil || prov.Path() == "" {
		return nil, fmt.Errorf("host: layer %s has no file to watch", l.Name())
	}
	debounce := opts.DebounceWindow
	if debounce <= 0 {
		debounce = DefaultFileWatcherOptions().DebounceWindow
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}

	base := filepath.Base(prov.Path())
	return &FileWatcher{
		layer: l,
		dir:   filepath.Dir(prov.Path()),
		// SQLite writes through its WAL before checkpointing.
		names:    map[string]bool{base: true, base + "-wal": true},
		watcher:  watcher,
		debounce: debounce,
		onSync:   opts.OnSync,
		logger:   logger.With(slog.String("component", "file_watcher"), slog.String("layer", l.Name())),
		changes:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. Calling it twice is a no-op.
func (w *FileWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return nil
	}
	w.watching = true
	w.mu.Unlock()

	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	go w.processEvents(ctx)
	go w.debounceLoop(ctx)
	w.logger.Debug("watching", slog.String("dir", w.dir))
	return nil
}

// Stop stops watching. Safe to call multiple times.
func (w *FileWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()

		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
	})
}

// IsWatching returns true if the watcher is active.
func (w *FileWatcher) IsWatching() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.watching
}

// Run starts the watcher and blocks until ctx is done.
func (w *FileWatcher) Run(ctx context.Context) error {
	if err := w.Start(ctx); err != nil {
		return err
	}
	defer w.Stop()
	select {
	case <-ctx.Done():
	case <-w.done:
	}
	return nil
}

func (w *FileWatcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.names[filepath.Base(event.Name)] {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			select {
			case w.changes <- struct{}{}:
			default:
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *FileWatcher) debounceLoop(ctx context.Context) {
	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-w.changes:
			// Trailing edge: every event pushes the sync back.
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			timerC = timer.C
		case <-timerC:
			timerC = nil
			w.SyncNow(ctx)
		}
	}
}

// SyncNow runs one Sync and reports it to OnSync.
func (w *FileWatcher) SyncNow(ctx context.Context) (SyncResult, error) {
	w.syncMu.Lock()
	defer w.syncMu.Unlock()

	res, err := Sync(ctx, w.layer)
	switch {
	case err != nil:
		w.logger.Warn("sync failed", slog.String("error", err.Error()))
	case !res.Empty():
		w.logger.Info("external edits applied", slog.String("result", res.String()))
	default:
		w.logger.Debug("file changed, nothing to apply")
	}
	if w.onSync != nil {
		w.onSync(res, err)
	}
	return res, err
}
