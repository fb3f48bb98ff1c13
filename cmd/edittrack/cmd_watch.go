// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/edittrack/pkg/api"
	"github.com/AleutianAI/edittrack/pkg/extensions"
	"github.com/AleutianAI/edittrack/pkg/host"
	"github.com/AleutianAI/edittrack/pkg/layer"
)

// runWatch follows a layer until ctx is cancelled.
//
// Description:
//
//	Starting the edit session raises EditingStarted, which asks whether to
//	resume tracking when the source was tracked before. The file watcher
//	then applies external edits to the session; the engine stamps the
//	changed records and the layer is saved after each sync while tracking
//	is on. The HTTP API runs alongside when listen is set. On return the
//	session is committed if tracked, rolled back otherwise.
func runWatch(ctx context.Context, a *app, spec, listen string, enable bool) error {
	l, err := a.openLayer(ctx, spec)
	if err != nil {
		return err
	}
	if err := l.StartEditing(); err != nil {
		return fmt.Errorf("start editing %s: %w", l.Name(), err)
	}
	// The resume prompt runs on the notification queue.
	if err := a.project.Flush(ctx); err != nil {
		return err
	}
	if enable {
		if err := a.track(); err != nil {
			return err
		}
	}
	if !a.engine.TrackingActive(l.ID()) {
		a.console.Warning(fmt.Sprintf("Edit tracking is off for %s: external edits are followed but not stamped. Use --track to enable it.", l.Name()))
	}
	a.engine.RefreshNow(ctx)

	watcher, err := host.NewFileWatcher(l, &host.FileWatcherOptions{
		DebounceWindow: a.cfg.Tracking.WatchDebounce,
		Logger:         a.logger.Slog(),
		OnSync: func(res host.SyncResult, err error) {
			a.afterSync(ctx, l, res, err)
		},
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return watcher.Run(gctx) })
	if listen != "" {
		srv := api.NewServer(a.engine, api.Config{
			Addr:       listen,
			Version:    version,
			Metrics:    a.metrics.Handler(),
			Logger:     a.logger.Slog(),
			Extensions: a.apiExtensions(),
		})
		g.Go(func() error { return srv.Run(gctx) })
	}
	waitErr := g.Wait()

	// ctx is done here; closing the session must still complete.
	stopErr := a.stopWatching(context.WithoutCancel(ctx), l)
	return errors.Join(waitErr, stopErr)
}

// apiExtensions builds the auth and audit hooks of the watch API. A
// configured token turns on bearer authentication.
func (a *app) apiExtensions() extensions.Options {
	opts := extensions.DefaultOptions().
		WithAudit(extensions.NewMemoryAuditLogger(a.cfg.API.AuditCapacity))
	if a.cfg.API.Token != "" {
		opts = opts.WithAuth(extensions.NewTokenAuthProvider(a.cfg.API.Token))
	}
	return opts
}

// afterSync saves what the engine stamped in response to an external edit.
func (a *app) afterSync(ctx context.Context, l *layer.Layer, res host.SyncResult, err error) {
	if err != nil {
		a.console.Warning(fmt.Sprintf("Could not apply changes of %s: %v", l.Name(), err))
		return
	}
	if res.Empty() {
		return
	}
	if err := a.project.Flush(ctx); err != nil {
		return
	}
	if !a.engine.TrackingActive(l.ID()) || !l.IsEditable() {
		return
	}
	if err := l.SaveEdits(ctx); err != nil {
		a.logger.Warn("save after sync failed", slog.String("layer", l.Name()), slog.String("error", err.Error()))
		a.console.Warning(fmt.Sprintf("Could not save %s: %v", l.Name(), err))
		return
	}
	a.logger.Debug("stamps saved", slog.String("layer", l.Name()), slog.String("sync", res.String()))
}

// stopWatching ends the edit session: disabling tracking commits it, an
// untracked session is rolled back so the file is left as the editor
// wrote it.
func (a *app) stopWatching(ctx context.Context, l *layer.Layer) error {
	if err := a.project.Flush(ctx); err != nil {
		return err
	}
	a.engine.Flush()
	if !l.IsEditable() {
		return nil
	}
	if a.engine.TrackingActive(l.ID()) {
		return a.engine.ToggleTracking(false)
	}
	l.RollBack()
	return nil
}
