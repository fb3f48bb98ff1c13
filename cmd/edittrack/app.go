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
	"io"

	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/edittrack/cmd/edittrack/config"
	"github.com/AleutianAI/edittrack/pkg/host"
	"github.com/AleutianAI/edittrack/pkg/layer"
	"github.com/AleutianAI/edittrack/pkg/logging"
	"github.com/AleutianAI/edittrack/pkg/prompt"
	"github.com/AleutianAI/edittrack/pkg/settings"
	"github.com/AleutianAI/edittrack/pkg/telemetry"
	"github.com/AleutianAI/edittrack/pkg/tracking"
	"github.com/AleutianAI/edittrack/pkg/ux"
)

// app is one CLI run: configuration, logging, the settings store and an
// engine listening to a project.
type app struct {
	cfg      config.EdittrackConfig
	logger   *logging.Logger
	console  *ux.Console
	store    *settings.Store
	project  *host.Project
	engine   *tracking.Engine
	metrics  *telemetry.Metrics
	shutdown func(context.Context) error
}

type appOptions struct {
	// publish receives every StatsReport of the engine.
	publish func(tracking.StatsReport)

	// prompter replaces the one chosen from the config.
	prompter tracking.Prompter

	// console replaces ux.Std().
	console *ux.Console

	// logOutput replaces stderr for console logs and stdout exporters.
	logOutput io.Writer
}

// newApp wires every component of a run. The caller must close it.
func newApp(ctx context.Context, cfg config.EdittrackConfig, opts appOptions) (*app, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "edittrack",
		JSON:    cfg.Logging.JSON,
		Output:  opts.logOutput,
	})

	a := &app{cfg: cfg, logger: logger, console: opts.console}
	if a.console == nil {
		a.console = ux.Std()
	}

	storeCfg := settings.DefaultConfig(cfg.Settings.Dir)
	storeCfg.Logger = logger.Slog()
	a.store, err = settings.Open(storeCfg)
	if err != nil {
		logger.Close()
		return nil, fmt.Errorf("open settings: %w", err)
	}

	a.metrics = telemetry.NewMetrics(nil)
	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceVersion = version
	tcfg.TraceExporter = cfg.Telemetry.TraceExporter
	tcfg.MetricExporter = cfg.Telemetry.MetricExporter
	tcfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	tcfg.Registry = a.metrics.Registry()
	if opts.logOutput != nil {
		tcfg.Writer = opts.logOutput
	}
	a.shutdown, err = telemetry.Init(ctx, tcfg)
	if err != nil {
		a.store.Close()
		logger.Close()
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	prompter := opts.prompter
	if prompter == nil {
		prompter = prompt.Auto(prompt.Mode(cfg.UI.Prompt), cfg.UI.AssumeYes, cfg.UI.NonInteractive)
	}

	a.project = host.NewProject(host.ProjectOptions{Logger: logger.Slog()})
	a.engine, err = tracking.NewEngine(tracking.Options{
		Host:          a.project,
		Sources:       a.store,
		Prompter:      prompter,
		Notifier:      a.console,
		Observer:      a.metrics,
		Logger:        logger.Slog(),
		QuietInterval: cfg.Tracking.QuietInterval,
		Publish:       opts.publish,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.project.SetListener(a.engine)

	if err := telemetry.ObserveAggregator(otel.Meter("edittrack"), a.engine.Aggregator()); err != nil {
		logger.Warn("aggregator metrics unavailable", "error", err)
	}
	return a, nil
}

// Close releases everything newApp opened, in reverse order.
func (a *app) Close() {
	if a.project != nil {
		a.project.Close()
	}
	if a.engine != nil {
		a.engine.Close()
	}
	if a.shutdown != nil {
		if err := a.shutdown(context.Background()); err != nil {
			a.logger.Warn("telemetry shutdown failed", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("settings close failed", "error", err)
		}
	}
	a.logger.Close()
}

// openLayer loads spec into the project and makes it active.
func (a *app) openLayer(ctx context.Context, spec string) (*layer.Layer, error) {
	l, err := a.project.OpenLayer(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", spec, err)
	}
	return l, nil
}

// track enables tracking on the active layer for this run, which also
// opens its edit session.
func (a *app) track() error {
	err := a.engine.ToggleTracking(true)
	if err != nil && !errors.Is(err, tracking.ErrAlreadyTracked) {
		return err
	}
	return nil
}

// finish waits for queued notifications and stamps, then ends the edit
// session of l. A modified layer is committed by disabling tracking; an
// unmodified one is rolled back so its file is not rewritten.
func (a *app) finish(ctx context.Context, l *layer.Layer) error {
	if err := a.project.Flush(ctx); err != nil {
		return err
	}
	a.engine.Flush()

	if !l.Modified() {
		l.RollBack()
		return a.project.Flush(ctx)
	}
	if !a.engine.TrackingActive(l.ID()) {
		if err := l.CommitChangesContext(ctx); err != nil {
			return fmt.Errorf("commit %s: %w", l.Name(), err)
		}
	} else if err := a.engine.ToggleTracking(false); err != nil {
		return err
	}
	return a.project.Flush(ctx)
}
