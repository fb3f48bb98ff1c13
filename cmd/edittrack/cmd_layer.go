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
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/edittrack/pkg/layer"
	"github.com/AleutianAI/edittrack/pkg/tracking"
	"github.com/AleutianAI/edittrack/pkg/ux"
)

// runStats classifies every record of the layer and renders the counts.
// Tracking state is not touched: the counts come straight from the
// classifier.
func runStats(ctx context.Context, a *app, spec, dayText string) error {
	day := tracking.Today()
	if dayText != "" {
		parsed, err := tracking.ParseDate(dayText)
		if err != nil {
			return err
		}
		day = parsed
	}

	l, err := a.openLayer(ctx, spec)
	if err != nil {
		return err
	}

	start := time.Now()
	stats, err := tracking.RecomputeNow(ctx, l, day)
	report := tracking.StatsReport{
		CollectionID:   l.ID(),
		CollectionName: l.Name(),
		ReferenceDay:   day,
		ComputedAt:     time.Now(),
	}
	switch {
	case errors.Is(err, tracking.ErrSchemaMissing):
		report.Status = tracking.StatusSchemaMissing
	case err != nil:
		report.Status = tracking.StatusFailed
		report.Error = err.Error()
	default:
		report.Status = tracking.StatusReady
		report.Stats = stats
	}
	a.metrics.RecordRecompute(report, time.Since(start).Seconds())

	a.console.Stats(report)
	if report.Status == tracking.StatusFailed {
		return err
	}
	return nil
}

// runTrack enables tracking on the layer, which remembers its source for
// later sessions. Nothing is written to the layer.
func runTrack(ctx context.Context, a *app, spec string) error {
	return a.runTool(ctx, spec, func(l *layer.Layer) error {
		if ux.GetPersonality().Level != ux.PersonalityMachine {
			a.console.Muted("Source " + l.SourceKey())
		}
		return nil
	})
}

// runSources lists the previously tracked sources.
func runSources(a *app) error {
	keys, err := a.store.List()
	if err != nil {
		return err
	}
	a.console.Sources(keys)
	return nil
}

func runCreateFields(ctx context.Context, a *app, spec string) error {
	return a.runTool(ctx, spec, func(*layer.Layer) error {
		_, err := a.engine.CreateFields()
		return err
	})
}

func runMark(ctx context.Context, a *app, spec string, ids []tracking.RecordID) error {
	if len(ids) == 0 {
		return tracking.ErrNoSelection
	}
	return a.runTool(ctx, spec, func(l *layer.Layer) error {
		l.SelectByIDs(ids)
		_, err := a.engine.MarkSelected()
		return err
	})
}

func runSetDate(ctx context.Context, a *app, spec string, ids []tracking.RecordID, dayText string) error {
	day, err := tracking.ParseDate(dayText)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return tracking.ErrNoSelection
	}
	return a.runTool(ctx, spec, func(l *layer.Layer) error {
		l.SelectByIDs(ids)
		_, err := a.engine.UpdateDateForSelected(day)
		return err
	})
}

func runRemoveNullGeometry(ctx context.Context, a *app, spec string) error {
	return a.runTool(ctx, spec, func(*layer.Layer) error {
		_, err := a.engine.RemoveNullGeometry()
		return err
	})
}

// runSelectNull prints the ids the selection tool picks. The selection
// itself does not outlive the run.
func runSelectNull(ctx context.Context, a *app, spec string) error {
	return a.runTool(ctx, spec, func(l *layer.Layer) error {
		if _, err := a.engine.SelectNullAttributes(); err != nil {
			return err
		}
		ids := l.SelectedIDs()
		if len(ids) == 0 {
			return nil
		}
		if ux.GetPersonality().Level == ux.PersonalityMachine {
			for _, id := range ids {
				a.console.Line(strconv.FormatInt(int64(id), 10))
			}
			return nil
		}
		a.console.Line(fmt.Sprintf("Record ids: %s", joinIDs(ids)))
		return nil
	})
}

// runTool opens the layer, enables tracking for the run, applies tool and
// ends the session. A tool error does not prevent the commit of what the
// tool already changed.
func (a *app) runTool(ctx context.Context, spec string, tool func(l *layer.Layer) error) error {
	l, err := a.openLayer(ctx, spec)
	if err != nil {
		return err
	}
	if err := a.track(); err != nil {
		return err
	}
	toolErr := tool(l)
	return errors.Join(toolErr, a.finish(ctx, l))
}

func joinIDs(ids []tracking.RecordID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(int64(id), 10)
	}
	return strings.Join(parts, ", ")
}
