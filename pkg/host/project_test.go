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
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/edittrack/pkg/layer"
	"github.com/AleutianAI/edittrack/pkg/tracking"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ tracking.Host   = (*Project)(nil)
	_ layer.EventSink = (*Project)(nil)
	_ Listener        = (*tracking.Engine)(nil)
)

// recordingListener records notifications as strings.
type recordingListener struct {
	mu     sync.Mutex
	events []string
	onCall func(string)
}

func (r *recordingListener) add(s string) {
	r.mu.Lock()
	r.events = append(r.events, s)
	fn := r.onCall
	r.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (r *recordingListener) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recordingListener) OnGeometryChanged(id tracking.CollectionID, rec tracking.RecordID) {
	r.add(fmt.Sprintf("geometry %d", rec))
}
func (r *recordingListener) OnRecordAdded(id tracking.CollectionID, rec tracking.RecordID) {
	r.add(fmt.Sprintf("added %d", rec))
}
func (r *recordingListener) OnEditingStarted(_ context.Context, id tracking.CollectionID) {
	r.add("started")
}
func (r *recordingListener) OnEditingStopped(id tracking.CollectionID) { r.add("stopped") }
func (r *recordingListener) OnCollectionsRemoved(ids ...tracking.CollectionID) {
	r.add(fmt.Sprintf("removed %d", len(ids)))
}
func (r *recordingListener) OnActiveChanged(id tracking.CollectionID) {
	if id == "" {
		r.add("active none")
		return
	}
	r.add("active")
}

const roadsGeoJSON = `{"type":"FeatureCollection","features":[
 {"type":"Feature","id":1,"geometry":{"type":"Point","coordinates":[0,0]},"properties":{"name":"a"}},
 {"type":"Feature","id":2,"geometry":{"type":"Point","coordinates":[1,1]},"properties":{"name":"b"}}
]}`

func writeRoads(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "roads.geojson")
	require.NoError(t, os.WriteFile(path, []byte(roadsGeoJSON), 0o644))
	return path
}

func newTestProject(t *testing.T) (*Project, *recordingListener) {
	t.Helper()
	rec := &recordingListener{}
	p := NewProject(ProjectOptions{Listener: rec})
	t.Cleanup(p.Close)
	return p, rec
}

func TestProject_OpenLayerActivates(t *testing.T) {
	ctx := context.Background()
	p, rec := newTestProject(t)

	l, err := p.OpenLayer(ctx, writeRoads(t))
	require.NoError(t, err)
	require.NoError(t, p.Flush(ctx))

	active, ok := p.ActiveResource()
	require.True(t, ok)
	assert.Equal(t, l.ID(), active.ID())
	assert.Contains(t, string(l.ID()), "roads_")
	assert.Equal(t, []string{"active"}, rec.snapshot())

	got, ok := p.Layer(l.ID())
	require.True(t, ok)
	assert.Same(t, l, got)
}

func TestProject_EventsInOrder(t *testing.T) {
	ctx := context.Background()
	p, rec := newTestProject(t)
	l, err := p.OpenLayer(ctx, writeRoads(t))
	require.NoError(t, err)

	require.NoError(t, l.StartEditing())
	require.NoError(t, l.ChangeGeometry(1, orb.Point{5, 5}))
	id, err := l.AddFeatureValues(orb.Point{2, 2}, map[string]any{"name": "c"})
	require.NoError(t, err)
	require.NoError(t, l.CommitChanges())
	require.NoError(t, p.Flush(ctx))

	assert.Equal(t, []string{"active", "started", "geometry 1", fmt.Sprintf("added %d", id), "stopped"}, rec.snapshot())
}

func TestProject_ListenerMayCallBack(t *testing.T) {
	ctx := context.Background()
	p, rec := newTestProject(t)
	l, err := p.OpenLayer(ctx, writeRoads(t))
	require.NoError(t, err)
	require.NoError(t, l.StartEditing())
	require.NoError(t, p.Flush(ctx))

	// A listener that edits the layer from inside a notification must not
	// deadlock and its own events are delivered afterwards.
	var once sync.Once
	rec.mu.Lock()
	rec.onCall = func(ev string) {
		if ev == "geometry 1" {
			once.Do(func() { _ = l.ChangeGeometry(2, orb.Point{9, 9}) })
		}
	}
	rec.mu.Unlock()
	require.NoError(t, l.ChangeGeometry(1, orb.Point{5, 5}))
	require.NoError(t, p.Flush(ctx))

	assert.Equal(t, []string{"active", "started", "geometry 1", "geometry 2"}, rec.snapshot())
}

func TestProject_RemoveResources(t *testing.T) {
	ctx := context.Background()
	p, rec := newTestProject(t)
	l, err := p.OpenLayer(ctx, writeRoads(t))
	require.NoError(t, err)
	raster := NewRaster("/data/dem.tif")
	require.NoError(t, p.AddResource(raster))
	assert.Len(t, p.Resources(), 2)

	p.RemoveResources(l.ID(), "unknown")
	require.NoError(t, p.Flush(ctx))

	_, ok := p.ActiveResource()
	assert.False(t, ok)
	assert.Len(t, p.Resources(), 1)
	assert.Equal(t, []string{"active", "removed 1", "active none"}, rec.snapshot())
	assert.ErrorIs(t, l.StartEditing(), tracking.ErrClosed, "removed layers are closed")

	p.RemoveResources("unknown")
	require.NoError(t, p.Flush(ctx))
	assert.Len(t, rec.snapshot(), 3, "nothing removed, nothing sent")
}

func TestProject_SetActive(t *testing.T) {
	p, _ := newTestProject(t)
	raster := NewRaster("/data/dem.tif")
	require.NoError(t, p.AddResource(raster))
	assert.Error(t, p.AddResource(raster), "duplicate id")

	assert.ErrorIs(t, p.SetActive("nope"), ErrUnknownResource)
	require.NoError(t, p.SetActive(raster.ID()))

	active, ok := p.ActiveResource()
	require.True(t, ok)
	assert.Equal(t, tracking.KindRaster, active.Kind())
	assert.Equal(t, "dem", active.Name())

	require.NoError(t, p.SetActive(""))
	_, ok = p.ActiveResource()
	assert.False(t, ok)
}

func TestProject_FlushHonoursContext(t *testing.T) {
	p, rec := newTestProject(t)
	block := make(chan struct{})
	rec.onCall = func(string) { <-block }
	defer close(block)

	require.NoError(t, p.AddResource(NewRaster("/x.tif")))
	p.EditingStopped("x")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Flush(ctx), context.DeadlineExceeded)
}

func TestNewID(t *testing.T) {
	a := NewID("my roads (2024)")
	b := NewID("my roads (2024)")
	assert.NotEqual(t, a, b)
	assert.Regexp(t, `^my_roads_2024_[0-9a-f]{32}$`, string(a))
	assert.Regexp(t, `^layer_`, string(NewID("***")))
}

// =============================================================================
// Engine integration
// =============================================================================

func TestProject_DrivesEngine(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProject(t)
	path := writeRoads(t)
	l, err := p.OpenLayer(ctx, path)
	require.NoError(t, err)

	now := time.Date(2025, time.June, 15, 9, 0, 0, 0, time.UTC)
	sources := tracking.NewMemorySources()
	eng, err := tracking.NewEngine(tracking.Options{
		Host:          p,
		Sources:       sources,
		QuietInterval: time.Hour,
		Now:           func() time.Time { return now },
	})
	require.NoError(t, err)
	defer eng.Close()
	p.SetListener(eng)

	require.NoError(t, eng.ToggleTracking(true))
	n, err := eng.CreateFields()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NoError(t, p.Flush(ctx))

	require.NoError(t, l.ChangeGeometry(1, orb.Point{5, 5}))
	added, err := l.AddFeatureValues(orb.Point{3, 3}, map[string]any{"name": "c"})
	require.NoError(t, err)
	require.NoError(t, p.Flush(ctx))

	idx, ok := tracking.LookupSchema(l)
	require.True(t, ok)
	for _, id := range []tracking.RecordID{1, added} {
		r, err := l.Record(id)
		require.NoError(t, err)
		c := r.Classify(idx)
		assert.Equal(t, tracking.ClassEdited, c.Class, "record %d", id)
		assert.Equal(t, tracking.NewDate(2025, time.June, 15), c.Date)
	}

	report := eng.RefreshNow(ctx)
	assert.Equal(t, tracking.StatusReady, report.Status)
	assert.Equal(t, 3, report.Stats.Total)
	assert.Equal(t, 2, report.Stats.Edited)
	assert.Equal(t, 2, report.Stats.DayCount)
	assert.Equal(t, 1, report.Stats.NotEdited)

	require.NoError(t, eng.ToggleTracking(false))
	assert.False(t, l.IsEditable(), "disable commits")
	was, err := sources.Contains(l.SourceKey())
	require.NoError(t, err)
	assert.True(t, was)

	reloaded, err := layer.Load(ctx, "again", layer.NewGeoJSONProvider(path))
	require.NoError(t, err)
	assert.Equal(t, 3, reloaded.Len())
}

func TestProject_ResumePromptOnEditingStarted(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProject(t)
	path := writeRoads(t)

	// First session: track and create fields, then close.
	l, err := p.OpenLayer(ctx, path)
	require.NoError(t, err)
	sources := tracking.NewMemorySources()
	asked := make(chan string, 1)
	eng, err := tracking.NewEngine(tracking.Options{
		Host:          p,
		Sources:       sources,
		QuietInterval: time.Hour,
		Prompter: promptFunc(func(_ context.Context, prompt string) (bool, error) {
			asked <- prompt
			return true, nil
		}),
	})
	require.NoError(t, err)
	defer eng.Close()
	p.SetListener(eng)

	require.NoError(t, eng.ToggleTracking(true))
	_, err = eng.CreateFields()
	require.NoError(t, err)
	require.NoError(t, eng.ToggleTracking(false))
	p.RemoveResources(l.ID())
	require.NoError(t, p.Flush(ctx))

	// Second session on the same file: starting an edit asks to resume.
	l2, err := p.OpenLayer(ctx, path)
	require.NoError(t, err)
	require.NoError(t, l2.StartEditing())
	require.NoError(t, p.Flush(ctx))

	select {
	case prompt := <-asked:
		assert.Contains(t, prompt, "roads")
	default:
		t.Fatal("resume prompt was not shown")
	}
	assert.True(t, eng.TrackingActive(l2.ID()))
}

type promptFunc func(ctx context.Context, prompt string) (bool, error)

func (f promptFunc) Confirm(ctx context.Context, prompt string) (bool, error) { return f(ctx, prompt) }
