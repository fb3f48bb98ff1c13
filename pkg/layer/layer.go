// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package layer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/AleutianAI/edittrack/pkg/tracking"
	"github.com/paulmach/orb"
)

// ErrRecordNotFound is returned for an id the layer does not hold.
var ErrRecordNotFound = errors.New("layer: record not found")

// EventSink receives the notifications a Layer raises.
//
// Description:
//
//	Events are delivered after the layer's lock is released, on the
//	goroutine that made the change. A sink that forwards to the tracking
//	Engine must queue them: the Engine calls layer methods while holding
//	its own lock.
type EventSink interface {
	GeometryChanged(id tracking.CollectionID, record tracking.RecordID)
	RecordAdded(id tracking.CollectionID, record tracking.RecordID)
	EditingStarted(id tracking.CollectionID)
	EditingStopped(id tracking.CollectionID)
}

type eventKind int

const (
	eventGeometryChanged eventKind = iota
	eventRecordAdded
	eventEditingStarted
	eventEditingStopped
)

type event struct {
	kind   eventKind
	record tracking.RecordID
}

// snapshot is the committed state an edit session can roll back to.
type snapshot struct {
	fields   []tracking.FieldDef
	features map[tracking.RecordID]Feature
	order    []tracking.RecordID
	nextID   tracking.RecordID
}

// Layer is an editable vector layer backed by a Provider.
//
// Description:
//
//	Layer implements tracking.Collection. Changes are only accepted
//	inside an edit session (StartEditing). CommitChanges saves the edit
//	buffer through the provider and ends the session; RollBack discards
//	it. Selection survives edit sessions.
//
// Thread Safety:
//
//	All methods are safe for concurrent use.
type Layer struct {
	id       tracking.CollectionID
	name     string
	provider Provider
	logger   *slog.Logger

	mu       sync.RWMutex
	fields   []tracking.FieldDef
	features map[tracking.RecordID]Feature
	order    []tracking.RecordID
	nextID   tracking.RecordID
	selected map[tracking.RecordID]struct{}
	editing  bool
	base     *snapshot
	closed   bool
	sink     EventSink
}

// Option configures a Layer.
type Option func(*Layer)

// WithName overrides the provider's display name.
func WithName(name string) Option {
	return func(l *Layer) { l.name = name }
}

// WithSink sets the event sink.
func WithSink(sink EventSink) Option {
	return func(l *Layer) { l.sink = sink }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Layer) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New creates a layer from an already loaded dataset.
//
// Inputs:
//
//	id - Unique id of the layer in its project.
//	provider - Where CommitChanges saves. May be nil for a memory layer.
//	data - Initial fields and features. Feature ids must be unique and
//	  positive; non-positive ids are replaced.
//
// Outputs:
//
//	*Layer - The layer, not in an edit session.
//	error - Non-nil on duplicate ids.
func New(id tracking.CollectionID, provider Provider, data Dataset, opts ...Option) (*Layer, error) {
	l := &Layer{
		id:       id,
		provider: provider,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		fields:   append([]tracking.FieldDef(nil), data.Fields...),
		features: make(map[tracking.RecordID]Feature, len(data.Features)),
		selected: make(map[tracking.RecordID]struct{}),
		nextID:   1,
	}
	if provider != nil {
		l.name = provider.Name()
	} else {
		l.name = string(id)
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With(slog.String("layer", l.name))

	for _, f := range data.Features {
		if f.ID >= l.nextID {
			l.nextID = f.ID + 1
		}
	}
	for _, f := range data.Features {
		if f.ID <= 0 {
			f.ID = l.nextID
			l.nextID++
		}
		if _, dup := l.features[f.ID]; dup {
			return nil, fmt.Errorf("layer %s: duplicate feature id %d", l.name, f.ID)
		}
		l.features[f.ID] = l.conform(f)
		l.order = append(l.order, f.ID)
	}
	return l, nil
}

// Load reads the provider's dataset and creates a layer from it.
func Load(ctx context.Context, id tracking.CollectionID, provider Provider, opts ...Option) (*Layer, error) {
	data, err := provider.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", provider.SourceKey(), err)
	}
	return New(id, provider, data, opts...)
}

// conform pads or truncates attributes to the field count and normalizes
// values per field type. Caller holds mu or owns l exclusively.
func (l *Layer) conform(f Feature) Feature {
	attrs := make([]any, len(l.fields))
	for i := range attrs {
		if i < len(f.Attributes) {
			attrs[i] = NormalizeValue(l.fields[i].Type, f.Attributes[i])
		}
	}
	f.Attributes = attrs
	return f
}

// SetSink replaces the event sink.
func (l *Layer) SetSink(sink EventSink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sink = sink
}

// Provider returns the layer's provider, nil for a memory layer.
func (l *Layer) Provider() Provider {
	return l.provider
}

// =============================================================================
// tracking.Resource
// =============================================================================

func (l *Layer) ID() tracking.CollectionID   { return l.id }
func (l *Layer) Name() string                { return l.name }
func (l *Layer) Kind() tracking.ResourceKind { return tracking.KindVector }

// SourceKey identifies the data source. Memory layers use "memory:<id>".
func (l *Layer) SourceKey() string {
	if l.provider == nil {
		return "memory:" + string(l.id)
	}
	return l.provider.SourceKey()
}

// =============================================================================
// Schema
// =============================================================================

func (l *Layer) FieldIndex(name string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.fieldIndexLocked(name)
}

func (l *Layer) fieldIndexLocked(name string) int {
	for i, f := range l.fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

func (l *Layer) Fields() []tracking.FieldDef {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]tracking.FieldDef(nil), l.fields...)
}

// AddAttributes appends fields. Existing names are skipped. Every record
// gets an absent value for each new field.
func (l *Layer) AddAttributes(defs ...tracking.FieldDef) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.writableLocked(); err != nil {
		return err
	}
	for _, d := range defs {
		if d.Name == "" {
			return errors.New("layer: empty field name")
		}
		if l.fieldIndexLocked(d.Name) >= 0 {
			continue
		}
		l.fields = append(l.fields, d)
		for id, f := range l.features {
			f.Attributes = append(f.Attributes, nil)
			l.features[id] = f
		}
	}
	return nil
}

// =============================================================================
// Records
// =============================================================================

// ForEachRecord calls fn for every record in insertion order. fn runs on
// a snapshot, so it may call back into the layer.
func (l *Layer) ForEachRecord(fn func(tracking.Record) error) error {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return tracking.ErrClosed
	}
	recs := make([]tracking.Record, 0, len(l.order))
	for _, id := range l.order {
		recs = append(recs, l.features[id].Record())
	}
	l.mu.RUnlock()

	for _, r := range recs {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

func (l *Layer) Record(id tracking.RecordID) (tracking.Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	f, ok := l.features[id]
	if !ok {
		return tracking.Record{}, fmt.Errorf("%w: %d", ErrRecordNotFound, id)
	}
	return f.Record(), nil
}

// Feature returns a copy of one feature.
func (l *Layer) Feature(id tracking.RecordID) (Feature, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	f, ok := l.features[id]
	if !ok {
		return Feature{}, false
	}
	return f.Clone(), true
}

// Features returns copies of every feature in insertion order.
func (l *Layer) Features() []Feature {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Feature, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.features[id].Clone())
	}
	return out
}

// Len returns the number of records.
func (l *Layer) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.order)
}

// Bound returns the extent of every non-empty geometry. ok is false when
// there is none.
func (l *Layer) Bound() (b orb.Bound, ok bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, id := range l.order {
		g := l.features[id].Geometry
		if g == nil || IsEmptyGeometry(g) {
			continue
		}
		if !ok {
			b, ok = g.Bound(), true
			continue
		}
		b = b.Union(g.Bound())
	}
	return b, ok
}

// ChangeAttributeValue sets one attribute of one record.
func (l *Layer) ChangeAttributeValue(id tracking.RecordID, idx int, value any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.writableLocked(); err != nil {
		return err
	}
	f, ok := l.features[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrRecordNotFound, id)
	}
	if idx < 0 || idx >= len(l.fields) {
		return fmt.Errorf("layer %s: attribute index %d out of range", l.name, idx)
	}
	f = f.Clone()
	f.Attributes[idx] = NormalizeValue(l.fields[idx].Type, value)
	l.features[id] = f
	return nil
}

// SetAttribute sets an attribute by field name.
func (l *Layer) SetAttribute(id tracking.RecordID, name string, value any) error {
	idx := l.FieldIndex(name)
	if idx < 0 {
		return fmt.Errorf("layer %s: no field %q", l.name, name)
	}
	return l.ChangeAttributeValue(id, idx, value)
}

// AddFeature inserts a record and raises RecordAdded.
//
// Inputs:
//
//	f - The feature. A non-positive or taken ID is replaced by the next
//	  free one. Attributes are matched to fields by position.
//
// Outputs:
//
//	tracking.RecordID - The id of the new record.
//	error - ErrNotEditable outside an edit session.
func (l *Layer) AddFeature(f Feature) (tracking.RecordID, error) {
	l.mu.Lock()
	if err := l.writableLocked(); err != nil {
		l.mu.Unlock()
		return 0, err
	}
	if _, taken := l.features[f.ID]; f.ID <= 0 || taken {
		f.ID = l.nextID
	}
	if f.ID >= l.nextID {
		l.nextID = f.ID + 1
	}
	l.features[f.ID] = l.conform(f.Clone())
	l.order = append(l.order, f.ID)
	sink := l.sink
	l.mu.Unlock()

	l.emit(sink, event{kind: eventRecordAdded, record: f.ID})
	return f.ID, nil
}

// AddFeatureValues inserts a record with attributes given by field name.
func (l *Layer) AddFeatureValues(geom orb.Geometry, values map[string]any) (tracking.RecordID, error) {
	fields := l.Fields()
	attrs := make([]any, len(fields))
	for i, fd := range fields {
		attrs[i] = values[fd.Name]
	}
	return l.AddFeature(Feature{Geometry: geom, Attributes: attrs})
}

// ChangeGeometry replaces the geometry of a record and raises
// GeometryChanged. A nil geometry clears it.
func (l *Layer) ChangeGeometry(id tracking.RecordID, geom orb.Geometry) error {
	l.mu.Lock()
	if err := l.writableLocked(); err != nil {
		l.mu.Unlock()
		return err
	}
	f, ok := l.features[id]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrRecordNotFound, id)
	}
	f.Geometry = geom
	l.features[id] = f
	sink := l.sink
	l.mu.Unlock()

	l.emit(sink, event{kind: eventGeometryChanged, record: id})
	return nil
}

// DeleteRecord removes a record and drops it from the selection.
func (l *Layer) DeleteRecord(id tracking.RecordID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.writableLocked(); err != nil {
		return err
	}
	if _, ok := l.features[id]; !ok {
		return fmt.Errorf("%w: %d", ErrRecordNotFound, id)
	}
	delete(l.features, id)
	delete(l.selected, id)
	for i, o := range l.order {
		if o == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	return nil
}

// =============================================================================
// Selection
// =============================================================================

// SelectedIDs returns the selection in ascending id order.
func (l *Layer) SelectedIDs() []tracking.RecordID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]tracking.RecordID, 0, len(l.selected))
	for id := range l.selected {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SelectByIDs replaces the selection. Unknown ids are ignored.
func (l *Layer) SelectByIDs(ids []tracking.RecordID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.selected = make(map[tracking.RecordID]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := l.features[id]; ok {
			l.selected[id] = struct{}{}
		}
	}
}

// =============================================================================
// Edit sessions
// =============================================================================

func (l *Layer) IsEditable() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.editing && !l.closed
}

// StartEditing opens an edit session and raises EditingStarted. Calling
// it during a session is a no-op.
func (l *Layer) StartEditing() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return tracking.ErrClosed
	}
	if l.editing {
		l.mu.Unlock()
		return nil
	}
	l.editing = true
	l.base = l.snapshotLocked()
	sink := l.sink
	l.mu.Unlock()

	l.logger.Debug("edit session started")
	l.emit(sink, event{kind: eventEditingStarted})
	return nil
}

// SaveEdits writes the edit buffer through the provider and keeps the
// session open.
func (l *Layer) SaveEdits(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.writableLocked(); err != nil {
		return err
	}
	if err := l.saveLocked(ctx); err != nil {
		return err
	}
	l.base = l.snapshotLocked()
	return nil
}

// CommitChanges saves the edit buffer and ends the session, raising
// EditingStopped. On a save error the session stays open.
func (l *Layer) CommitChanges() error {
	return l.CommitChangesContext(context.Background())
}

// CommitChangesContext is CommitChanges with a context for the provider.
func (l *Layer) CommitChangesContext(ctx context.Context) error {
	l.mu.Lock()
	if err := l.writableLocked(); err != nil {
		l.mu.Unlock()
		return err
	}
	if err := l.saveLocked(ctx); err != nil {
		l.mu.Unlock()
		return err
	}
	l.editing = false
	l.base = nil
	sink := l.sink
	l.mu.Unlock()

	l.logger.Debug("edit session committed")
	l.emit(sink, event{kind: eventEditingStopped})
	return nil
}

// RollBack discards the edit buffer and ends the session, raising
// EditingStopped. Outside a session it does nothing.
func (l *Layer) RollBack() {
	l.mu.Lock()
	if !l.editing || l.base == nil {
		l.mu.Unlock()
		return
	}
	l.restoreLocked(l.base)
	l.editing = false
	l.base = nil
	sink := l.sink
	l.mu.Unlock()

	l.logger.Debug("edit session rolled back")
	l.emit(sink, event{kind: eventEditingStopped})
}

// Modified reports whether the edit buffer differs from the last save.
func (l *Layer) Modified() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.editing || l.base == nil {
		return false
	}
	if len(l.base.fields) != len(l.fields) || len(l.base.order) != len(l.order) {
		return true
	}
	for _, id := range l.order {
		old, ok := l.base.features[id]
		if !ok {
			return true
		}
		cur := l.features[id]
		if !GeometryEqual(old.Geometry, cur.Geometry) {
			return true
		}
		for i, v := range cur.Attributes {
			if i >= len(old.Attributes) || !SameValue(old.Attributes[i], v) {
				return true
			}
		}
	}
	return false
}

// Close ends the layer. Further calls fail with tracking.ErrClosed. An
// open session is discarded without an EditingStopped event.
func (l *Layer) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.editing = false
	l.base = nil
	l.sink = nil
}

// Dataset returns a copy of the current fields and features.
func (l *Layer) Dataset() Dataset {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.datasetLocked()
}

func (l *Layer) datasetLocked() Dataset {
	d := Dataset{
		Fields:   append([]tracking.FieldDef(nil), l.fields...),
		Features: make([]Feature, 0, len(l.order)),
	}
	for _, id := range l.order {
		d.Features = append(d.Features, l.features[id].Clone())
	}
	return d
}

func (l *Layer) saveLocked(ctx context.Context) error {
	if l.provider == nil {
		return nil
	}
	if err := l.provider.Save(ctx, l.datasetLocked()); err != nil {
		return fmt.Errorf("save %s: %w", l.provider.SourceKey(), err)
	}
	return nil
}

func (l *Layer) writableLocked() error {
	if l.closed {
		return tracking.ErrClosed
	}
	if !l.editing {
		return tracking.ErrNotEditable
	}
	return nil
}

func (l *Layer) snapshotLocked() *snapshot {
	s := &snapshot{
		fields:   append([]tracking.FieldDef(nil), l.fields...),
		features: make(map[tracking.RecordID]Feature, len(l.features)),
		order:    append([]tracking.RecordID(nil), l.order...),
		nextID:   l.nextID,
	}
	for id, f := range l.features {
		s.features[id] = f.Clone()
	}
	return s
}

func (l *Layer) restoreLocked(s *snapshot) {
	l.fields = append([]tracking.FieldDef(nil), s.fields...)
	l.features = make(map[tracking.RecordID]Feature, len(s.features))
	for id, f := range s.features {
		l.features[id] = f.Clone()
	}
	l.order = append([]tracking.RecordID(nil), s.order...)
	l.nextID = s.nextID
	for id := range l.selected {
		if _, ok := l.features[id]; !ok {
			delete(l.selected, id)
		}
	}
}

func (l *Layer) emit(sink EventSink, ev event) {
	if sink == nil {
		return
	}
	switch ev.kind {
	case eventGeometryChanged:
		sink.GeometryChanged(l.id, ev.record)
	case eventRecordAdded:
		sink.RecordAdded(l.id, ev.record)
	case eventEditingStarted:
		sink.EditingStarted(l.id)
	case eventEditingStopped:
		sink.EditingStopped(l.id)
	}
}
