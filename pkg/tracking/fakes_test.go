// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tracking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// fakeCollection is an in-memory Collection for tests.
type fakeCollection struct {
	mu       sync.Mutex
	id       CollectionID
	name     string
	source   string
	kind     ResourceKind
	fields   []FieldDef
	records  map[RecordID]*fakeRecord
	order    []RecordID
	selected []RecordID
	editable bool

	startErr  error
	commitErr error
	starts    int
	commits   int
	writes    int
}

type fakeRecord struct {
	hasGeometry bool
	empty       bool
	attrs       []any
}

func newFakeCollection(id, source string, fields ...FieldDef) *fakeCollection {
	return &fakeCollection{
		id:      CollectionID(id),
		name:    "layer " + id,
		source:  source,
		kind:    KindVector,
		fields:  append([]FieldDef(nil), fields...),
		records: make(map[RecordID]*fakeRecord),
	}
}

func newTrackedSchemaCollection(id, source string) *fakeCollection {
	c := newFakeCollection(id, source, FieldDef{Name: "name", Type: FieldString})
	c.fields = append(c.fields, TrackingFields()...)
	return c
}

// add appends a record with attribute values given by field name.
func (c *fakeCollection) add(id RecordID, hasGeometry bool, values map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	attrs := make([]any, len(c.fields))
	for i, f := range c.fields {
		attrs[i] = values[f.Name]
	}
	c.records[id] = &fakeRecord{hasGeometry: hasGeometry, attrs: attrs}
	c.order = append(c.order, id)
}

func (c *fakeCollection) value(id RecordID, field string) any {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.fieldIndexLocked(field)
	r, ok := c.records[id]
	if !ok || idx < 0 {
		return nil
	}
	return r.attrs[idx]
}

func (c *fakeCollection) ID() CollectionID   { return c.id }
func (c *fakeCollection) Name() string       { return c.name }
func (c *fakeCollection) Kind() ResourceKind { return c.kind }
func (c *fakeCollection) SourceKey() string  { return c.source }

func (c *fakeCollection) FieldIndex(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fieldIndexLocked(name)
}

func (c *fakeCollection) fieldIndexLocked(name string) int {
	for i, f := range c.fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

func (c *fakeCollection) Fields() []FieldDef {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]FieldDef(nil), c.fields...)
}

func (c *fakeCollection) AddAttributes(defs ...FieldDef) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.editable {
		return ErrNotEditable
	}
	for _, d := range defs {
		if c.fieldIndexLocked(d.Name) >= 0 {
			continue
		}
		c.fields = append(c.fields, d)
		for _, r := range c.records {
			r.attrs = append(r.attrs, nil)
		}
	}
	return nil
}

func (c *fakeCollection) ForEachRecord(fn func(Record) error) error {
	c.mu.Lock()
	recs := make([]Record, 0, len(c.order))
	for _, id := range c.order {
		recs = append(recs, c.recordLocked(id))
	}
	c.mu.Unlock()
	for _, r := range recs {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

func (c *fakeCollection) recordLocked(id RecordID) Record {
	r := c.records[id]
	return Record{
		ID:            id,
		HasGeometry:   r.hasGeometry,
		GeometryEmpty: r.empty,
		Attributes:    append([]any(nil), r.attrs...),
	}
}

func (c *fakeCollection) Record(id RecordID) (Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.records[id]; !ok {
		return Record{}, fmt.Errorf("record %d not found", id)
	}
	return c.recordLocked(id), nil
}

func (c *fakeCollection) ChangeAttributeValue(id RecordID, idx int, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.editable {
		return ErrNotEditable
	}
	r, ok := c.records[id]
	if !ok {
		return fmt.Errorf("record %d not found", id)
	}
	if idx < 0 || idx >= len(r.attrs) {
		return fmt.Errorf("attribute %d out of range", idx)
	}
	r.attrs[idx] = value
	c.writes++
	return nil
}

func (c *fakeCollection) DeleteRecord(id RecordID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.editable {
		return ErrNotEditable
	}
	delete(c.records, id)
	for i, o := range c.order {
		if o == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return nil
}

func (c *fakeCollection) SelectedIDs() []RecordID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]RecordID(nil), c.selected...)
}

func (c *fakeCollection) SelectByIDs(ids []RecordID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selected = append([]RecordID(nil), ids...)
	sort.Slice(c.selected, func(i, j int) bool { return c.selected[i] < c.selected[j] })
}

func (c *fakeCollection) IsEditable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.editable
}

func (c *fakeCollection) StartEditing() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts++
	if c.startErr != nil {
		return c.startErr
	}
	c.editable = true
	return nil
}

func (c *fakeCollection) CommitChanges() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commits++
	if c.commitErr != nil {
		return c.commitErr
	}
	c.editable = false
	return nil
}

// fakeRaster is a non-vector resource.
type fakeRaster struct{ id CollectionID }

func (r fakeRaster) ID() CollectionID   { return r.id }
func (r fakeRaster) Name() string       { return "raster " + string(r.id) }
func (r fakeRaster) Kind() ResourceKind { return KindRaster }

// fakeHost holds loaded resources and the active one.
type fakeHost struct {
	mu        sync.Mutex
	resources map[CollectionID]Resource
	active    CollectionID
}

func newFakeHost(resources ...Resource) *fakeHost {
	h := &fakeHost{resources: make(map[CollectionID]Resource)}
	for _, r := range resources {
		h.resources[r.ID()] = r
	}
	if len(resources) > 0 {
		h.active = resources[0].ID()
	}
	return h
}

func (h *fakeHost) ActiveResource() (Resource, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.resources[h.active]
	return r, ok
}

func (h *fakeHost) Resource(id CollectionID) (Resource, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.resources[id]
	return r, ok
}

func (h *fakeHost) remove(id CollectionID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.resources, id)
}

func (h *fakeHost) setActive(id CollectionID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active = id
}

// recordingNotifier keeps every message by level.
type recordingNotifier struct {
	mu       sync.Mutex
	messages map[string][]string
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{messages: make(map[string][]string)}
}

func (n *recordingNotifier) record(level, msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages[level] = append(n.messages[level], msg)
}

func (n *recordingNotifier) Success(msg string)  { n.record("success", msg) }
func (n *recordingNotifier) Info(msg string)     { n.record("info", msg) }
func (n *recordingNotifier) Warning(msg string)  { n.record("warning", msg) }
func (n *recordingNotifier) Critical(msg string) { n.record("critical", msg) }

func (n *recordingNotifier) count(level string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.messages[level])
}

// scriptedPrompter answers Confirm from a fixed answer and counts calls.
type scriptedPrompter struct {
	mu      sync.Mutex
	answer  bool
	err     error
	calls   []string
	onAsk   func()
	blockCh chan struct{}
}

func (p *scriptedPrompter) Confirm(ctx context.Context, prompt string) (bool, error) {
	p.mu.Lock()
	p.calls = append(p.calls, prompt)
	onAsk, block := p.onAsk, p.blockCh
	p.mu.Unlock()

	if onAsk != nil {
		onAsk()
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	return p.answer, p.err
}

func (p *scriptedPrompter) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// failingSources fails every operation.
type failingSources struct{}

var errSourcesDown = errors.New("sources unavailable")

func (failingSources) Contains(string) (bool, error) { return false, errSourcesDown }
func (failingSources) Add(string) error              { return errSourcesDown }
func (failingSources) List() ([]string, error)       { return nil, errSourcesDown }
