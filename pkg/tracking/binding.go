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
	"fmt"
	"log/slog"
)

// Stamp reasons reported to the Observer.
const (
	StampGeometryChanged = "geometry_changed"
	StampRecordAdded     = "record_added"
	StampMarkSelected    = "mark_selected"
	StampSetDate         = "set_date"
)

// Binding holds the stamping reactions for one tracked collection.
//
// Description:
//
//	A Binding exists only while its collection is tracked and has the
//	tracking schema. The Registry keeps at most one Binding per collection
//	id, so a single mutation is stamped once. Attribute positions are
//	re-resolved by name on every event; a schema change after attach
//	cannot make the binding write into the wrong attribute.
//
//	After detach the Binding ignores every event and drops its collection
//	handle.
//
// Thread Safety:
//
//	Not safe for concurrent use. The Engine serialises all calls.
type Binding struct {
	id         CollectionID
	collection Collection
	indexes    SchemaIndexes
	today      func() Date
	refresh    func()
	observer   Observer
	logger     *slog.Logger
	detached   bool
}

type bindingConfig struct {
	today    func() Date
	refresh  func()
	observer Observer
	logger   *slog.Logger
}

func newBinding(c Collection, idx SchemaIndexes, cfg bindingConfig) *Binding {
	return &Binding{
		id:         c.ID(),
		collection: c,
		indexes:    idx,
		today:      cfg.today,
		refresh:    cfg.refresh,
		observer:   cfg.observer,
		logger:     cfg.logger.With(slog.String("collection_id", string(c.ID()))),
	}
}

// CollectionID returns the id of the bound collection.
func (b *Binding) CollectionID() CollectionID {
	return b.id
}

// Indexes returns the attribute positions last resolved.
func (b *Binding) Indexes() SchemaIndexes {
	return b.indexes
}

// Detached reports whether detach has run.
func (b *Binding) Detached() bool {
	return b.detached
}

// GeometryChanged reacts to a geometry modification of one record.
//
// Description:
//
//	Reloads the record and stamps tag=1, date=today when the tag is absent
//	or 0. A record already tagged keeps its date: the date is the date of
//	the first edit. A stats refresh is always requested, even when nothing
//	was stamped. Nothing is stamped outside an edit session.
//
// Outputs:
//
//	bool - True if the record was stamped.
//	error - Non-nil if the record could not be read or written.
func (b *Binding) GeometryChanged(id RecordID) (bool, error) {
	if b.detached {
		return false, nil
	}
	defer b.requestRefresh()

	if !b.collection.IsEditable() {
		return false, nil
	}
	idx, ok := b.resolve()
	if !ok {
		return false, nil
	}
	rec, err := b.collection.Record(id)
	if err != nil {
		return false, fmt.Errorf("reload record %d: %w", id, err)
	}
	if !isUnstamped(rec.Attribute(idx.Tag)) {
		return false, nil
	}
	if err := b.stamp(id, idx); err != nil {
		return false, err
	}
	b.observer.RecordStamped(StampGeometryChanged)
	return true, nil
}

// RecordAdded stamps a newly added record unconditionally and requests a
// stats refresh.
func (b *Binding) RecordAdded(id RecordID) (bool, error) {
	if b.detached {
		return false, nil
	}
	defer b.requestRefresh()

	if !b.collection.IsEditable() {
		return false, nil
	}
	idx, ok := b.resolve()
	if !ok {
		return false, nil
	}
	if err := b.stamp(id, idx); err != nil {
		return false, err
	}
	b.observer.RecordStamped(StampRecordAdded)
	return true, nil
}

func (b *Binding) stamp(id RecordID, idx SchemaIndexes) error {
	if err := b.collection.ChangeAttributeValue(id, idx.Tag, int64(1)); err != nil {
		return fmt.Errorf("stamp tag on record %d: %w", id, err)
	}
	if err := b.collection.ChangeAttributeValue(id, idx.Date, b.today()); err != nil {
		return fmt.Errorf("stamp date on record %d: %w", id, err)
	}
	b.logger.Debug("record stamped", slog.Int64("record_id", int64(id)))
	return nil
}

// resolve looks the attributes up by name. If they disappeared the event
// is ignored.
func (b *Binding) resolve() (SchemaIndexes, bool) {
	idx, ok := LookupSchema(b.collection)
	if !ok {
		b.logger.Debug("tracking fields gone, event ignored")
		return idx, false
	}
	if idx != b.indexes {
		b.logger.Debug("tracking field positions moved",
			slog.Int("tag", idx.Tag), slog.Int("date", idx.Date))
		b.indexes = idx
	}
	return idx, true
}

func (b *Binding) requestRefresh() {
	if b.refresh != nil {
		b.refresh()
	}
}

// detach disconnects the binding. It never fails: the collection may
// already be destroyed and is not touched.
func (b *Binding) detach() {
	if b.detached {
		return
	}
	b.detached = true
	b.collection = nil
	b.logger.Debug("binding detached")
}
