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

import "context"

// CollectionID identifies a loaded resource. It is assigned by the host,
// unique while the resource is loaded and not stable across reloads.
type CollectionID string

// RecordID identifies one record inside a collection.
type RecordID int64

// ResourceKind distinguishes vector collections from other resources.
type ResourceKind int

const (
	KindVector ResourceKind = iota
	KindRaster
	KindOther
)

func (k ResourceKind) String() string {
	switch k {
	case KindVector:
		return "vector"
	case KindRaster:
		return "raster"
	default:
		return "other"
	}
}

// FieldType is the declared type of an attribute.
type FieldType int

const (
	FieldString FieldType = iota
	FieldInteger
	FieldReal
	FieldDate
)

func (t FieldType) String() string {
	switch t {
	case FieldInteger:
		return "integer"
	case FieldReal:
		return "real"
	case FieldDate:
		return "date"
	default:
		return "string"
	}
}

// FieldDef declares one attribute.
type FieldDef struct {
	Name string
	Type FieldType

	// Length is the display width, zero when unconstrained.
	Length int
}

// Record is a read-only copy of one record's state.
type Record struct {
	ID RecordID

	// HasGeometry is false when the record carries no geometry.
	HasGeometry bool

	// GeometryEmpty is true when the geometry has no coordinates.
	GeometryEmpty bool

	// Attributes holds values by attribute index. nil is an absent value.
	Attributes []any
}

// Attribute returns the value at idx, or nil when idx is out of range.
func (r Record) Attribute(idx int) any {
	if idx < 0 || idx >= len(r.Attributes) {
		return nil
	}
	return r.Attributes[idx]
}

// Classify classifies r using the given attribute positions.
func (r Record) Classify(idx SchemaIndexes) Classification {
	return Classify(r.HasGeometry, r.GeometryEmpty, r.Attribute(idx.Tag), r.Attribute(idx.Date))
}

// Resource is anything the host can load and make active.
type Resource interface {
	ID() CollectionID
	Name() string
	Kind() ResourceKind
}

// Collection is a host-owned vector collection.
//
// Description:
//
//	Attribute writes, schema changes and deletions require an open edit
//	session (IsEditable) and return ErrNotEditable otherwise. FieldIndex
//	returns -1 for unknown names. ForEachRecord must not be used to mutate
//	the collection from inside the callback.
//
// Thread Safety:
//
//	Implementations must be safe for concurrent use.
type Collection interface {
	Resource

	// SourceKey identifies the underlying data source, stable across reloads.
	SourceKey() string

	FieldIndex(name string) int
	Fields() []FieldDef
	AddAttributes(defs ...FieldDef) error

	ForEachRecord(fn func(Record) error) error
	Record(id RecordID) (Record, error)
	ChangeAttributeValue(id RecordID, idx int, value any) error
	DeleteRecord(id RecordID) error

	SelectedIDs() []RecordID
	SelectByIDs(ids []RecordID)

	IsEditable() bool
	StartEditing() error
	CommitChanges() error
}

// Host gives access to the resources the host has loaded.
type Host interface {
	// ActiveResource returns the resource the user is working on.
	ActiveResource() (Resource, bool)

	// Resource looks up a loaded resource by id.
	Resource(id CollectionID) (Resource, bool)
}

// Notifier shows short text messages to the user. Delivery is best-effort
// and nothing depends on it.
type Notifier interface {
	Success(msg string)
	Info(msg string)
	Warning(msg string)
	Critical(msg string)
}

// Prompter asks the user a yes/no question. A non-nil error counts as "no".
type Prompter interface {
	Confirm(ctx context.Context, prompt string) (bool, error)
}

// SourceStore holds the previously tracked source keys.
//
// Description:
//
//	The set is append-only from the engine's point of view. List returns
//	keys in ascending order.
type SourceStore interface {
	Contains(sourceKey string) (bool, error)
	Add(sourceKey string) error
	List() ([]string, error)
}

// Observer receives engine events for metrics. All methods must be cheap
// and must not call back into the engine.
type Observer interface {
	RecordStamped(reason string)
	RecordRecompute(report StatsReport, seconds float64)
	RecordPrompt(outcome PromptOutcome)
	SetTracked(count int)
}

type nopObserver struct{}

func (nopObserver) RecordStamped(string)                 {}
func (nopObserver) RecordRecompute(StatsReport, float64) {}
func (nopObserver) RecordPrompt(PromptOutcome)           {}
func (nopObserver) SetTracked(int)                       {}

type nopNotifier struct{}

func (nopNotifier) Success(string)  {}
func (nopNotifier) Info(string)     {}
func (nopNotifier) Warning(string)  {}
func (nopNotifier) Critical(string) {}

// asCollection returns r as a vector Collection.
func asCollection(r Resource) (Collection, bool) {
	if r == nil || r.Kind() != KindVector {
		return nil, false
	}
	c, ok := r.(Collection)
	return c, ok
}
