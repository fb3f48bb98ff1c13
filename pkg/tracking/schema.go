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
	"errors"
	"fmt"
)

// Attribute names are externally visible and fixed. DateField is ten
// characters so it survives shapefile column truncation.
const (
	TagField  = "edited"
	DateField = "edited_dat"
)

// SchemaIndexes holds the positions of the tag and date attributes.
type SchemaIndexes struct {
	Tag  int
	Date int
}

// Valid reports whether both positions are set.
func (s SchemaIndexes) Valid() bool {
	return s.Tag >= 0 && s.Date >= 0
}

// TrackingFields returns the attribute definitions added by EnsureSchema.
func TrackingFields() []FieldDef {
	return []FieldDef{
		{Name: TagField, Type: FieldInteger},
		{Name: DateField, Type: FieldDate, Length: 10},
	}
}

// LookupSchema resolves the tracking attributes by name.
//
// Outputs:
//
//	SchemaIndexes - Positions, -1 for a missing attribute.
//	bool - True only if both attributes exist.
func LookupSchema(c Collection) (SchemaIndexes, bool) {
	idx := SchemaIndexes{Tag: c.FieldIndex(TagField), Date: c.FieldIndex(DateField)}
	return idx, idx.Valid()
}

// HasSchema reports whether both tracking attributes exist. Callers must
// only pass vector collections; other resource kinds have no attributes.
func HasSchema(c Collection) bool {
	_, ok := LookupSchema(c)
	return ok
}

// EnsureSchema adds whichever tracking attributes are missing.
//
// Description:
//
//	Idempotent: a second call adds nothing. The collection must be in an
//	editable state; opening and closing the edit session is the caller's
//	job.
//
// Inputs:
//
//	c - The vector collection.
//
// Outputs:
//
//	SchemaIndexes - Positions of the tag and date attributes.
//	bool - True if at least one attribute was created by this call.
//	error - ErrNotEditable, or a wrapped host error.
func EnsureSchema(c Collection) (SchemaIndexes, bool, error) {
	if idx, ok := LookupSchema(c); ok {
		return idx, false, nil
	}
	if !c.IsEditable() {
		return SchemaIndexes{Tag: -1, Date: -1}, false, fmt.Errorf("ensure schema on %s: %w", c.Name(), ErrNotEditable)
	}

	var missing []FieldDef
	for _, def := range TrackingFields() {
		if c.FieldIndex(def.Name) < 0 {
			missing = append(missing, def)
		}
	}
	if err := c.AddAttributes(missing...); err != nil {
		return SchemaIndexes{Tag: -1, Date: -1}, false, fmt.Errorf("add tracking fields to %s: %w", c.Name(), err)
	}

	idx, ok := LookupSchema(c)
	if !ok {
		return idx, true, fmt.Errorf("tracking fields not visible on %s after add: %w", c.Name(), ErrSchemaMissing)
	}
	return idx, true, nil
}

// InitializeAllRecords sets every record to tag=0 with an absent date.
//
// Description:
//
//	This is a one-time bootstrap to run right after EnsureSchema created
//	the attributes. Running it later erases existing tagging.
//
// Outputs:
//
//	int - Number of records written.
//	error - Every write failure, joined. Successful writes are kept.
func InitializeAllRecords(c Collection, idx SchemaIndexes) (int, error) {
	if !idx.Valid() {
		return 0, ErrSchemaMissing
	}

	var ids []RecordID
	err := c.ForEachRecord(func(r Record) error {
		ids = append(ids, r.ID)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("list records of %s: %w", c.Name(), err)
	}

	var errs []error
	written := 0
	for _, id := range ids {
		if err := c.ChangeAttributeValue(id, idx.Tag, int64(0)); err != nil {
			errs = append(errs, fmt.Errorf("record %d: %w", id, err))
			continue
		}
		if err := c.ChangeAttributeValue(id, idx.Date, nil); err != nil {
			errs = append(errs, fmt.Errorf("record %d: %w", id, err))
			continue
		}
		written++
	}
	if len(errs) > 0 {
		return written, fmt.Errorf("initialize %s: %w", c.Name(), errors.Join(errs...))
	}
	return written, nil
}
