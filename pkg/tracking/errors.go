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

// Sentinel errors returned by tools and schema operations. Callers compare
// with errors.Is; tools wrap them with collection context.
var (
	// ErrNoActiveCollection is returned when an operation needs an active
	// collection and the host has none.
	ErrNoActiveCollection = errors.New("no active collection")

	// ErrNotVector is returned when the active resource is not a vector
	// collection.
	ErrNotVector = errors.New("resource is not a vector collection")

	// ErrSchemaMissing is returned when the tag and date attributes are absent.
	ErrSchemaMissing = errors.New("tracking fields missing")

	// ErrNotTracked is returned when a tool runs on an untracked collection.
	ErrNotTracked = errors.New("tracking is not enabled for this collection")

	// ErrSchemaExists is returned when asked to create tracking fields that
	// already exist. Creation is a one-time bootstrap, never a reset.
	ErrSchemaExists = errors.New("tracking fields already exist")

	// ErrAlreadyTracked is returned when enabling an already tracked collection.
	ErrAlreadyTracked = errors.New("tracking already enabled")

	// ErrCommitFailed is returned when the host refuses to persist edits.
	ErrCommitFailed = errors.New("could not commit changes")

	// ErrNotEditable is returned when a schema or value change needs an open
	// edit session.
	ErrNotEditable = errors.New("collection is not editable")

	// ErrNoSelection is returned by selection tools when nothing is selected.
	ErrNoSelection = errors.New("no records selected")

	// ErrClosed is returned by an Engine after Close.
	ErrClosed = errors.New("engine closed")
)

// SourceStoreError wraps a failure of the previously-tracked-sources store.
//
// Description:
//
//	Persistence of source keys is a side effect of enabling tracking. A
//	SourceStoreError never rolls back the in-memory tracking state; it is
//	reported so the user knows the source will not be offered for resume
//	in a later session.
type SourceStoreError struct {
	// Op is the store operation: "contains", "add" or "list".
	Op string

	// SourceKey is the key involved, empty for "list".
	SourceKey string

	// Err is the underlying error.
	Err error
}

func (e *SourceStoreError) Error() string {
	if e.SourceKey == "" {
		return fmt.Sprintf("tracked sources %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("tracked sources %s %q: %v", e.Op, e.SourceKey, e.Err)
}

func (e *SourceStoreError) Unwrap() error {
	return e.Err
}
