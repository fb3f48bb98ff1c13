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
	"io"
	"log/slog"
	"sort"
	"sync"
)

// AttachStatus is the outcome of attaching stamping to a collection.
type AttachStatus int

const (
	// AttachStatusAttached means a new Binding was created.
	AttachStatusAttached AttachStatus = iota

	// AttachStatusAlreadyAttached means a Binding already existed; nothing
	// was created.
	AttachStatusAlreadyAttached

	// AttachStatusSchemaMissing means the collection is tracked but has no
	// tracking attributes yet.
	AttachStatusSchemaMissing

	// AttachStatusNotTracked means the collection is not tracked.
	AttachStatusNotTracked
)

func (s AttachStatus) String() string {
	switch s {
	case AttachStatusAttached:
		return "attached"
	case AttachStatusAlreadyAttached:
		return "already_attached"
	case AttachStatusSchemaMissing:
		return "schema_missing"
	default:
		return "not_tracked"
	}
}

// collectionState is the registry's record for one collection id. An entry
// with no flags set and no binding is deleted.
type collectionState struct {
	sourceKey string
	tracked   bool
	prompted  bool
	binding   *Binding
}

func (s *collectionState) empty() bool {
	return !s.tracked && !s.prompted && s.binding == nil
}

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	// Today returns the stamping date. Default: Today.
	Today func() Date

	// Refresh is invoked by bindings after every mutation event.
	Refresh func()

	// Observer receives stamping events. Default: no-op.
	Observer Observer

	// Logger is the logger. Default: discard.
	Logger *slog.Logger
}

// Registry owns the tracked set, the binding table and the prompted set.
//
// Description:
//
//	Per collection id the registry moves between Untracked,
//	Tracked without schema and Tracked with a Binding. A Binding exists
//	only for a tracked collection with schema. Every operation accepts
//	arbitrary ids; unknown ids are no-ops, never faults.
//
//	The Registry also persists source keys into the SourceStore on Enable.
//
// Thread Safety:
//
//	All methods are safe for concurrent use. Compound decisions spanning
//	several calls must be serialised by the caller (the Engine does).
type Registry struct {
	mu      sync.Mutex
	states  map[CollectionID]*collectionState
	sources SourceStore
	cfg     bindingConfig
	logger  *slog.Logger
}

// NewRegistry creates an empty registry backed by sources.
func NewRegistry(sources SourceStore, opts RegistryOptions) *Registry {
	if sources == nil {
		sources = NewMemorySources()
	}
	if opts.Today == nil {
		opts.Today = Today
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger := opts.Logger.With(slog.String("component", "registry"))
	return &Registry{
		states:  make(map[CollectionID]*collectionState),
		sources: sources,
		cfg: bindingConfig{
			today:    opts.Today,
			refresh:  opts.Refresh,
			observer: opts.Observer,
			logger:   opts.Logger,
		},
		logger: logger,
	}
}

// Enable marks a collection tracked and attaches stamping if the schema
// exists.
//
// Description:
//
//	The collection's source key is added to the previously tracked
//	sources. A persistence failure is returned as *SourceStoreError but
//	does not undo tracking. Enabling an attached collection is reported
//	as AttachStatusAlreadyAttached; no second Binding is created.
//
// Inputs:
//
//	c - The vector collection.
//
// Outputs:
//
//	AttachStatus - Attached, AlreadyAttached or SchemaMissing.
//	error - *SourceStoreError if the source key could not be persisted.
func (r *Registry) Enable(c Collection) (AttachStatus, error) {
	r.mu.Lock()
	st := r.stateLocked(c.ID())
	st.sourceKey = c.SourceKey()
	st.tracked = true
	status := r.attachLocked(c, st)
	r.mu.Unlock()

	r.logger.Info("tracking enabled",
		slog.String("collection_id", string(c.ID())),
		slog.String("source", c.SourceKey()),
		slog.String("attach", status.String()))

	if err := r.sources.Add(c.SourceKey()); err != nil {
		return status, &SourceStoreError{Op: "add", SourceKey: c.SourceKey(), Err: err}
	}
	return status, nil
}

// AttachNow creates the Binding for a tracked collection whose schema now
// exists. Used after explicit schema creation.
func (r *Registry) AttachNow(c Collection) AttachStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.states[c.ID()]
	if !ok || !st.tracked {
		return AttachStatusNotTracked
	}
	return r.attachLocked(c, st)
}

func (r *Registry) attachLocked(c Collection, st *collectionState) AttachStatus {
	if st.binding != nil {
		return AttachStatusAlreadyAttached
	}
	idx, ok := LookupSchema(c)
	if !ok {
		return AttachStatusSchemaMissing
	}
	st.binding = newBinding(c, idx, r.cfg)
	return AttachStatusAttached
}

// Disable detaches the binding and clears the tracked flag. The prompted
// flag is left alone; it belongs to the edit session.
//
// Outputs:
//
//	bool - True if the collection was tracked.
func (r *Registry) Disable(id CollectionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.states[id]
	if !ok {
		return false
	}
	wasTracked := st.tracked
	if st.binding != nil {
		st.binding.detach()
		st.binding = nil
	}
	st.tracked = false
	r.pruneLocked(id, st)

	if wasTracked {
		r.logger.Info("tracking disabled", slog.String("collection_id", string(id)))
	}
	return wasTracked
}

// Cleanup purges every trace of id after the host removed the collection.
// Safe for ids that were never tracked and for repeated calls.
func (r *Registry) Cleanup(id CollectionID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.states[id]
	if !ok {
		return
	}
	if st.binding != nil {
		st.binding.detach()
	}
	delete(r.states, id)
	r.logger.Debug("collection state purged", slog.String("collection_id", string(id)))
}

// IsTracked reports whether tracking is active for id.
func (r *Registry) IsTracked(id CollectionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[id]
	return ok && st.tracked
}

// Binding returns the Binding of id, if attached.
func (r *Registry) Binding(id CollectionID) (*Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[id]
	if !ok || st.binding == nil {
		return nil, false
	}
	return st.binding, true
}

// MarkPrompted sets the prompted flag. It returns false if the flag was
// already set.
func (r *Registry) MarkPrompted(id CollectionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.stateLocked(id)
	if st.prompted {
		return false
	}
	st.prompted = true
	return true
}

// IsPrompted reports whether the resume prompt was shown in the current
// edit session of id.
func (r *Registry) IsPrompted(id CollectionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[id]
	return ok && st.prompted
}

// ClearPrompted resets the prompted flag at the end of an edit session.
func (r *Registry) ClearPrompted(id CollectionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[id]
	if !ok {
		return
	}
	st.prompted = false
	r.pruneLocked(id, st)
}

// WasPreviouslyTracked reports whether sourceKey was tracked in any session.
func (r *Registry) WasPreviouslyTracked(sourceKey string) (bool, error) {
	ok, err := r.sources.Contains(sourceKey)
	if err != nil {
		return false, &SourceStoreError{Op: "contains", SourceKey: sourceKey, Err: err}
	}
	return ok, nil
}

// TrackedIDs returns the tracked ids in ascending order.
func (r *Registry) TrackedIDs() []CollectionID {
	return r.collect(func(st *collectionState) bool { return st.tracked })
}

// PromptedIDs returns the ids prompted in their current session.
func (r *Registry) PromptedIDs() []CollectionID {
	return r.collect(func(st *collectionState) bool { return st.prompted })
}

// BoundIDs returns the ids with an attached Binding.
func (r *Registry) BoundIDs() []CollectionID {
	return r.collect(func(st *collectionState) bool { return st.binding != nil })
}

// Close detaches every binding and forgets all state.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, st := range r.states {
		if st.binding != nil {
			st.binding.detach()
		}
		delete(r.states, id)
	}
}

func (r *Registry) collect(match func(*collectionState) bool) []CollectionID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]CollectionID, 0, len(r.states))
	for id, st := range r.states {
		if match(st) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Registry) stateLocked(id CollectionID) *collectionState {
	st, ok := r.states[id]
	if !ok {
		st = &collectionState{}
		r.states[id] = st
	}
	return st
}

func (r *Registry) pruneLocked(id CollectionID, st *collectionState) {
	if st.empty() {
		delete(r.states, id)
	}
}
