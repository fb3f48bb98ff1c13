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
	"io"
	"log/slog"
	"sync"
	"time"
)

// Options configures an Engine.
type Options struct {
	// Host resolves the active and loaded resources. Required.
	Host Host

	// Sources stores previously tracked source keys. Default: in memory.
	Sources SourceStore

	// Prompter asks the resume question. Default: always "no".
	Prompter Prompter

	// Notifier shows messages. Default: discard.
	Notifier Notifier

	// Observer receives metrics events. Default: no-op.
	Observer Observer

	// Logger is the logger. Default: discard.
	Logger *slog.Logger

	// QuietInterval is the stats debounce delay. Default: 250ms.
	QuietInterval time.Duration

	// Now is the clock used for stamping dates. Default: time.Now.
	Now func() time.Time

	// Publish receives every StatsReport, in computation order. Called
	// without the engine lock; it must not call RefreshNow.
	Publish func(StatsReport)
}

// Engine is the edit tracking façade the host talks to.
//
// Description:
//
//	The Engine owns the Registry, the SessionController and the
//	Aggregator. The host delivers its notifications through the On*
//	handlers; the user tools act on the host's active collection and
//	report through the Notifier.
//
//	Every registry mutation, stamping pass and recompute runs under one
//	mutex, so a record is never stamped twice concurrently. The resume
//	prompt is shown outside that mutex.
//
//	Hosts must not deliver notifications synchronously from inside
//	Collection methods that the Engine calls (StartEditing,
//	CommitChanges, ChangeAttributeValue): the Engine holds its lock during
//	those calls. Queue them instead.
//
// Thread Safety:
//
//	All methods are safe for concurrent use.
type Engine struct {
	mu         sync.Mutex
	host       Host
	registry   *Registry
	session    *SessionController
	aggregator *Aggregator
	notifier   Notifier
	observer   Observer
	logger     *slog.Logger
	now        func() time.Time
	publish    func(StatsReport)

	referenceDay Date
	closed       bool
	computed     uint64 // reports computed so far, guarded by mu

	// pubMu orders storing and publishing; published is the sequence of
	// the report in last.
	pubMu     sync.Mutex
	published uint64

	lastMu sync.RWMutex
	last   StatsReport
}

// NewEngine wires an Engine from opts.
//
// Outputs:
//
//	*Engine - The engine. Call Close when done.
//	error - Non-nil if opts.Host is nil.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Host == nil {
		return nil, errors.New("tracking: Options.Host is required")
	}
	if opts.Sources == nil {
		opts.Sources = NewMemorySources()
	}
	if opts.Notifier == nil {
		opts.Notifier = nopNotifier{}
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	e := &Engine{
		host:     opts.Host,
		notifier: opts.Notifier,
		observer: opts.Observer,
		logger:   opts.Logger.With(slog.String("component", "engine")),
		now:      opts.Now,
		publish:  opts.Publish,
	}
	e.aggregator = NewAggregator(opts.QuietInterval, e.refresh, opts.Logger)
	e.registry = NewRegistry(opts.Sources, RegistryOptions{
		Today:    e.today,
		Refresh:  e.aggregator.RequestRefresh,
		Observer: opts.Observer,
		Logger:   opts.Logger,
	})
	e.session = NewSessionController(e.registry, SessionOptions{
		Locker:    &e.mu,
		Prompter:  opts.Prompter,
		Lookup:    e.lookupCollection,
		OnResumed: e.onResumedLocked,
		Observer:  opts.Observer,
		Logger:    opts.Logger,
	})
	e.last = StatsReport{Status: StatusNoActiveCollection, ReferenceDay: e.today()}
	return e, nil
}

// Registry returns the engine's registry for inspection.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Aggregator returns the engine's debouncer.
func (e *Engine) Aggregator() *Aggregator {
	return e.aggregator
}

// =============================================================================
// Host notifications
// =============================================================================

// OnGeometryChanged stamps a record of a tracked collection after its
// geometry changed.
func (e *Engine) OnGeometryChanged(id CollectionID, record RecordID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	b, ok := e.registry.Binding(id)
	if !ok {
		return
	}
	if _, err := b.GeometryChanged(record); err != nil {
		e.logger.Warn("stamping failed",
			slog.String("collection_id", string(id)),
			slog.Int64("record_id", int64(record)),
			slog.String("error", err.Error()))
	}
}

// OnRecordAdded stamps a record newly added to a tracked collection.
func (e *Engine) OnRecordAdded(id CollectionID, record RecordID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	b, ok := e.registry.Binding(id)
	if !ok {
		return
	}
	if _, err := b.RecordAdded(record); err != nil {
		e.logger.Warn("stamping failed",
			slog.String("collection_id", string(id)),
			slog.Int64("record_id", int64(record)),
			slog.String("error", err.Error()))
	}
}

// OnEditingStarted may ask the user to resume tracking. It blocks while
// the prompt is open; ctx cancels the prompt.
func (e *Engine) OnEditingStarted(ctx context.Context, id CollectionID) {
	if e.isClosed() {
		return
	}
	c, ok := e.lookupCollection(id)
	if !ok {
		return
	}
	outcome, err := e.session.EditingStarted(ctx, c)
	if err != nil {
		var storeErr *SourceStoreError
		if errors.As(err, &storeErr) {
			e.notifier.Warning(fmt.Sprintf("Could not access previously tracked sources: %v", storeErr.Err))
		}
		return
	}
	if outcome == PromptDeclined {
		e.logger.Info("resume declined", slog.String("collection", c.Name()))
	}
}

// OnEditingStopped ends the edit session of id for prompting purposes.
func (e *Engine) OnEditingStopped(id CollectionID) {
	if e.isClosed() {
		return
	}
	e.session.EditingStopped(id)
	e.aggregator.RequestRefresh()
}

// OnCollectionsRemoved purges all state of the removed ids.
func (e *Engine) OnCollectionsRemoved(ids ...CollectionID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	for _, id := range ids {
		e.registry.Cleanup(id)
	}
	e.observer.SetTracked(len(e.registry.TrackedIDs()))
	e.aggregator.RequestRefresh()
}

// OnActiveChanged refreshes the stats for the newly active resource.
func (e *Engine) OnActiveChanged(CollectionID) {
	if e.isClosed() {
		return
	}
	e.aggregator.RequestRefresh()
}

// =============================================================================
// Tools
// =============================================================================

// TrackingActive reports whether tracking is on for id.
func (e *Engine) TrackingActive(id CollectionID) bool {
	return e.registry.IsTracked(id)
}

// TrackedIDs lists the tracked collection ids.
func (e *Engine) TrackedIDs() []CollectionID {
	return e.registry.TrackedIDs()
}

// ToggleTracking enables or disables tracking on the active collection.
//
// Description:
//
//	Enable marks the collection tracked, remembers its source and opens an
//	edit session. Stamping attaches immediately when the tracking fields
//	exist; otherwise the user is told to create them.
//
//	Disable detaches stamping and commits the collection. A failed commit
//	is reported as ErrCommitFailed, but tracking stays disabled and the
//	pending edits remain in the collection.
//
// Outputs:
//
//	error - ErrNoActiveCollection, ErrNotVector, ErrAlreadyTracked,
//	        ErrCommitFailed, or a wrapped start-editing failure.
func (e *Engine) ToggleTracking(enable bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, err := e.activeCollectionLocked()
	if err != nil {
		return err
	}
	defer e.aggregator.RequestRefresh()
	defer func() { e.observer.SetTracked(len(e.registry.TrackedIDs())) }()

	if !enable {
		return e.disableLocked(c)
	}

	already := e.registry.IsTracked(c.ID())
	status, err := e.registry.Enable(c)
	if err != nil {
		e.logger.Warn("could not persist tracked source", slog.String("error", err.Error()))
		e.notifier.Warning(fmt.Sprintf("Could not remember %s for later sessions", c.Name()))
	}
	if !c.IsEditable() {
		if err := c.StartEditing(); err != nil {
			e.notifier.Warning(fmt.Sprintf("Could not start editing %s", c.Name()))
			return fmt.Errorf("start editing %s: %w", c.Name(), err)
		}
	}

	switch {
	case already:
		e.notifier.Info(fmt.Sprintf("Edit tracking already enabled for %s", c.Name()))
		return fmt.Errorf("%s: %w", c.Name(), ErrAlreadyTracked)
	case status == AttachStatusSchemaMissing:
		e.notifier.Info(fmt.Sprintf("Edit tracking enabled for %s. Create the tracking fields to start stamping.", c.Name()))
	default:
		e.notifier.Success(fmt.Sprintf("Edit tracking enabled for %s", c.Name()))
	}
	return nil
}

func (e *Engine) disableLocked(c Collection) error {
	if !e.registry.Disable(c.ID()) {
		e.notifier.Info(fmt.Sprintf("Edit tracking was not enabled for %s", c.Name()))
		return nil
	}
	if c.IsEditable() {
		if err := c.CommitChanges(); err != nil {
			e.logger.Warn("commit failed on disable",
				slog.String("collection", c.Name()),
				slog.String("error", err.Error()))
			e.notifier.Warning(fmt.Sprintf("Could not commit changes to %s", c.Name()))
			return fmt.Errorf("%s: %w: %v", c.Name(), ErrCommitFailed, err)
		}
	}
	e.notifier.Info(fmt.Sprintf("Edit tracking disabled for %s", c.Name()))
	return nil
}

// CreateFields adds and initialises the tracking fields on the active
// collection, then attaches stamping.
//
// Description:
//
//	Requires tracking. When the fields already exist nothing is changed
//	and ErrSchemaExists is returned: this is a one-time bootstrap, not a
//	reset of existing tags.
//
// Outputs:
//
//	int - Number of records initialised.
//	error - ErrNotTracked, ErrSchemaExists, or a wrapped host failure.
func (e *Engine) CreateFields() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, err := e.activeCollectionLocked()
	if err != nil {
		return 0, err
	}
	if !e.registry.IsTracked(c.ID()) {
		e.notifier.Warning(fmt.Sprintf("Enable edit tracking on %s first", c.Name()))
		return 0, fmt.Errorf("%s: %w", c.Name(), ErrNotTracked)
	}
	if HasSchema(c) {
		e.notifier.Warning(fmt.Sprintf("Tracking fields already exist on %s", c.Name()))
		return 0, fmt.Errorf("%s: %w", c.Name(), ErrSchemaExists)
	}
	if err := e.ensureEditableLocked(c); err != nil {
		return 0, err
	}

	idx, _, err := EnsureSchema(c)
	if err != nil {
		e.notifier.Critical(fmt.Sprintf("Could not add tracking fields to %s", c.Name()))
		return 0, err
	}
	n, err := InitializeAllRecords(c, idx)
	if err != nil {
		e.notifier.Warning(fmt.Sprintf("Some records of %s could not be initialised", c.Name()))
	}
	e.registry.AttachNow(c)
	e.aggregator.RequestRefresh()
	if err == nil {
		e.notifier.Success(fmt.Sprintf("Tracking fields created on %s (%d records initialised)", c.Name(), n))
	}
	return n, err
}

// MarkSelected stamps tag=1 and today's date on the selected records whose
// tag is absent or 0.
//
// Outputs:
//
//	int - Number of records stamped.
//	error - ErrNotTracked, ErrSchemaMissing, ErrNoSelection, or a wrapped
//	        host failure.
func (e *Engine) MarkSelected() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, idx, ids, err := e.selectionLocked()
	if err != nil {
		return 0, err
	}
	today := e.today()
	marked := 0
	var errs []error
	for _, id := range ids {
		rec, err := c.Record(id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !isUnstamped(rec.Attribute(idx.Tag)) {
			continue
		}
		if err := e.writeStampLocked(c, idx, id, today); err != nil {
			errs = append(errs, err)
			continue
		}
		e.observer.RecordStamped(StampMarkSelected)
		marked++
	}
	e.aggregator.RequestRefresh()
	e.notifier.Success(fmt.Sprintf("%d of %d selected records marked as edited", marked, len(ids)))
	return marked, errors.Join(errs...)
}

// UpdateDateForSelected sets tag=1 and the given date on every selected
// record with a non-empty geometry. Records without geometry are skipped.
func (e *Engine) UpdateDateForSelected(day Date) (int, error) {
	if !day.IsValid() {
		return 0, fmt.Errorf("update date: invalid date %+v", day)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	c, idx, ids, err := e.selectionLocked()
	if err != nil {
		return 0, err
	}
	updated := 0
	var errs []error
	for _, id := range ids {
		rec, err := c.Record(id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !rec.HasGeometry || rec.GeometryEmpty {
			continue
		}
		if err := e.writeStampLocked(c, idx, id, day); err != nil {
			errs = append(errs, err)
			continue
		}
		e.observer.RecordStamped(StampSetDate)
		updated++
	}
	e.aggregator.RequestRefresh()
	e.notifier.Success(fmt.Sprintf("Edit date set to %s on %d selected records", day, updated))
	return updated, errors.Join(errs...)
}

// RemoveNullGeometry deletes every record of the active collection whose
// geometry is absent or empty.
func (e *Engine) RemoveNullGeometry() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, err := e.trackedActiveLocked()
	if err != nil {
		return 0, err
	}

	var ids []RecordID
	err = c.ForEachRecord(func(r Record) error {
		if !r.HasGeometry || r.GeometryEmpty {
			ids = append(ids, r.ID)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan %s: %w", c.Name(), err)
	}
	if len(ids) == 0 {
		e.notifier.Info(fmt.Sprintf("No records without geometry in %s", c.Name()))
		return 0, nil
	}
	if err := e.ensureEditableLocked(c); err != nil {
		return 0, err
	}

	removed := 0
	var errs []error
	for _, id := range ids {
		if err := c.DeleteRecord(id); err != nil {
			errs = append(errs, fmt.Errorf("delete record %d: %w", id, err))
			continue
		}
		removed++
	}
	e.aggregator.RequestRefresh()
	e.notifier.Success(fmt.Sprintf("Removed %d records without geometry from %s", removed, c.Name()))
	return removed, errors.Join(errs...)
}

// SelectNullAttributes selects the records with a missing or inconsistent
// tag or date. Records without geometry are not selected.
func (e *Engine) SelectNullAttributes() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, idx, err := e.trackedSchemaLocked()
	if err != nil {
		return 0, err
	}

	var ids []RecordID
	err = c.ForEachRecord(func(r Record) error {
		if r.Classify(idx).Class.IsNullAttribute() {
			ids = append(ids, r.ID)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan %s: %w", c.Name(), err)
	}
	c.SelectByIDs(ids)
	if len(ids) == 0 {
		e.notifier.Info(fmt.Sprintf("No records with missing tracking values in %s", c.Name()))
		return 0, nil
	}
	e.notifier.Info(fmt.Sprintf("Selected %d records with missing tracking values", len(ids)))
	return len(ids), nil
}

// RefreshStats requests a debounced stats refresh.
func (e *Engine) RefreshStats() {
	e.aggregator.RequestRefresh()
}

// SetReferenceDay changes the day counted by DayCount. The zero Date
// means "today".
func (e *Engine) SetReferenceDay(day Date) error {
	if !day.IsZero() && !day.IsValid() {
		return fmt.Errorf("reference day: invalid date %+v", day)
	}
	e.mu.Lock()
	e.referenceDay = day
	e.mu.Unlock()
	e.aggregator.RequestRefresh()
	return nil
}

// ReferenceDay returns the day counted by DayCount.
func (e *Engine) ReferenceDay() Date {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.referenceDayLocked()
}

// =============================================================================
// Stats
// =============================================================================

// Snapshot returns the last published StatsReport.
func (e *Engine) Snapshot() StatsReport {
	e.lastMu.RLock()
	defer e.lastMu.RUnlock()
	return e.last
}

// RefreshNow computes and publishes a StatsReport on the calling goroutine,
// cancelling any pending debounced refresh.
func (e *Engine) RefreshNow(ctx context.Context) StatsReport {
	if e.aggregator.Flush() {
		return e.Snapshot()
	}
	return e.refreshContext(ctx)
}

func (e *Engine) refresh() {
	e.refreshContext(context.Background())
}

func (e *Engine) refreshContext(ctx context.Context) StatsReport {
	start := time.Now()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return e.Snapshot()
	}
	report := e.computeLocked(ctx)
	e.computed++
	seq := e.computed
	e.mu.Unlock()

	e.observer.RecordRecompute(report, time.Since(start).Seconds())

	// A concurrent refresh may have computed later but got here first.
	// Its report is newer, so this one is returned but not published.
	e.pubMu.Lock()
	defer e.pubMu.Unlock()
	if seq < e.published {
		return report
	}
	e.published = seq
	e.lastMu.Lock()
	e.last = report
	e.lastMu.Unlock()
	if e.publish != nil {
		e.publish(report)
	}
	return report
}

func (e *Engine) computeLocked(ctx context.Context) StatsReport {
	report := StatsReport{
		Status:       StatusNoActiveCollection,
		ReferenceDay: e.referenceDayLocked(),
		ComputedAt:   e.now(),
	}
	res, ok := e.host.ActiveResource()
	if !ok || res == nil {
		return report
	}
	report.CollectionID = res.ID()
	report.CollectionName = res.Name()

	c, ok := asCollection(res)
	if !ok {
		report.Status = StatusNotApplicable
		return report
	}
	if !e.registry.IsTracked(c.ID()) {
		report.Status = StatusTrackingOff
		return report
	}

	stats, err := RecomputeNow(ctx, c, report.ReferenceDay)
	switch {
	case errors.Is(err, ErrSchemaMissing):
		report.Status = StatusSchemaMissing
	case err != nil:
		report.Status = StatusFailed
		report.Error = err.Error()
		e.logger.Warn("stats recompute failed", slog.String("collection", c.Name()), slog.String("error", err.Error()))
	default:
		report.Status = StatusReady
		report.Stats = stats
	}
	return report
}

// Flush runs a pending debounced refresh now.
func (e *Engine) Flush() bool {
	return e.aggregator.Flush()
}

// Close detaches every binding and stops the debouncer. Later
// notifications are ignored.
func (e *Engine) Close() {
	e.aggregator.Stop()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.registry.Close()
	e.observer.SetTracked(0)
}

// =============================================================================
// Internal
// =============================================================================

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) today() Date {
	return DateOf(e.now())
}

func (e *Engine) referenceDayLocked() Date {
	if e.referenceDay.IsZero() {
		return e.today()
	}
	return e.referenceDay
}

func (e *Engine) lookupCollection(id CollectionID) (Collection, bool) {
	res, ok := e.host.Resource(id)
	if !ok {
		return nil, false
	}
	return asCollection(res)
}

func (e *Engine) onResumedLocked(c Collection, status AttachStatus) {
	e.observer.SetTracked(len(e.registry.TrackedIDs()))
	e.notifier.Success(fmt.Sprintf("Edit tracking resumed for %s", c.Name()))
	e.logger.Info("tracking resumed",
		slog.String("collection", c.Name()),
		slog.String("attach", status.String()))
	e.aggregator.RequestRefresh()
}

func (e *Engine) activeCollectionLocked() (Collection, error) {
	res, ok := e.host.ActiveResource()
	if !ok || res == nil {
		e.notifier.Warning("No active layer")
		return nil, ErrNoActiveCollection
	}
	c, ok := asCollection(res)
	if !ok {
		e.notifier.Warning(fmt.Sprintf("%s is not a vector layer", res.Name()))
		return nil, fmt.Errorf("%s: %w", res.Name(), ErrNotVector)
	}
	return c, nil
}

func (e *Engine) trackedActiveLocked() (Collection, error) {
	c, err := e.activeCollectionLocked()
	if err != nil {
		return nil, err
	}
	if !e.registry.IsTracked(c.ID()) {
		e.notifier.Warning(fmt.Sprintf("Edit tracking is not enabled for %s", c.Name()))
		return nil, fmt.Errorf("%s: %w", c.Name(), ErrNotTracked)
	}
	return c, nil
}

func (e *Engine) trackedSchemaLocked() (Collection, SchemaIndexes, error) {
	c, err := e.trackedActiveLocked()
	if err != nil {
		return nil, SchemaIndexes{}, err
	}
	idx, ok := LookupSchema(c)
	if !ok {
		e.notifier.Critical(fmt.Sprintf("Tracking fields missing on %s", c.Name()))
		return nil, SchemaIndexes{}, fmt.Errorf("%s: %w", c.Name(), ErrSchemaMissing)
	}
	return c, idx, nil
}

func (e *Engine) selectionLocked() (Collection, SchemaIndexes, []RecordID, error) {
	c, idx, err := e.trackedSchemaLocked()
	if err != nil {
		return nil, idx, nil, err
	}
	ids := c.SelectedIDs()
	if len(ids) == 0 {
		e.notifier.Warning("No records selected")
		return nil, idx, nil, fmt.Errorf("%s: %w", c.Name(), ErrNoSelection)
	}
	if err := e.ensureEditableLocked(c); err != nil {
		return nil, idx, nil, err
	}
	return c, idx, ids, nil
}

func (e *Engine) ensureEditableLocked(c Collection) error {
	if c.IsEditable() {
		return nil
	}
	if err := c.StartEditing(); err != nil {
		e.notifier.Warning(fmt.Sprintf("Could not start editing %s", c.Name()))
		return fmt.Errorf("start editing %s: %w", c.Name(), err)
	}
	return nil
}

func (e *Engine) writeStampLocked(c Collection, idx SchemaIndexes, id RecordID, day Date) error {
	if err := c.ChangeAttributeValue(id, idx.Tag, int64(1)); err != nil {
		return fmt.Errorf("record %d: %w", id, err)
	}
	if err := c.ChangeAttributeValue(id, idx.Date, day); err != nil {
		return fmt.Errorf("record %d: %w", id, err)
	}
	return nil
}
