// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package host is a small reference host for the tracking engine.
//
// A Project owns loaded resources (vector layers and rasters), knows the
// active one and forwards every layer notification to a Listener on a
// single dispatcher goroutine, in the order the notifications were
// raised. A FileWatcher turns external edits of a layer's file into the
// same notifications.
package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/AleutianAI/edittrack/pkg/layer"
	"github.com/AleutianAI/edittrack/pkg/tracking"
	"github.com/google/uuid"
)

// ErrUnknownResource is returned for an id the project does not hold.
var ErrUnknownResource = errors.New("host: unknown resource")

// Listener receives project notifications. *tracking.Engine implements it.
type Listener interface {
	OnGeometryChanged(id tracking.CollectionID, record tracking.RecordID)
	OnRecordAdded(id tracking.CollectionID, record tracking.RecordID)
	OnEditingStarted(ctx context.Context, id tracking.CollectionID)
	OnEditingStopped(id tracking.CollectionID)
	OnCollectionsRemoved(ids ...tracking.CollectionID)
	OnActiveChanged(id tracking.CollectionID)
}

// ProjectOptions configures a Project.
type ProjectOptions struct {
	// Listener receives notifications. May be set later with SetListener.
	Listener Listener

	// Logger is the logger. Default: discard.
	Logger *slog.Logger
}

// Project is the set of loaded resources.
//
// Description:
//
//	Project implements tracking.Host and layer.EventSink. Notifications
//	never run on the goroutine that raised them: they are queued and
//	delivered by one dispatcher goroutine, so a Listener may call back
//	into layers that are raising events.
//
// Thread Safety:
//
//	All methods are safe for concurrent use.
type Project struct {
	logger *slog.Logger

	mu        sync.RWMutex
	resources map[tracking.CollectionID]tracking.Resource
	order     []tracking.CollectionID
	active    tracking.CollectionID
	listener  Listener

	ctx    context.Context
	cancel context.CancelFunc
	queue  *dispatcher
}

// NewProject creates an empty project and starts its dispatcher.
func NewProject(opts ProjectOptions) *Project {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Project{
		logger:    logger.With(slog.String("component", "project")),
		resources: make(map[tracking.CollectionID]tracking.Resource),
		listener:  opts.Listener,
		ctx:       ctx,
		cancel:    cancel,
	}
	p.queue = newDispatcher(p.logger)
	return p
}

// SetListener replaces the listener. Queued notifications go to the new one.
func (p *Project) SetListener(l Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listener = l
}

var idUnsafe = regexp.MustCompile(`[^A-Za-z0-9_]+`)

// NewID returns a fresh resource id derived from name.
func NewID(name string) tracking.CollectionID {
	base := strings.Trim(idUnsafe.ReplaceAllString(name, "_"), "_")
	if base == "" {
		base = "layer"
	}
	return tracking.CollectionID(base + "_" + strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// OpenLayer loads a layer from a spec (see layer.ParseSpec), adds it and
// makes it active.
func (p *Project) OpenLayer(ctx context.Context, spec string) (*layer.Layer, error) {
	prov, err := layer.ParseSpec(spec)
	if err != nil {
		return nil, err
	}
	l, err := layer.Load(ctx, NewID(prov.Name()), prov, layer.WithLogger(p.logger))
	if err != nil {
		return nil, err
	}
	if err := p.AddLayer(l); err != nil {
		l.Close()
		return nil, err
	}
	p.logger.Info("layer loaded",
		slog.String("layer", l.Name()),
		slog.String("id", string(l.ID())),
		slog.Int("features", l.Len()))
	return l, nil
}

// AddLayer adds l, routes its notifications through the project and makes
// it active.
func (p *Project) AddLayer(l *layer.Layer) error {
	if err := p.add(l); err != nil {
		return err
	}
	l.SetSink(p)
	return p.SetActive(l.ID())
}

// AddResource adds a non-layer resource without changing the active one.
func (p *Project) AddResource(r tracking.Resource) error {
	return p.add(r)
}

func (p *Project) add(r tracking.Resource) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, dup := p.resources[r.ID()]; dup {
		return fmt.Errorf("host: resource %s already loaded", r.ID())
	}
	p.resources[r.ID()] = r
	p.order = append(p.order, r.ID())
	return nil
}

// RemoveResources unloads resources. Layers are closed; an open edit
// session is discarded. The listener hears OnCollectionsRemoved with the
// ids that were actually loaded.
func (p *Project) RemoveResources(ids ...tracking.CollectionID) {
	p.mu.Lock()
	var (
		removed       []tracking.CollectionID
		layers        []*layer.Layer
		activeDropped bool
	)
	for _, id := range ids {
		r, ok := p.resources[id]
		if !ok {
			continue
		}
		delete(p.resources, id)
		removed = append(removed, id)
		if l, ok := r.(*layer.Layer); ok {
			layers = append(layers, l)
		}
		if p.active == id {
			p.active = ""
			activeDropped = true
		}
	}
	if len(removed) > 0 {
		kept := p.order[:0]
		for _, id := range p.order {
			if _, ok := p.resources[id]; ok {
				kept = append(kept, id)
			}
		}
		p.order = kept
	}
	p.mu.Unlock()

	for _, l := range layers {
		l.Close()
	}
	if len(removed) == 0 {
		return
	}
	p.dispatch(func(l Listener) { l.OnCollectionsRemoved(removed...) })
	if activeDropped {
		p.dispatch(func(l Listener) { l.OnActiveChanged("") })
	}
}

// SetActive makes id the active resource. An empty id clears it.
func (p *Project) SetActive(id tracking.CollectionID) error {
	p.mu.Lock()
	if id != "" {
		if _, ok := p.resources[id]; !ok {
			p.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrUnknownResource, id)
		}
	}
	changed := p.active != id
	p.active = id
	p.mu.Unlock()

	if changed {
		p.dispatch(func(l Listener) { l.OnActiveChanged(id) })
	}
	return nil
}

// ActiveResource implements tracking.Host.
func (p *Project) ActiveResource() (tracking.Resource, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.active == "" {
		return nil, false
	}
	r, ok := p.resources[p.active]
	return r, ok
}

// Resource implements tracking.Host.
func (p *Project) Resource(id tracking.CollectionID) (tracking.Resource, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.resources[id]
	return r, ok
}

// Layer returns the vector layer with id.
func (p *Project) Layer(id tracking.CollectionID) (*layer.Layer, bool) {
	r, ok := p.Resource(id)
	if !ok {
		return nil, false
	}
	l, ok := r.(*layer.Layer)
	return l, ok
}

// Resources returns every loaded resource in load order.
func (p *Project) Resources() []tracking.Resource {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]tracking.Resource, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.resources[id])
	}
	return out
}

// =============================================================================
// layer.EventSink
// =============================================================================

func (p *Project) GeometryChanged(id tracking.CollectionID, record tracking.RecordID) {
	p.dispatch(func(l Listener) { l.OnGeometryChanged(id, record) })
}

func (p *Project) RecordAdded(id tracking.CollectionID, record tracking.RecordID) {
	p.dispatch(func(l Listener) { l.OnRecordAdded(id, record) })
}

func (p *Project) EditingStarted(id tracking.CollectionID) {
	p.dispatch(func(l Listener) { l.OnEditingStarted(p.ctx, id) })
}

func (p *Project) EditingStopped(id tracking.CollectionID) {
	p.dispatch(func(l Listener) { l.OnEditingStopped(id) })
}

func (p *Project) dispatch(fn func(Listener)) {
	p.queue.push(func() {
		p.mu.RLock()
		l := p.listener
		p.mu.RUnlock()
		if l != nil {
			fn(l)
		}
	})
}

// Flush waits until every notification queued so far, and any it queued
// in turn, has been delivered.
func (p *Project) Flush(ctx context.Context) error {
	return p.queue.flush(ctx)
}

// Close cancels pending prompts, stops the dispatcher after draining it and
// closes every layer.
func (p *Project) Close() {
	p.cancel()
	p.queue.close()

	p.mu.Lock()
	res := p.resources
	p.resources = make(map[tracking.CollectionID]tracking.Resource)
	p.order = nil
	p.active = ""
	p.mu.Unlock()

	for _, r := range res {
		if l, ok := r.(*layer.Layer); ok {
			l.Close()
		}
	}
}

// =============================================================================
// dispatcher
// =============================================================================

// dispatcher runs queued funcs one at a time in FIFO order. push never
// blocks.
type dispatcher struct {
	logger *slog.Logger

	mu      sync.Mutex
	queue   []func()
	running bool
	closed  bool
	wake    chan struct{}
	idle    chan struct{}
	done    chan struct{}
}

func newDispatcher(logger *slog.Logger) *dispatcher {
	d := &dispatcher{
		logger: logger,
		wake:   make(chan struct{}, 1),
		idle:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *dispatcher) push(fn func()) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, fn)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) loop() {
	defer close(d.done)
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.running = false
			close(d.idle)
			d.idle = make(chan struct{})
			closed := d.closed
			d.mu.Unlock()
			if closed {
				return
			}
			<-d.wake
			continue
		}
		fn := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.running = true
		d.mu.Unlock()

		d.run(fn)
	}
}

func (d *dispatcher) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("notification handler panicked", slog.Any("panic", r))
		}
	}()
	fn()
}

func (d *dispatcher) flush(ctx context.Context) error {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 && !d.running {
			d.mu.Unlock()
			return nil
		}
		idle := d.idle
		d.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// close drains the queue and stops the loop.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	<-d.done
}
