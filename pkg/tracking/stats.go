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
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// DefaultQuietInterval is the default debounce delay of the Aggregator.
const DefaultQuietInterval = 250 * time.Millisecond

var tracer = otel.Tracer("edittrack.tracking")

// AggregateStats is one snapshot of counts over a collection.
type AggregateStats struct {
	Total          int `json:"total"`
	Edited         int `json:"edited"`
	NotEdited      int `json:"not_edited"`
	DayCount       int `json:"day_count"`
	NullGeometry   int `json:"null_geometry"`
	NullAttributes int `json:"null_attributes"`

	// Breakdown of NullAttributes.
	NullTag      int `json:"null_tag"`
	InvalidTag   int `json:"invalid_tag"`
	TagSetNoDate int `json:"tag_set_no_date"`
}

func (s *AggregateStats) add(c Classification, day Date) {
	s.Total++
	switch c.Class {
	case ClassNullGeometry:
		s.NullGeometry++
	case ClassNullTag:
		s.NullTag++
	case ClassInvalidTagValue:
		s.InvalidTag++
	case ClassTagSetNoDate:
		s.TagSetNoDate++
	case ClassEdited:
		s.Edited++
		if c.Date.Equal(day) {
			s.DayCount++
		}
	case ClassNotEdited:
		s.NotEdited++
	}
	if c.Class.IsNullAttribute() {
		s.NullAttributes++
	}
}

// RecomputeNow classifies every record of c once and counts the buckets.
//
// Description:
//
//	DayCount counts Edited records whose date equals day. A collection
//	without the tracking schema short-circuits with ErrSchemaMissing
//	before any record is read. An empty collection yields all zeros.
//
// Inputs:
//
//	ctx - Checked between records; cancellation aborts the scan.
//	c - The vector collection.
//	day - The reference day for DayCount.
//
// Outputs:
//
//	AggregateStats - The counts.
//	error - ErrSchemaMissing, ctx.Err(), or a wrapped read failure.
func RecomputeNow(ctx context.Context, c Collection, day Date) (AggregateStats, error) {
	ctx, span := tracer.Start(ctx, "tracking.RecomputeNow",
		trace.WithAttributes(
			attribute.String("collection.id", string(c.ID())),
			attribute.String("reference_day", day.String()),
		))
	defer span.End()

	idx, ok := LookupSchema(c)
	if !ok {
		span.SetStatus(codes.Error, ErrSchemaMissing.Error())
		return AggregateStats{}, ErrSchemaMissing
	}

	var stats AggregateStats
	err := c.ForEachRecord(func(r Record) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		stats.add(r.Classify(idx), day)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return AggregateStats{}, fmt.Errorf("scan %s: %w", c.Name(), err)
	}
	span.SetAttributes(
		attribute.Int("stats.total", stats.Total),
		attribute.Int("stats.edited", stats.Edited),
		attribute.Int("stats.null_attributes", stats.NullAttributes),
	)
	return stats, nil
}

// StatsStatus says what a StatsReport describes.
type StatsStatus int

const (
	StatusNoActiveCollection StatsStatus = iota
	StatusNotApplicable
	StatusTrackingOff
	StatusSchemaMissing
	StatusReady
	StatusFailed
)

func (s StatsStatus) String() string {
	switch s {
	case StatusNoActiveCollection:
		return "no_active_collection"
	case StatusNotApplicable:
		return "not_applicable"
	case StatusTrackingOff:
		return "tracking_off"
	case StatusSchemaMissing:
		return "schema_missing"
	case StatusReady:
		return "ready"
	default:
		return "failed"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s StatsStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. It accepts the names
// produced by String and rejects anything else.
func (s *StatsStatus) UnmarshalText(text []byte) error {
	for st := StatusNoActiveCollection; st <= StatusFailed; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("tracking: unknown stats status %q", text)
}

// StatsReport is what the display receives on every refresh.
type StatsReport struct {
	Status         StatsStatus    `json:"status"`
	CollectionID   CollectionID   `json:"collection_id,omitempty"`
	CollectionName string         `json:"collection_name,omitempty"`
	ReferenceDay   Date           `json:"reference_day"`
	Stats          AggregateStats `json:"stats"`
	ComputedAt     time.Time      `json:"computed_at"`
	Error          string         `json:"error,omitempty"`
}

// AggregatorCounters are lifetime counters of an Aggregator.
type AggregatorCounters struct {
	Requests uint64
	Runs     uint64
}

// Aggregator debounces stats refreshes.
//
// Description:
//
//	RequestRefresh arms a single timer for the quiet interval. A request
//	while the timer is pending re-arms it, so a burst of requests produces
//	one run, quiet after the last request. There is never more than one
//	pending run per Aggregator. The run function is called on the timer
//	goroutine.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Aggregator struct {
	quiet  time.Duration
	run    func()
	logger *slog.Logger

	mu      sync.Mutex
	timer   *time.Timer
	seq     uint64
	stopped bool

	requests atomic.Uint64
	runs     atomic.Uint64

	coalesceLog rate.Sometimes
}

// NewAggregator creates an Aggregator calling run after each quiet
// interval. A non-positive quiet uses DefaultQuietInterval.
func NewAggregator(quiet time.Duration, run func(), logger *slog.Logger) *Aggregator {
	if quiet <= 0 {
		quiet = DefaultQuietInterval
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Aggregator{
		quiet:       quiet,
		run:         run,
		logger:      logger.With(slog.String("component", "aggregator")),
		coalesceLog: rate.Sometimes{Interval: 5 * time.Second},
	}
}

// QuietInterval returns the debounce delay.
func (a *Aggregator) QuietInterval() time.Duration {
	return a.quiet
}

// RequestRefresh schedules a run one quiet interval from now, replacing
// any pending schedule.
func (a *Aggregator) RequestRefresh() {
	a.requests.Add(1)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	a.seq++
	seq := a.seq
	if a.timer != nil && a.timer.Stop() {
		a.coalesceLog.Do(func() {
			a.logger.Debug("refresh coalesced",
				slog.Uint64("requests", a.requests.Load()),
				slog.Uint64("runs", a.runs.Load()))
		})
	}
	a.timer = time.AfterFunc(a.quiet, func() { a.fire(seq) })
}

// fire runs the refresh unless a newer request superseded seq.
func (a *Aggregator) fire(seq uint64) {
	a.mu.Lock()
	if a.stopped || seq != a.seq || a.timer == nil {
		a.mu.Unlock()
		return
	}
	a.timer = nil
	a.mu.Unlock()

	a.runs.Add(1)
	a.run()
}

// Pending reports whether a run is scheduled.
func (a *Aggregator) Pending() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.timer != nil
}

// Flush runs a pending refresh immediately on the calling goroutine.
//
// Outputs:
//
//	bool - True if a refresh was pending and ran.
func (a *Aggregator) Flush() bool {
	a.mu.Lock()
	if a.stopped || a.timer == nil {
		a.mu.Unlock()
		return false
	}
	a.timer.Stop()
	a.timer = nil
	a.seq++
	a.mu.Unlock()

	a.runs.Add(1)
	a.run()
	return true
}

// Counters returns lifetime request and run counts.
func (a *Aggregator) Counters() AggregatorCounters {
	return AggregatorCounters{Requests: a.requests.Load(), Runs: a.runs.Load()}
}

// Stop cancels any pending run. Later requests are ignored.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}
