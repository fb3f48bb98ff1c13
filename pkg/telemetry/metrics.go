// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/edittrack/pkg/tracking"
)

const namespace = "edittrack"

// Metrics records tracking events as Prometheus metrics.
//
// Description:
//
//	Implements tracking.Observer. Class gauges mirror the last ready
//	StatsReport and are reset when the report is not ready, so a scrape
//	never shows counts for a collection that is no longer active.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Metrics struct {
	registry *prometheus.Registry

	stamped           *prometheus.CounterVec
	recomputes        *prometheus.CounterVec
	recomputeDuration prometheus.Histogram
	features          *prometheus.GaugeVec
	dayCount          prometheus.Gauge
	prompts           *prometheus.CounterVec
	tracked           prometheus.Gauge
}

var _ tracking.Observer = (*Metrics)(nil)

// NewMetrics creates the collectors and registers them on reg. A nil reg
// gets a fresh registry, available through Registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		stamped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stamps_total",
			Help:      "Records stamped edited, by trigger",
		}, []string{"reason"}),
		recomputes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stats",
			Name:      "recomputes_total",
			Help:      "Stats recomputations, by report status",
		}, []string{"status"}),
		recomputeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stats",
			Name:      "recompute_duration_seconds",
			Help:      "Time spent classifying the active collection",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		features: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stats",
			Name:      "features",
			Help:      "Records of the active collection, by validity class",
		}, []string{"class"}),
		dayCount: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stats",
			Name:      "edited_on_reference_day",
			Help:      "Edited records whose date equals the reference day",
		}),
		prompts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "prompts_total",
			Help:      "Editing-started decisions, by outcome",
		}, []string{"outcome"}),
		tracked: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_collections",
			Help:      "Collections currently tracked",
		}),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordStamped implements tracking.Observer.
func (m *Metrics) RecordStamped(reason string) {
	m.stamped.WithLabelValues(reason).Inc()
}

// RecordRecompute implements tracking.Observer.
func (m *Metrics) RecordRecompute(report tracking.StatsReport, seconds float64) {
	m.recomputes.WithLabelValues(report.Status.String()).Inc()
	if report.Status != tracking.StatusReady {
		m.features.Reset()
		m.dayCount.Set(0)
		return
	}
	m.recomputeDuration.Observe(seconds)

	s := report.Stats
	counts := map[tracking.FeatureClass]int{
		tracking.ClassNullGeometry:    s.NullGeometry,
		tracking.ClassNullTag:         s.NullTag,
		tracking.ClassInvalidTagValue: s.InvalidTag,
		tracking.ClassTagSetNoDate:    s.TagSetNoDate,
		tracking.ClassEdited:          s.Edited,
		tracking.ClassNotEdited:       s.NotEdited,
	}
	for _, class := range tracking.AllFeatureClasses() {
		m.features.WithLabelValues(class.String()).Set(float64(counts[class]))
	}
	m.dayCount.Set(float64(s.DayCount))
}

// RecordPrompt implements tracking.Observer.
func (m *Metrics) RecordPrompt(outcome tracking.PromptOutcome) {
	m.prompts.WithLabelValues(outcome.String()).Inc()
}

// SetTracked implements tracking.Observer.
func (m *Metrics) SetTracked(count int) {
	m.tracked.Set(float64(count))
}

// ObserveAggregator exports the lifetime counters of a stats Aggregator as
// OpenTelemetry observable counters on meter.
func ObserveAggregator(meter metric.Meter, a *tracking.Aggregator) error {
	_, err := meter.Int64ObservableCounter(
		"edittrack.stats.refresh_requests",
		metric.WithDescription("Stats refresh requests received by the debouncer"),
		metric.WithUnit("{request}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(a.Counters().Requests))
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("create refresh_requests: %w", err)
	}

	_, err = meter.Int64ObservableCounter(
		"edittrack.stats.refresh_runs",
		metric.WithDescription("Stats recomputations run after the quiet interval"),
		metric.WithUnit("{run}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(a.Counters().Runs))
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("create refresh_runs: %w", err)
	}
	return nil
}
