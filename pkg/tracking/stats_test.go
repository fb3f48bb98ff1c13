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
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecomputeNow_FiveRecordExample(t *testing.T) {
	day := NewDate(2024, time.January, 1)
	c := newTrackedSchemaCollection("a", "src")
	c.add(1, true, map[string]any{TagField: int64(1)})
	c.add(2, true, nil)
	c.add(3, true, map[string]any{TagField: int64(1), DateField: day})
	c.add(4, true, map[string]any{TagField: int64(0)})
	c.add(5, true, map[string]any{TagField: int64(1), DateField: day})
	c.records[5].empty = true

	stats, err := RecomputeNow(context.Background(), c, day)
	require.NoError(t, err)
	assert.Equal(t, AggregateStats{
		Total:          5,
		Edited:         1,
		NotEdited:      1,
		DayCount:       1,
		NullGeometry:   1,
		NullAttributes: 2,
		NullTag:        1,
		TagSetNoDate:   1,
	}, stats)
}

func TestRecomputeNow_DayCountUsesCalendarEquality(t *testing.T) {
	c := newTrackedSchemaCollection("a", "src")
	c.add(1, true, map[string]any{TagField: 1, DateField: time.Date(2024, 5, 1, 22, 0, 0, 0, time.UTC)})
	c.add(2, true, map[string]any{TagField: 1, DateField: "2024-05-02"})

	stats, err := RecomputeNow(context.Background(), c, NewDate(2024, time.May, 1))
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Edited)
	assert.Equal(t, 1, stats.DayCount)
}

func TestRecomputeNow_EmptyCollection(t *testing.T) {
	c := newTrackedSchemaCollection("a", "src")

	stats, err := RecomputeNow(context.Background(), c, testToday)
	require.NoError(t, err)
	assert.Equal(t, AggregateStats{}, stats)
}

func TestRecomputeNow_SchemaMissingShortCircuits(t *testing.T) {
	c := newFakeCollection("a", "src")
	c.add(1, true, nil)

	_, err := RecomputeNow(context.Background(), c, testToday)
	assert.ErrorIs(t, err, ErrSchemaMissing)
}

func TestRecomputeNow_Cancelled(t *testing.T) {
	c := newTrackedSchemaCollection("a", "src")
	c.add(1, true, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := RecomputeNow(ctx, c, testToday)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAggregator_CoalescesBurst(t *testing.T) {
	var runs atomic.Int32
	done := make(chan struct{}, 10)
	a := NewAggregator(40*time.Millisecond, func() {
		runs.Add(1)
		done <- struct{}{}
	}, nil)
	defer a.Stop()

	for i := 0; i < 10; i++ {
		a.RequestRefresh()
		time.Sleep(2 * time.Millisecond)
	}
	assert.True(t, a.Pending())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh never ran")
	}
	time.Sleep(120 * time.Millisecond)

	assert.Equal(t, int32(1), runs.Load())
	assert.False(t, a.Pending())
	assert.Equal(t, AggregatorCounters{Requests: 10, Runs: 1}, a.Counters())
}

func TestAggregator_TrailingEdge(t *testing.T) {
	var mu sync.Mutex
	var ranAt time.Time
	done := make(chan struct{})
	quiet := 50 * time.Millisecond
	a := NewAggregator(quiet, func() {
		mu.Lock()
		ranAt = time.Now()
		mu.Unlock()
		close(done)
	}, nil)
	defer a.Stop()

	a.RequestRefresh()
	time.Sleep(30 * time.Millisecond)
	last := time.Now()
	a.RequestRefresh()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh never ran")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, ranAt.Sub(last), quiet-5*time.Millisecond, "runs a quiet interval after the last request")
}

func TestAggregator_Flush(t *testing.T) {
	var runs atomic.Int32
	a := NewAggregator(time.Hour, func() { runs.Add(1) }, nil)
	defer a.Stop()

	assert.False(t, a.Flush(), "nothing pending")
	a.RequestRefresh()
	a.RequestRefresh()
	assert.True(t, a.Flush())
	assert.Equal(t, int32(1), runs.Load())
	assert.False(t, a.Pending())
}

func TestAggregator_StopCancelsPending(t *testing.T) {
	var runs atomic.Int32
	a := NewAggregator(20*time.Millisecond, func() { runs.Add(1) }, nil)

	a.RequestRefresh()
	a.Stop()
	a.RequestRefresh()
	time.Sleep(80 * time.Millisecond)

	assert.Zero(t, runs.Load())
	assert.False(t, a.Pending())
}

func TestAggregator_DefaultInterval(t *testing.T) {
	a := NewAggregator(0, func() {}, nil)
	defer a.Stop()
	assert.Equal(t, DefaultQuietInterval, a.QuietInterval())
}

func TestStatsReport_JSONRoundTrip(t *testing.T) {
	for st := StatusNoActiveCollection; st <= StatusFailed; st++ {
		t.Run(st.String(), func(t *testing.T) {
			in := StatsReport{
				Status:       st,
				CollectionID: "parcels_1",
				ReferenceDay: NewDate(2024, time.March, 1),
				Stats:        AggregateStats{Total: 3, Edited: 1},
				ComputedAt:   time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC),
			}
			raw, err := json.Marshal(in)
			require.NoError(t, err)
			assert.Contains(t, string(raw), `"status":"`+st.String()+`"`)

			var out StatsReport
			require.NoError(t, json.Unmarshal(raw, &out))
			assert.Equal(t, st, out.Status)
			assert.Equal(t, in.Stats, out.Stats)
			assert.True(t, in.ComputedAt.Equal(out.ComputedAt))
		})
	}
}

func TestStatsStatus_UnmarshalRejectsUnknown(t *testing.T) {
	var st StatsStatus
	assert.Error(t, st.UnmarshalText([]byte("done")))
	assert.Error(t, json.Unmarshal([]byte(`{"status":""}`), &StatsReport{}))
}
