// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/edittrack/pkg/extensions"
	"github.com/AleutianAI/edittrack/pkg/host"
	"github.com/AleutianAI/edittrack/pkg/telemetry"
	"github.com/AleutianAI/edittrack/pkg/tracking"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeEngine struct {
	mu        sync.Mutex
	report    tracking.StatsReport
	refreshes int
	tracked   []tracking.CollectionID
	day       tracking.Date
	toggleErr error
	toggled   []bool
}

func (f *fakeEngine) Snapshot() tracking.StatsReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.report
}

func (f *fakeEngine) RefreshNow(context.Context) tracking.StatsReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	f.report.Stats.Total++
	return f.report
}

func (f *fakeEngine) TrackedIDs() []tracking.CollectionID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tracked
}

func (f *fakeEngine) ToggleTracking(enable bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toggled = append(f.toggled, enable)
	if f.toggleErr != nil {
		return f.toggleErr
	}
	if enable {
		f.tracked = append(f.tracked, "roads_1")
	} else {
		f.tracked = nil
	}
	return nil
}

func (f *fakeEngine) ReferenceDay() tracking.Date {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.day.IsZero() {
		return tracking.NewDate(2025, time.June, 15)
	}
	return f.day
}

func (f *fakeEngine) SetReferenceDay(day tracking.Date) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.day = day
	return nil
}

func doRequest(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestServer_Health(t *testing.T) {
	srv := NewServer(&fakeEngine{}, Config{Version: "1.2.3"})

	w := doRequest(t, srv.Handler(), http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestServer_RequestIDEchoed(t *testing.T) {
	srv := NewServer(&fakeEngine{}, Config{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, "abc-123", w.Header().Get("X-Request-ID"))
}

func TestServer_StatsAndRefresh(t *testing.T) {
	eng := &fakeEngine{report: tracking.StatsReport{
		Status:         tracking.StatusReady,
		CollectionName: "roads",
		Stats:          tracking.AggregateStats{Total: 4, Edited: 2},
	}}
	srv := NewServer(eng, Config{})

	w := doRequest(t, srv.Handler(), http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "ready", got["status"])
	assert.Equal(t, "roads", got["collection_name"])
	assert.Equal(t, 0, eng.refreshes, "GET /v1/stats must not recompute")

	w = doRequest(t, srv.Handler(), http.MethodPost, "/v1/stats/refresh", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var report tracking.StatsReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, 5, report.Stats.Total)
	assert.Equal(t, 1, eng.refreshes)
}

func TestServer_Tracking(t *testing.T) {
	eng := &fakeEngine{}
	srv := NewServer(eng, Config{})

	w := doRequest(t, srv.Handler(), http.MethodGet, "/v1/tracking", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"tracked":[],"reference_day":"2025-06-15"}`, w.Body.String())

	w = doRequest(t, srv.Handler(), http.MethodPut, "/v1/tracking", map[string]any{"enabled": true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"tracked":["roads_1"],"reference_day":"2025-06-15"}`, w.Body.String())
	assert.Equal(t, []bool{true}, eng.toggled)
}

func TestServer_TrackingRequiresEnabled(t *testing.T) {
	eng := &fakeEngine{}
	srv := NewServer(eng, Config{})

	w := doRequest(t, srv.Handler(), http.MethodPut, "/v1/tracking", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, eng.toggled)

	w = doRequest(t, srv.Handler(), http.MethodPut, "/v1/tracking", map[string]any{"enabled": false})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []bool{false}, eng.toggled)
}

func TestServer_TrackingErrors(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{tracking.ErrNoActiveCollection, http.StatusConflict, "NO_ACTIVE_COLLECTION"},
		{tracking.ErrNotVector, http.StatusConflict, "NOT_VECTOR"},
		{fmt.Errorf("roads: %w", tracking.ErrAlreadyTracked), http.StatusConflict, "ALREADY_TRACKED"},
		{fmt.Errorf("roads: %w", tracking.ErrCommitFailed), http.StatusInternalServerError, "COMMIT_FAILED"},
		{fmt.Errorf("boom"), http.StatusInternalServerError, "TOGGLE_FAILED"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			srv := NewServer(&fakeEngine{toggleErr: tt.err}, Config{})
			w := doRequest(t, srv.Handler(), http.MethodPut, "/v1/tracking", map[string]any{"enabled": true})
			assert.Equal(t, tt.status, w.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.code, resp.Code)
		})
	}
}

func TestServer_ReferenceDay(t *testing.T) {
	eng := &fakeEngine{}
	srv := NewServer(eng, Config{})

	w := doRequest(t, srv.Handler(), http.MethodPut, "/v1/reference-day", map[string]any{"day": "2024-02-29"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, tracking.NewDate(2024, time.February, 29), eng.day)

	w = doRequest(t, srv.Handler(), http.MethodPut, "/v1/reference-day", map[string]any{"day": "2023-02-29"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(t, srv.Handler(), http.MethodPut, "/v1/reference-day", map[string]any{"day": ""})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, eng.day.IsZero())
}

func TestServer_Metrics(t *testing.T) {
	metrics := telemetry.NewMetrics(nil)
	metrics.SetTracked(3)

	srv := NewServer(&fakeEngine{}, Config{Metrics: metrics.Handler()})
	w := doRequest(t, srv.Handler(), http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "edittrack_tracked_collections 3")

	bare := NewServer(&fakeEngine{}, Config{})
	w = doRequest(t, bare.Handler(), http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_WithEngine(t *testing.T) {
	project := host.NewProject(host.ProjectOptions{})
	defer project.Close()
	eng, err := tracking.NewEngine(tracking.Options{Host: project})
	require.NoError(t, err)
	defer eng.Close()

	srv := NewServer(eng, Config{})
	w := doRequest(t, srv.Handler(), http.MethodPost, "/v1/stats/refresh", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "no_active_collection", got["status"])

	w = doRequest(t, srv.Handler(), http.MethodPut, "/v1/tracking", map[string]any{"enabled": true})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestServer_ServeShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(&fakeEngine{}, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestServer_RunBadAddr(t *testing.T) {
	srv := NewServer(&fakeEngine{}, Config{Addr: "256.0.0.1:bad"})
	err := srv.Run(context.Background())
	assert.Error(t, err)
}

func TestServer_TokenAuth(t *testing.T) {
	audit := extensions.NewMemoryAuditLogger(8)
	srv := NewServer(&fakeEngine{}, Config{Extensions: extensions.Options{
		Auth:  extensions.NewTokenAuthProvider("s3cret"),
		Audit: audit,
	}})

	w := doRequest(t, srv.Handler(), http.MethodGet, "/v1/stats", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "UNAUTHORIZED")

	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, srv.Handler(), http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code, "healthz stays open")

	denied, err := audit.Query(context.Background(), extensions.AuditFilter{Outcome: extensions.OutcomeDenied})
	require.NoError(t, err)
	require.Len(t, denied, 1)
	assert.Equal(t, "auth.denied", denied[0].EventType)
	assert.Equal(t, "/v1/stats", denied[0].ResourceID)
}

func TestServer_AuditTrail(t *testing.T) {
	audit := extensions.NewMemoryAuditLogger(8)
	eng := &fakeEngine{}
	srv := NewServer(eng, Config{Extensions: extensions.Options{Audit: audit}})

	doRequest(t, srv.Handler(), http.MethodPut, "/v1/tracking", map[string]any{"enabled": true})
	doRequest(t, srv.Handler(), http.MethodPut, "/v1/reference-day", map[string]any{"day": "2024-03-01"})
	doRequest(t, srv.Handler(), http.MethodPost, "/v1/stats/refresh", nil)
	doRequest(t, srv.Handler(), http.MethodGet, "/v1/stats", nil)

	w := doRequest(t, srv.Handler(), http.MethodGet, "/v1/audit", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp AuditResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Events, 3, "reads are not audited")

	assert.Equal(t, "tracking.toggle", resp.Events[0].EventType)
	assert.Equal(t, "enable", resp.Events[0].Action)
	assert.Equal(t, extensions.LocalUserID, resp.Events[0].UserID)
	assert.Equal(t, extensions.OutcomeSuccess, resp.Events[0].Outcome)
	assert.Equal(t, "2024-03-01", resp.Events[1].ResourceID)
	assert.Equal(t, "stats.refresh", resp.Events[2].EventType)

	w = doRequest(t, srv.Handler(), http.MethodGet, "/v1/audit?event_type=tracking.toggle&limit=5", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Events, 1)

	w = doRequest(t, srv.Handler(), http.MethodGet, "/v1/audit?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_AuditRecordsFailures(t *testing.T) {
	audit := extensions.NewMemoryAuditLogger(8)
	srv := NewServer(&fakeEngine{toggleErr: tracking.ErrNoActiveCollection}, Config{Extensions: extensions.Options{Audit: audit}})

	w := doRequest(t, srv.Handler(), http.MethodPut, "/v1/tracking", map[string]any{"enabled": false})
	assert.Equal(t, http.StatusConflict, w.Code)

	events, err := audit.Query(context.Background(), extensions.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "disable", events[0].Action)
	assert.Equal(t, extensions.OutcomeFailure, events[0].Outcome)
	assert.Contains(t, events[0].Metadata["error"], "no active")
}

func TestServer_AuditEmptyByDefault(t *testing.T) {
	srv := NewServer(&fakeEngine{}, Config{})
	w := doRequest(t, srv.Handler(), http.MethodGet, "/v1/audit", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"events":[]}`, w.Body.String())
}
