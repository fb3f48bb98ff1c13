// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api serves the live edit-tracking state over HTTP.
//
// Routes:
//
//	GET  /healthz              liveness
//	GET  /metrics              Prometheus metrics
//	GET  /v1/stats             last published StatsReport
//	POST /v1/stats/refresh     recompute now and return the report
//	GET  /v1/tracking          tracked collection ids and reference day
//	PUT  /v1/tracking          enable or disable tracking on the active collection
//	PUT  /v1/reference-day     change the day counted by day_count
//	GET  /v1/audit             recorded state changes
//
// Every /v1 route is authenticated through the configured
// extensions.AuthProvider.
package api

import (
	"github.com/AleutianAI/edittrack/pkg/extensions"
	"github.com/AleutianAI/edittrack/pkg/tracking"
)

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is a stable machine-readable code.
	Code string `json:"code,omitempty"`
}

// TrackingResponse is the body of GET and PUT /v1/tracking.
type TrackingResponse struct {
	Tracked      []tracking.CollectionID `json:"tracked"`
	ReferenceDay tracking.Date           `json:"reference_day"`
}

// TrackingRequest is the body of PUT /v1/tracking.
type TrackingRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// ReferenceDayRequest is the body of PUT /v1/reference-day. An empty Day
// resets the reference day to today.
type ReferenceDayRequest struct {
	Day string `json:"day"`
}

// AuditResponse is the body of GET /v1/audit.
type AuditResponse struct {
	Events []extensions.AuditEvent `json:"events"`
}
