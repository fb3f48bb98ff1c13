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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/edittrack/pkg/extensions"
	"github.com/AleutianAI/edittrack/pkg/tracking"
)

// Engine is the part of tracking.Engine the HTTP surface uses.
type Engine interface {
	Snapshot() tracking.StatsReport
	RefreshNow(ctx context.Context) tracking.StatsReport
	TrackedIDs() []tracking.CollectionID
	ToggleTracking(enable bool) error
	ReferenceDay() tracking.Date
	SetReferenceDay(day tracking.Date) error
}

var _ Engine = (*tracking.Engine)(nil)

// Handlers holds the route handlers.
type Handlers struct {
	engine  Engine
	version string
	logger  *slog.Logger
	audit   extensions.AuditLogger
}

// NewHandlers creates handlers over engine.
func NewHandlers(engine Engine, version string, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{engine: engine, version: version, logger: logger, audit: &extensions.NopAuditLogger{}}
}

// RegisterRoutes registers the /v1 routes on rg.
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	rg.GET("/stats", h.HandleStats)
	rg.POST("/stats/refresh", h.HandleRefresh)
	rg.GET("/tracking", h.HandleTracking)
	rg.PUT("/tracking", h.HandleSetTracking)
	rg.PUT("/reference-day", h.HandleSetReferenceDay)
	rg.GET("/audit", h.HandleAudit)
}

// HandleHealth handles GET /healthz.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "healthy", Version: h.version})
}

// HandleStats handles GET /v1/stats.
//
// Description:
//
//	Returns the last published report without recomputing. Before the
//	first refresh this is the zero report (status no_active_collection).
func (h *Handlers) HandleStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Snapshot())
}

// HandleRefresh handles POST /v1/stats/refresh.
func (h *Handlers) HandleRefresh(c *gin.Context) {
	report := h.engine.RefreshNow(c.Request.Context())
	h.record(c, "stats.refresh", "refresh", "stats", report.Status.String(), nil)
	c.JSON(http.StatusOK, report)
}

// HandleTracking handles GET /v1/tracking.
func (h *Handlers) HandleTracking(c *gin.Context) {
	c.JSON(http.StatusOK, h.trackingResponse())
}

// HandleSetTracking handles PUT /v1/tracking.
//
// Description:
//
//	Enables or disables tracking on the active collection, exactly as the
//	toggle tool does.
//
// Response:
//
//	200 OK: TrackingResponse
//	400 Bad Request: missing "enabled"
//	409 Conflict: no active vector collection, or already tracked
//	500 Internal Server Error: commit or start-editing failure
func (h *Handlers) HandleSetTracking(c *gin.Context) {
	logger := h.logger.With(slog.String("request_id", requestID(c)), slog.String("handler", "HandleSetTracking"))

	var req TrackingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "INVALID_REQUEST"})
		return
	}

	action := "disable"
	if *req.Enabled {
		action = "enable"
	}
	err := h.engine.ToggleTracking(*req.Enabled)
	h.record(c, "tracking.toggle", action, "collection", "", err)
	if err != nil {
		status, code := trackingErrorStatus(err)
		logger.Warn("toggle tracking failed", slog.Bool("enable", *req.Enabled), slog.String("error", err.Error()))
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}
	c.JSON(http.StatusOK, h.trackingResponse())
}

// HandleSetReferenceDay handles PUT /v1/reference-day.
func (h *Handlers) HandleSetReferenceDay(c *gin.Context) {
	var req ReferenceDayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "INVALID_REQUEST"})
		return
	}

	var day tracking.Date
	if req.Day != "" {
		parsed, err := tracking.ParseDate(req.Day)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_DATE"})
			return
		}
		day = parsed
	}
	err := h.engine.SetReferenceDay(day)
	h.record(c, "reference_day.set", "set", "reference_day", req.Day, err)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_DATE"})
		return
	}
	c.JSON(http.StatusOK, h.trackingResponse())
}

// HandleAudit handles GET /v1/audit.
//
// Description:
//
//	Returns recorded state changes, oldest first. Query parameters
//	event_type, user_id and outcome filter exactly; limit keeps the
//	newest N matches.
//
// Response:
//
//	200 OK: AuditResponse
//	400 Bad Request: limit is not a non-negative integer
func (h *Handlers) HandleAudit(c *gin.Context) {
	filter := extensions.AuditFilter{
		EventType: c.Query("event_type"),
		UserID:    c.Query("user_id"),
		Outcome:   c.Query("outcome"),
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid limit %q", raw), Code: "INVALID_REQUEST"})
			return
		}
		filter.Limit = n
	}

	events, err := h.audit.Query(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "AUDIT_FAILED"})
		return
	}
	if events == nil {
		events = []extensions.AuditEvent{}
	}
	c.JSON(http.StatusOK, AuditResponse{Events: events})
}

// record audits a state-changing request. Audit failures are logged, never
// returned to the caller.
func (h *Handlers) record(c *gin.Context, eventType, action, resourceType, resourceID string, err error) {
	event := extensions.AuditEvent{
		EventType:    eventType,
		UserID:       c.GetString("user_id"),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Outcome:      extensions.OutcomeSuccess,
		Metadata:     map[string]any{"request_id": requestID(c)},
	}
	if event.UserID == "" {
		event.UserID = "anonymous"
	}
	if err != nil {
		event.Outcome = extensions.OutcomeFailure
		event.Metadata["error"] = err.Error()
	}
	if aerr := h.audit.Log(c.Request.Context(), event); aerr != nil {
		h.logger.Warn("audit log failed", slog.String("event_type", eventType), slog.String("error", aerr.Error()))
	}
}

func (h *Handlers) trackingResponse() TrackingResponse {
	ids := h.engine.TrackedIDs()
	if ids == nil {
		ids = []tracking.CollectionID{}
	}
	return TrackingResponse{Tracked: ids, ReferenceDay: h.engine.ReferenceDay()}
}

func trackingErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, tracking.ErrNoActiveCollection):
		return http.StatusConflict, "NO_ACTIVE_COLLECTION"
	case errors.Is(err, tracking.ErrNotVector):
		return http.StatusConflict, "NOT_VECTOR"
	case errors.Is(err, tracking.ErrAlreadyTracked):
		return http.StatusConflict, "ALREADY_TRACKED"
	case errors.Is(err, tracking.ErrCommitFailed):
		return http.StatusInternalServerError, "COMMIT_FAILED"
	default:
		return http.StatusInternalServerError, "TOGGLE_FAILED"
	}
}
