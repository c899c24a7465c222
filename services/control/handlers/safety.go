// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the HTTP handlers of the control plane API.
package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/warden/services/control/audit"
	"github.com/AleutianAI/warden/services/control/breaker"
	"github.com/AleutianAI/warden/services/control/clock"
	"github.com/AleutianAI/warden/services/control/middleware"
	"github.com/AleutianAI/warden/services/control/observability"
	"github.com/AleutianAI/warden/services/control/safety"
)

// ConfirmHeader carries the release confirmation phrase.
const ConfirmHeader = "X-Confirm-Release"

// Error codes returned in the "error" field.
const (
	CodeConfirmationRequired = "CONFIRMATION_REQUIRED"
	CodeInvalidBody          = "INVALID_BODY"
	CodeNotFound             = "NOT_FOUND"
	CodeIntegrityReleaseOnly = "INTEGRITY_RELEASE_ONLY"
	CodeReleaseRejected      = "RELEASE_REJECTED"
	CodeRateLimited          = "RATE_LIMITED"
)

// defaultListLimit bounds GET /v1/safety/releases without a limit parameter.
const defaultListLimit = 50

// ConfirmationPhrase returns the phrase an operator must echo to release id.
func ConfirmationPhrase(id string) string {
	return "release:" + id
}

// ReleaseRequest is the optional JSON body of a release call.
type ReleaseRequest struct {
	Confirm string `json:"confirm"`
	Note    string `json:"note" binding:"max=512"`
}

// ReleaseResponse is returned on a successful release.
type ReleaseResponse struct {
	Released     bool      `json:"released"`
	QuarantineID string    `json:"quarantineId"`
	ReleasedAt   time.Time `json:"releasedAt"`
	ReleasedBy   string    `json:"releasedBy"`
}

// StatusResponse is the safety status plus the breaker registry.
type StatusResponse struct {
	safety.Snapshot
	Breakers []breaker.Stats `json:"breakers"`
}

// SafetyHandlerConfig holds the dependencies of SafetyHandler.
type SafetyHandlerConfig struct {
	// State is the process safety state. Required.
	State *safety.State

	// Breakers is reported by the status endpoint. Optional.
	Breakers *breaker.Registry

	// Audit receives every release attempt that reaches the state.
	// Default: audit.NewLogSink(Logger).
	Audit audit.Sink

	// Metrics records release outcomes. Optional.
	Metrics *observability.Metrics

	// ReleasesPerMinute limits release calls across both paths. Zero or
	// negative disables the limit.
	ReleasesPerMinute int

	// Clock stamps audit events. Default: clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// SafetyHandler serves the status and release endpoints.
//
// # Thread Safety
//
// Safe for concurrent use. All mutable state lives in safety.State, the
// audit sink and the rate limiter, each of which synchronizes itself.
type SafetyHandler struct {
	state    *safety.State
	breakers *breaker.Registry
	sink     audit.Sink
	metrics  *observability.Metrics
	limiter  *rate.Limiter
	clock    clock.Clock
	logger   *slog.Logger
}

// NewSafetyHandler creates a SafetyHandler.
func NewSafetyHandler(cfg SafetyHandlerConfig) *SafetyHandler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.NewLogSink(cfg.Logger)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.ReleasesPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.ReleasesPerMinute)), cfg.ReleasesPerMinute)
	}

	return &SafetyHandler{
		state:    cfg.State,
		breakers: cfg.Breakers,
		sink:     cfg.Audit,
		metrics:  cfg.Metrics,
		limiter:  limiter,
		clock:    cfg.Clock,
		logger:   cfg.Logger.With(slog.String("component", "safety_api")),
	}
}

// HealthCheck reports that the process is serving.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// HandleStatus serves GET /v1/safety/status.
func (h *SafetyHandler) HandleStatus(c *gin.Context) {
	resp := StatusResponse{Snapshot: h.state.Snapshot(), Breakers: []breaker.Stats{}}
	if h.breakers != nil {
		resp.Breakers = h.breakers.Snapshots()
	}
	c.JSON(http.StatusOK, resp)
}

// HandleWorkerRelease serves POST /v1/safety/quarantines/:id/release.
// Integrity quarantines are refused with 409 INTEGRITY_RELEASE_ONLY.
func (h *SafetyHandler) HandleWorkerRelease(c *gin.Context) {
	h.release(c, audit.PathWorker, false)
}

// HandleIntegrityRelease serves POST /v1/safety/integrity/:id/release.
// Only integrity quarantines can be released here.
func (h *SafetyHandler) HandleIntegrityRelease(c *gin.Context) {
	h.release(c, audit.PathIntegrity, true)
}

// HandleListReleases serves GET /v1/safety/releases?limit=N.
func (h *SafetyHandler) HandleListReleases(c *gin.Context) {
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "INVALID_LIMIT",
				"message": "limit must be a positive integer",
			})
			return
		}
		limit = n
	}

	events, err := h.sink.List(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("list release events failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "AUDIT_UNAVAILABLE",
			"message": "release history could not be read",
		})
		return
	}
	if events == nil {
		events = []audit.ReleaseEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"releases": events})
}

// release runs the guards shared by both release paths.
//
// # Description
//
// Order: rate limit, body, confirmation, then the state transition. Only
// attempts that reach the state are audited; guard rejections are counted
// in metrics and logged.
func (h *SafetyHandler) release(c *gin.Context, path string, integrityOnly bool) {
	id := c.Param("id")

	if !h.limiter.Allow() {
		h.observe(path, observability.OutcomeRateLimited)
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":   CodeRateLimited,
			"message": "too many release requests, retry later",
		})
		return
	}

	var req ReleaseRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			h.observe(path, observability.OutcomeBadRequest)
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   CodeInvalidBody,
				"message": err.Error(),
			})
			return
		}
	}

	confirm := c.GetHeader(ConfirmHeader)
	if confirm == "" {
		confirm = req.Confirm
	}
	if confirm != ConfirmationPhrase(id) {
		h.observe(path, observability.OutcomeUnconfirmed)
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   CodeConfirmationRequired,
			"message": "set " + ConfirmHeader + " or body confirm to \"" + ConfirmationPhrase(id) + "\"",
		})
		return
	}

	actor := "operator"
	if info := middleware.GetAuthInfo(c); info != nil && info.UserID != "" {
		actor = info.UserID
	}

	result := h.state.ReleaseQuarantine(id, safety.ReleaseOptions{
		Actor:         actor,
		Note:          req.Note,
		IntegrityOnly: integrityOnly,
	})
	h.record(c, path, id, actor, req.Note, result)

	if result.Released {
		h.observe(path, observability.OutcomeReleased)
		q := result.Quarantine
		c.JSON(http.StatusOK, ReleaseResponse{
			Released:     true,
			QuarantineID: q.ID,
			ReleasedAt:   *q.ReleasedAt,
			ReleasedBy:   q.ReleasedBy,
		})
		return
	}

	switch {
	case result.Reason == safety.ReasonNotFound:
		h.observe(path, observability.OutcomeNotFound)
		c.JSON(http.StatusNotFound, gin.H{
			"error":   CodeNotFound,
			"message": "no quarantine with id " + id,
		})
	case result.Reason == safety.ReasonNotIntegrity && !integrityOnly:
		h.observe(path, observability.OutcomeRejected)
		c.JSON(http.StatusConflict, gin.H{
			"error":   CodeIntegrityReleaseOnly,
			"message": "integrity quarantines are released via /v1/safety/integrity/" + id + "/release",
		})
	default:
		h.observe(path, observability.OutcomeRejected)
		c.JSON(http.StatusConflict, gin.H{
			"error":  CodeReleaseRejected,
			"reason": result.Reason,
		})
	}
}

func (h *SafetyHandler) record(c *gin.Context, path, id, actor, note string, result safety.ReleaseResult) {
	ev := audit.ReleaseEvent{
		ID:           uuid.NewString(),
		QuarantineID: id,
		Path:         path,
		Actor:        actor,
		Note:         note,
		Released:     result.Released,
		Reason:       result.Reason,
		RemoteAddr:   c.ClientIP(),
		At:           h.clock.Now(),
	}
	if q := result.Quarantine; q != nil {
		ev.EntityID = q.EntityID
		ev.Category = string(q.Category)
	}
	if err := h.sink.Record(c.Request.Context(), ev); err != nil {
		h.logger.Error("record release event failed",
			slog.String("quarantine_id", id),
			slog.String("error", err.Error()))
	}
}

func (h *SafetyHandler) observe(path, outcome string) {
	if h.metrics != nil {
		h.metrics.ObserveRelease(path, outcome)
	}
	if outcome != observability.OutcomeReleased {
		h.logger.Warn("quarantine release refused",
			slog.String("path", path),
			slog.String("outcome", outcome))
	}
}
