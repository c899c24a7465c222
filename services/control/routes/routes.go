// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/warden/pkg/extensions"
	"github.com/AleutianAI/warden/services/control/handlers"
	"github.com/AleutianAI/warden/services/control/middleware"
)

// SetupRoutes registers the control plane API.
//
// Endpoints:
//
//	GET  /health                              - liveness
//	GET  /metrics                             - prometheus scrape (when metricsHandler is non-nil)
//	GET  /v1/safety/status                    - safety snapshot and breaker states
//	GET  /v1/safety/releases                  - recent release attempts
//	POST /v1/safety/quarantines/:id/release   - operator release, worker path
//	POST /v1/safety/integrity/:id/release     - operator release, integrity path
//
// Release routes require a bearer token accepted by authProvider and the
// operator role.
func SetupRoutes(router *gin.Engine, safetyHandler *handlers.SafetyHandler,
	authProvider extensions.AuthProvider, metricsHandler http.Handler) {

	router.GET("/health", handlers.HealthCheck)
	if metricsHandler != nil {
		router.GET("/metrics", gin.WrapH(metricsHandler))
	}

	v1 := router.Group("/v1")
	{
		safety := v1.Group("/safety")
		{
			safety.GET("/status", safetyHandler.HandleStatus)
			safety.GET("/releases", safetyHandler.HandleListReleases)

			ops := safety.Group("",
				middleware.AuthMiddleware(authProvider),
				middleware.RequireRole(extensions.RoleOperator))
			{
				ops.POST("/quarantines/:id/release", safetyHandler.HandleWorkerRelease)
				ops.POST("/integrity/:id/release", safetyHandler.HandleIntegrityRelease)
			}
		}
	}
}
