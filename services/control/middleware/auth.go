// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the control plane API.
//
// # Authentication Flow
//
//	Request
//	   │
//	   ▼
//	AuthMiddleware ──► provider.Validate(ctx, bearer token) ──► 401 on failure
//	   │
//	   ▼
//	RequireRole ──► 403 when the caller lacks the role
//	   │
//	   ▼
//	Handler (retrieves the caller via GetAuthInfo)
//
// Only the mutating release routes are authenticated. The status, health
// and metrics routes are read-only and stay open for monitoring.
package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/warden/pkg/extensions"
)

// authInfoKey is the gin context key for the caller identity.
const authInfoKey = "warden_auth_info"

// SetAuthInfo stores the authenticated caller in the Gin context.
func SetAuthInfo(c *gin.Context, info *extensions.AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo returns the authenticated caller, or nil if the request did
// not pass through AuthMiddleware.
func GetAuthInfo(c *gin.Context) *extensions.AuthInfo {
	if info, exists := c.Get(authInfoKey); exists {
		if authInfo, ok := info.(*extensions.AuthInfo); ok {
			return authInfo
		}
	}
	return nil
}

// AuthMiddleware authenticates requests with a bearer token.
//
// # Description
//
// Extracts the token from "Authorization: Bearer <token>", validates it with
// provider and stores the resulting AuthInfo for downstream handlers. A
// missing or malformed header passes an empty token to the provider, which
// decides whether that is acceptable.
//
// # Outputs
//
//   - 401 {"error": "UNAUTHORIZED"} for ErrUnauthorized
//   - 401 {"error": "AUTHENTICATION_FAILED"} for any other provider error
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func AuthMiddleware(provider extensions.AuthProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c)

		authInfo, err := provider.Validate(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, extensions.ErrUnauthorized) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error":   "UNAUTHORIZED",
					"message": "a valid operator token is required",
				})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "AUTHENTICATION_FAILED",
				"message": "authentication provider failed",
			})
			return
		}

		SetAuthInfo(c, authInfo)
		c.Next()
	}
}

// RequireRole rejects callers without role with 403. It must run after
// AuthMiddleware.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !GetAuthInfo(c).HasRole(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "FORBIDDEN",
				"message": "role " + role + " is required",
			})
			return
		}
		c.Next()
	}
}

// extractBearerToken returns the token from the Authorization header, or ""
// when the header is missing or not a Bearer credential. The scheme is
// matched case-insensitively per RFC 7235.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
