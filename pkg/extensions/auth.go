// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package extensions defines the pluggable identity interfaces of the
// control plane. Deployments with an identity provider implement
// AuthProvider; the default StaticTokenAuthProvider checks a single shared
// operator token.
package extensions

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"slices"
)

// RoleOperator is required to release quarantines.
const RoleOperator = "operator"

// ErrUnauthorized is returned when authentication fails.
// Implementations should wrap it with additional context.
//
// Example:
//
//	if !validToken {
//	    return nil, fmt.Errorf("invalid token format: %w", extensions.ErrUnauthorized)
//	}
var ErrUnauthorized = errors.New("unauthorized")

// AuthInfo contains identity information returned after successful
// authentication.
type AuthInfo struct {
	// UserID is the unique identifier for the authenticated caller.
	// It is recorded as the actor of every quarantine release.
	UserID string

	// Roles contains the caller's role memberships.
	Roles []string
}

// HasRole checks if the caller has a specific role.
func (a *AuthInfo) HasRole(role string) bool {
	return a != nil && slices.Contains(a.Roles, role)
}

// AuthProvider validates authentication tokens and returns the caller's
// identity.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type AuthProvider interface {
	// Validate checks the token and returns the caller's identity.
	//
	// Returns ErrUnauthorized (or a wrapped form) for an invalid token and
	// other errors for provider failures.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// StaticTokenAuthProvider accepts exactly one shared operator token.
//
// An empty configured token rejects every request, so a deployment that
// never set a token cannot be released from by anyone.
//
// Thread-safe: This implementation has no mutable state.
type StaticTokenAuthProvider struct {
	token  []byte
	userID string
}

// NewStaticTokenAuthProvider creates a provider for token. Authenticated
// callers are reported as userID with the operator role.
func NewStaticTokenAuthProvider(token, userID string) *StaticTokenAuthProvider {
	if userID == "" {
		userID = RoleOperator
	}
	return &StaticTokenAuthProvider{token: []byte(token), userID: userID}
}

// Validate compares token with the configured one in constant time.
func (p *StaticTokenAuthProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if len(p.token) == 0 {
		return nil, fmt.Errorf("no operator token configured: %w", ErrUnauthorized)
	}
	if token == "" {
		return nil, fmt.Errorf("missing bearer token: %w", ErrUnauthorized)
	}
	if subtle.ConstantTimeCompare([]byte(token), p.token) != 1 {
		return nil, fmt.Errorf("invalid operator token: %w", ErrUnauthorized)
	}
	return &AuthInfo{UserID: p.userID, Roles: []string{RoleOperator}}, nil
}

// NopAuthProvider authenticates every request as a local operator.
// Only suitable for tests and single-user development setups.
type NopAuthProvider struct{}

// Validate always returns a local operator.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{UserID: "local-user", Roles: []string{RoleOperator}}, nil
}

// Compile-time interface compliance checks.
var (
	_ AuthProvider = (*StaticTokenAuthProvider)(nil)
	_ AuthProvider = (*NopAuthProvider)(nil)
)
