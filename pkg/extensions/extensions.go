// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package extensions defines the pluggable edges of the control plane.
//
// The open source build authenticates release calls with a single static
// operator token. Deployments with an identity provider inject their own
// AuthProvider through ServiceOptions.
//
//	opts := extensions.DefaultOptions().WithAuth(oidcProvider)
//	svc, err := control.New(cfg, opts)
//
// # Thread Safety
//
// All interface implementations must be safe for concurrent use.
package extensions

// ServiceOptions groups the extension points passed to the service
// constructor.
type ServiceOptions struct {
	// AuthProvider authenticates operator release calls.
	// Default: a StaticTokenAuthProvider built from the configured
	// operator token.
	AuthProvider AuthProvider
}

// DefaultOptions returns options that defer to configuration.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{}
}

// WithAuth returns a copy of opts with the given AuthProvider.
func (opts ServiceOptions) WithAuth(provider AuthProvider) ServiceOptions {
	opts.AuthProvider = provider
	return opts
}
