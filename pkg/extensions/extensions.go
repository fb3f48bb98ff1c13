// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package extensions provides the access-control hooks of the HTTP API.
//
// The API authenticates every /v1 request through an AuthProvider and
// records every state-changing request through an AuditLogger. The local
// defaults are NopAuthProvider (every caller is the local user) and
// NopAuditLogger (nothing is recorded). A shared bearer token is enabled
// with TokenAuthProvider; MemoryAuditLogger keeps a bounded in-process
// trail that GET /v1/audit serves.
//
// # Thread Safety
//
// All interface implementations must be safe for concurrent use.
// Multiple goroutines may call methods simultaneously.
package extensions

// Options groups the extension points of the API server.
//
// All fields are optional; nil values are replaced with no-op defaults by
// Normalize.
//
// Example:
//
//	opts := extensions.DefaultOptions().
//	    WithAuth(extensions.NewTokenAuthProvider(token)).
//	    WithAudit(extensions.NewMemoryAuditLogger(256))
type Options struct {
	// Auth validates bearer tokens.
	// Default: NopAuthProvider (every caller is the local user)
	Auth AuthProvider

	// Audit records state-changing requests.
	// Default: NopAuditLogger (discards all events)
	Audit AuditLogger
}

// DefaultOptions returns Options with no-op defaults.
func DefaultOptions() Options {
	return Options{
		Auth:  &NopAuthProvider{},
		Audit: &NopAuditLogger{},
	}
}

// Normalize returns a copy of opts with nil fields replaced by defaults.
func (opts Options) Normalize() Options {
	if opts.Auth == nil {
		opts.Auth = &NopAuthProvider{}
	}
	if opts.Audit == nil {
		opts.Audit = &NopAuditLogger{}
	}
	return opts
}

// WithAuth returns a copy of opts with the given AuthProvider.
func (opts Options) WithAuth(provider AuthProvider) Options {
	opts.Auth = provider
	return opts
}

// WithAudit returns a copy of opts with the given AuditLogger.
func (opts Options) WithAudit(logger AuditLogger) Options {
	opts.Audit = logger
	return opts
}
