// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
)

// LocalUserID is the identity of every caller when authentication is off.
const LocalUserID = "local-user"

// ErrUnauthorized is returned when authentication fails. Implementations
// wrap it with context.
var ErrUnauthorized = errors.New("unauthorized")

// AuthInfo is the identity returned after successful authentication.
type AuthInfo struct {
	// UserID identifies the caller. Never empty.
	UserID string

	// Roles are the caller's roles. The local user is "admin".
	Roles []string
}

// HasRole reports whether the caller has role.
func (a *AuthInfo) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AuthProvider validates a bearer token and returns the caller's identity.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type AuthProvider interface {
	// Validate checks token, which is empty when the request carried no
	// Authorization header.
	//
	// Returns:
	//   - *AuthInfo: caller identity if valid
	//   - error: ErrUnauthorized (or wrapped) if invalid
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// NopAuthProvider accepts every request as the local user.
type NopAuthProvider struct{}

// Validate always returns the local admin user.
func (p *NopAuthProvider) Validate(ctx context.Context, token string) (*AuthInfo, error) {
	return &AuthInfo{UserID: LocalUserID, Roles: []string{"admin"}}, nil
}

// TokenAuthProvider accepts requests carrying one shared token.
//
// Description:
//
//	Compares in constant time. Callers holding the token are identified
//	as UserID "token" with role "admin".
//
// Thread Safety:
//
//	Immutable after construction.
type TokenAuthProvider struct {
	token []byte
}

// NewTokenAuthProvider creates a provider for token. An empty token
// rejects every request.
func NewTokenAuthProvider(token string) *TokenAuthProvider {
	return &TokenAuthProvider{token: []byte(token)}
}

// Validate checks token against the shared token.
func (p *TokenAuthProvider) Validate(ctx context.Context, token string) (*AuthInfo, error) {
	if len(p.token) == 0 {
		return nil, fmt.Errorf("no api token configured: %w", ErrUnauthorized)
	}
	if token == "" {
		return nil, fmt.Errorf("missing bearer token: %w", ErrUnauthorized)
	}
	if subtle.ConstantTimeCompare([]byte(token), p.token) != 1 {
		return nil, fmt.Errorf("invalid bearer token: %w", ErrUnauthorized)
	}
	return &AuthInfo{UserID: "token", Roles: []string{"admin"}}, nil
}
