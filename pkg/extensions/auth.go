// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extensions defines the pluggable contracts of the service.
//
// The service depends on these interfaces rather than on concrete
// implementations, so deployments can substitute their own identity
// provider without modifying the handlers.
//
// # Thread Safety
//
// All interface implementations must be safe for concurrent use.
package extensions

import (
	"context"
	"errors"
	"time"
)

// ErrUnauthorized is returned when authentication fails.
// Implementations should wrap this error with additional context.
//
// Example:
//
//	if !validToken {
//	    return nil, fmt.Errorf("invalid token format: %w", extensions.ErrUnauthorized)
//	}
var ErrUnauthorized = errors.New("unauthorized")

// AuthInfo contains identity information returned after successful authentication.
//
// Required fields (always populated):
//   - UserID: Unique identifier for the user (the JWT subject)
//
// Optional fields (may be empty):
//   - Name, Email: Display claims carried by the token
//   - ExpiresAt: Zero when the token does not expire
//   - Dev: True when the development token was accepted
type AuthInfo struct {
	UserID    string
	Name      string
	Email     string
	ExpiresAt time.Time
	Dev       bool
}

// AuthProvider validates authentication tokens and returns user identity.
//
// Implementations must be safe for concurrent use by multiple goroutines.
//
// The token is the raw value taken from an "Authorization: Bearer" header
// or from the "token" query parameter of a WebSocket upgrade.
type AuthProvider interface {
	// Validate checks if the token is valid and returns the user's identity.
	//
	// Returns:
	//   - *AuthInfo: User identity information if valid
	//   - error: ErrUnauthorized (or wrapped) if invalid, other errors for failures
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// NopAuthProvider accepts every token as a local user.
//
// Used by tests and by local deployments that run without a JWT secret
// behind another authenticating proxy.
//
// Thread-safe: This implementation has no mutable state.
type NopAuthProvider struct{}

// Validate always returns a valid local user.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{UserID: "local-user"}, nil
}

// AuthProviderFunc adapts a function to AuthProvider.
type AuthProviderFunc func(ctx context.Context, token string) (*AuthInfo, error)

// Validate calls f.
func (f AuthProviderFunc) Validate(ctx context.Context, token string) (*AuthInfo, error) {
	return f(ctx, token)
}

// Compile-time interface compliance checks.
var (
	_ AuthProvider = (*NopAuthProvider)(nil)
	_ AuthProvider = AuthProviderFunc(nil)
)
