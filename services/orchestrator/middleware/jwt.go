// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emqx/emqx-knowledge-base/pkg/extensions"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DevToken is accepted as a valid token when the development token is
// enabled.
const DevToken = "LOCAL_DEV_TOKEN"

// Claims are the JWT claims issued and accepted by the service.
type Claims struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthProvider validates HS256 bearer tokens.
//
// # Description
//
// A token is valid when it is an HS256 JWT signed with the secret whose
// exp claim, if present, is in the future. When allowDevToken is set the
// literal DevToken is also accepted; it must never be set in production.
// An empty secret rejects every JWT.
//
// # Thread Safety
//
// Safe for concurrent use; the provider holds no mutable state.
type JWTAuthProvider struct {
	secret        []byte
	allowDevToken bool
	now           func() time.Time
}

var _ extensions.AuthProvider = (*JWTAuthProvider)(nil)

// NewJWTAuthProvider creates a provider for secret.
func NewJWTAuthProvider(secret string, allowDevToken bool) *JWTAuthProvider {
	return &JWTAuthProvider{
		secret:        []byte(secret),
		allowDevToken: allowDevToken,
		now:           time.Now,
	}
}

// Validate implements extensions.AuthProvider.
func (p *JWTAuthProvider) Validate(_ context.Context, token string) (*extensions.AuthInfo, error) {
	if token == "" {
		return nil, fmt.Errorf("missing token: %w", extensions.ErrUnauthorized)
	}
	if token == DevToken {
		if p.allowDevToken {
			return &extensions.AuthInfo{UserID: "dev-user", Dev: true}, nil
		}
		return nil, fmt.Errorf("development token disabled: %w", extensions.ErrUnauthorized)
	}
	if len(p.secret) == 0 {
		return nil, fmt.Errorf("no signing secret configured: %w", extensions.ErrUnauthorized)
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return p.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(p.now),
	)
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("invalid token: %w", errors.Join(extensions.ErrUnauthorized, err))
	}

	info := &extensions.AuthInfo{
		UserID: claims.Subject,
		Name:   claims.Name,
		Email:  claims.Email,
	}
	if claims.ExpiresAt != nil {
		info.ExpiresAt = claims.ExpiresAt.Time
	}
	return info, nil
}

// IssueToken signs an HS256 token for subject that expires after ttl. An
// empty subject gets a random "user-<uuid>" subject.
func IssueToken(secret, subject, name, email string, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", errors.New("JWT secret is empty")
	}
	if subject == "" {
		subject = "user-" + uuid.NewString()
	}
	claims := Claims{
		Name:  name,
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
