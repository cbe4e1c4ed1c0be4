// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware authenticates requests to the knowledge-base API and
// the chat socket.
//
// HTTP requests present a token as "Authorization: Bearer <token>". Clients
// that cannot set headers (EventSource, the browser WebSocket API) pass it
// as the "token" query parameter instead. Either way the token goes to an
// extensions.AuthProvider, normally JWTAuthProvider, and the resulting
// AuthInfo is stored on the gin context.
//
// Rejections use the same wording on both transports: HTTP answers 401
// with MessageMissingToken or MessageInvalidToken, and the socket closes
// with code 1008 and the same text.
package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/emqx/emqx-knowledge-base/pkg/extensions"
	"github.com/gin-gonic/gin"
)

// Client-facing rejection messages.
const (
	MessageMissingToken = "Unauthorized: Missing token"
	MessageInvalidToken = "Unauthorized: Invalid token"
	MessageAuthFailed   = "Authentication is unavailable"
)

const (
	authInfoKey = "kb_auth_info"
	queryToken  = "token"
)

// SetAuthInfo stores info on the request context.
func SetAuthInfo(c *gin.Context, info *extensions.AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo returns the AuthInfo stored by AuthMiddleware, or nil for an
// unauthenticated request.
func GetAuthInfo(c *gin.Context) *extensions.AuthInfo {
	v, ok := c.Get(authInfoKey)
	if !ok {
		return nil
	}
	info, _ := v.(*extensions.AuthInfo)
	return info
}

// UserID returns the authenticated user id, or "" when there is none.
func UserID(c *gin.Context) string {
	if info := GetAuthInfo(c); info != nil {
		return info.UserID
	}
	return ""
}

// =============================================================================
// Auth Middleware
// =============================================================================

// AuthMiddleware rejects requests that do not carry a valid token.
//
// # Description
//
// The token is taken from the Authorization header, falling back to the
// "token" query parameter. A request without either is rejected before
// the provider is consulted.
//
// # Outputs
//
//   - 401 {"error": MessageMissingToken} when no token is present
//   - 401 {"error": MessageInvalidToken} when the provider returns
//     extensions.ErrUnauthorized
//   - 503 {"error": MessageAuthFailed} for any other provider error
//
// The provider's error is logged, never returned to the client.
//
// # Thread Safety
//
// The returned handler is safe for concurrent use when the provider is.
func AuthMiddleware(provider extensions.AuthProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := RequestToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": MessageMissingToken})
			return
		}

		info, err := provider.Validate(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, extensions.ErrUnauthorized) {
				slog.Debug("Rejected API token", "path", c.Request.URL.Path, "error", err)
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": MessageInvalidToken})
				return
			}
			slog.Error("Auth provider failed", "path", c.Request.URL.Path, "error", err)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": MessageAuthFailed})
			return
		}

		SetAuthInfo(c, info)
		c.Next()
	}
}

// RequestToken returns the bearer token of the request, or the "token"
// query parameter when no bearer header is present. The "Bearer" scheme
// is matched case-insensitively.
func RequestToken(c *gin.Context) string {
	if token := bearerToken(c.GetHeader("Authorization")); token != "" {
		return token
	}
	return TokenFromQuery(c)
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// TokenFromQuery returns the trimmed "token" query parameter.
func TokenFromQuery(c *gin.Context) string {
	return strings.TrimSpace(c.Query(queryToken))
}
