// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package broker queries a live EMQX broker through its management REST API
// and exposes those queries, plus network probes, as agent tools.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/emqx/emqx-knowledge-base/services/orchestrator/observability"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	loginTimeout      = 5 * time.Second
	defaultReqTimeout = 15 * time.Second
	maxResponseBytes  = 1 << 20
)

// ErrLoginFailed is returned by TokenCache.Get when the broker rejects the
// credentials or returns no token.
var ErrLoginFailed = errors.New("broker: login failed")

// =============================================================================
// Credentials
// =============================================================================

// Credentials address an EMQX management API.
type Credentials struct {
	APIEndpoint string `json:"api_endpoint"`
	Username    string `json:"username"`
	Password    string `json:"password"`
}

// Complete reports whether all three fields are set.
func (c Credentials) Complete() bool {
	return c.APIEndpoint != "" && c.Username != "" && c.Password != ""
}

// baseURL returns the endpoint without a trailing slash.
func (c Credentials) baseURL() string {
	return strings.TrimRight(c.APIEndpoint, "/")
}

// =============================================================================
// Token Cache
// =============================================================================

// TokenCache holds login tokens keyed by (endpoint, username, password).
//
// # Description
//
// A token is fetched with POST /api/v5/login on the first miss and kept for
// the life of the process. Concurrent misses for the same key share one
// login request.
//
// # Limitations
//
//   - No expiry or invalidation. A rotated password or revoked token keeps
//     failing until restart; callers needing fresh tokens use
//     Client.WithoutCache.
//
// # Thread Safety
//
// Safe for concurrent use.
type TokenCache struct {
	mu     sync.RWMutex
	tokens map[Credentials]string
	flight singleflight.Group
}

// NewTokenCache creates an empty cache.
func NewTokenCache() *TokenCache {
	return &TokenCache{tokens: make(map[Credentials]string)}
}

var defaultTokenCache = NewTokenCache()

// DefaultTokenCache returns the process-wide cache.
func DefaultTokenCache() *TokenCache { return defaultTokenCache }

// Get returns a cached token or logs in.
func (tc *TokenCache) Get(ctx context.Context, httpClient *http.Client, creds Credentials) (string, error) {
	key := Credentials{APIEndpoint: creds.baseURL(), Username: creds.Username, Password: creds.Password}

	tc.mu.RLock()
	token, ok := tc.tokens[key]
	tc.mu.RUnlock()
	if ok {
		return token, nil
	}

	flightKey := key.APIEndpoint + "\x00" + key.Username + "\x00" + key.Password
	v, err, _ := tc.flight.Do(flightKey, func() (interface{}, error) {
		token, err := login(ctx, httpClient, key)
		if err != nil {
			return "", err
		}
		tc.mu.Lock()
		tc.tokens[key] = token
		tc.mu.Unlock()
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Len returns the number of cached tokens.
func (tc *TokenCache) Len() int {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return len(tc.tokens)
}

func login(ctx context.Context, httpClient *http.Client, creds Credentials) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()

	body, _ := json.Marshal(map[string]string{
		"username": creds.Username,
		"password": creds.Password,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, creds.APIEndpoint+"/api/v5/login", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrLoginFailed, resp.StatusCode)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decoding response: %v", ErrLoginFailed, err)
	}
	if out.Token == "" {
		return "", fmt.Errorf("%w: token not found in response", ErrLoginFailed)
	}
	slog.Info("Obtained EMQX API token", "endpoint", creds.APIEndpoint)
	return out.Token, nil
}

// =============================================================================
// Client
// =============================================================================

// Client is a read-only EMQX management API client.
//
// # Description
//
// Every status call authenticates through the token cache and returns the
// broker's JSON body as a string. Failures are returned as a JSON error
// payload with a nil error, so the result can be handed to an LLM as tool
// output without special casing:
//
//	{"error": "...", "code": "LOGIN_FAILED"}
//
// Codes are LOGIN_FAILED, REQUEST_FAILED and HTTP_<status>.
//
// # Thread Safety
//
// Safe for concurrent use.
type Client struct {
	creds      Credentials
	httpClient *http.Client
	cache      *TokenCache
	limiter    *rate.Limiter
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTokenCache replaces the process-wide token cache.
func WithTokenCache(tc *TokenCache) Option {
	return func(c *Client) { c.cache = tc }
}

// WithoutCache gives the client a private cache, forcing a fresh login.
func WithoutCache() Option {
	return func(c *Client) { c.cache = NewTokenCache() }
}

// WithRateLimit caps outbound requests per second.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithMetrics records request outcomes.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client for creds.
func NewClient(creds Credentials, opts ...Option) *Client {
	c := &Client{
		creds:      creds,
		httpClient: &http.Client{Timeout: defaultReqTimeout},
		cache:      defaultTokenCache,
		limiter:    rate.NewLimiter(rate.Limit(5), 5),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ClusterStatus returns GET /api/v5/nodes.
func (c *Client) ClusterStatus(ctx context.Context) (string, error) {
	return c.get(ctx, "nodes", "/api/v5/nodes")
}

// ConnectorStatus returns one connector, or all when id is empty.
func (c *Client) ConnectorStatus(ctx context.Context, id string) (string, error) {
	if id == "" {
		return c.get(ctx, "connectors", "/api/v5/connectors")
	}
	return c.get(ctx, "connectors", "/api/v5/connectors/"+url.PathEscape(id))
}

// AuthenticationStatus returns one authenticator, or all when id is empty.
func (c *Client) AuthenticationStatus(ctx context.Context, id string) (string, error) {
	if id == "" {
		return c.get(ctx, "authentication", "/api/v5/authentication")
	}
	return c.get(ctx, "authentication", "/api/v5/authentication/"+url.PathEscape(id))
}

func (c *Client) get(ctx context.Context, api, path string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	token, err := c.cache.Get(ctx, c.httpClient, c.creds)
	if err != nil {
		c.logger.Error("EMQX login failed", "endpoint", c.creds.baseURL(), "error", err)
		c.metrics.RecordBrokerRequest(api, false)
		return errorPayload(err.Error(), "LOGIN_FAILED"), nil
	}

	target := c.creds.baseURL() + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		c.metrics.RecordBrokerRequest(api, false)
		return errorPayload(err.Error(), "REQUEST_FAILED"), nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	c.logger.Info("EMQX API request", "url", target)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		c.logger.Error("EMQX API request failed", "url", target, "error", err)
		c.metrics.RecordBrokerRequest(api, false)
		return errorPayload(fmt.Sprintf("EMQX API request GET %s failed: %v", target, err), "REQUEST_FAILED"), nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.metrics.RecordBrokerRequest(api, false)
		return errorPayload(err.Error(), "REQUEST_FAILED"), nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Error("EMQX API returned error status", "url", target, "status", resp.StatusCode)
		c.metrics.RecordBrokerRequest(api, false)
		return errorPayload(fmt.Sprintf("EMQX API request GET %s failed: %s", target, strings.TrimSpace(string(body))),
			fmt.Sprintf("HTTP_%d", resp.StatusCode)), nil
	}

	c.metrics.RecordBrokerRequest(api, true)
	return string(body), nil
}

func errorPayload(msg, code string) string {
	b, _ := json.Marshal(map[string]string{"error": msg, "code": code})
	return string(b)
}
