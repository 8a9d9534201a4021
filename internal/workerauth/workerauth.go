// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package workerauth is the authenticated HTTP helper the Capacity
// Manager (and, outside this core, the worker binaries) use to call the
// Job Service: it holds the current access/refresh token pair, renews
// the access token shortly before it expires, and coalesces concurrent
// refreshes into a single in-flight request.
package workerauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dispatchforge/jobcore/internal/apierr"
	"github.com/dispatchforge/jobcore/pkg/clog"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// expiryThreshold is how long before an access token's exp claim the
// client treats the token as due for renewal.
const expiryThreshold = 60 * time.Second

// noAuthPaths are never sent with a bearer header, even if a token is
// held: sending a stale token on a login attempt would be meaningless.
var noAuthPaths = map[string]bool{
	"/auth/login":   true,
	"/auth/register": true,
	"/auth/refresh":  true,
}

type tokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Client is a small authenticated HTTP client scoped to one deployment's
// API endpoint and one set of worker credentials.
type Client struct {
	http     *http.Client
	baseURL  string
	email    string
	password string

	mu           sync.RWMutex
	accessToken  string
	refreshToken string

	sf singleflight.Group
}

// New builds a Client that has not yet logged in; the first call that
// needs an access token triggers a login.
func New(baseURL, email, password string) *Client {
	return &Client{
		http:    &http.Client{Timeout: 15 * time.Second},
		baseURL: strings.TrimSuffix(baseURL, "/"),
		email:   email,
		password: password,
	}
}

// Do performs an authenticated request against path, refreshing or
// logging in first if the held access token is missing or near expiry.
func (c *Client) Do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	if !noAuthPaths[path] {
		if err := c.ensureValidToken(ctx); err != nil {
			return nil, err
		}
	}

	var reader io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, apierr.Wrap(apierr.Validation, "encode request body", err)
		}
		reader = buf
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, apierr.Wrap(apierr.TransientDependency, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if !noAuthPaths[path] {
		c.mu.RLock()
		token := c.accessToken
		c.mu.RUnlock()
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, apierr.Wrap(apierr.TransientDependency, "perform request", err)
	}
	return res, nil
}

// ensureValidToken checks the current access token's exp claim and
// renews it if it is missing or within expiryThreshold of expiring.
// Concurrent callers share one in-flight renewal via singleflight.
func (c *Client) ensureValidToken(ctx context.Context) error {
	c.mu.RLock()
	token := c.accessToken
	c.mu.RUnlock()

	if token != "" && !nearExpiry(token, expiryThreshold) {
		return nil
	}

	_, err, _ := c.sf.Do("renew", func() (interface{}, error) {
		c.mu.RLock()
		stillStale := c.accessToken == "" || nearExpiry(c.accessToken, expiryThreshold)
		c.mu.RUnlock()
		if !stillStale {
			return nil, nil
		}

		if c.refreshToken != "" {
			if err := c.refresh(ctx); err == nil {
				return nil, nil
			}
			clog.Warnf("token refresh failed, falling back to login")
		}
		return nil, c.login(ctx)
	})
	return err
}

func nearExpiry(accessToken string, threshold time.Duration) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return true
	}
	expFloat, err := claims.GetExpirationTime()
	if err != nil || expFloat == nil {
		return true
	}
	return time.Until(expFloat.Time) < threshold
}

func (c *Client) login(ctx context.Context) error {
	res, err := c.Do(ctx, http.MethodPost, "/auth/login", map[string]string{
		"email":    c.email,
		"password": c.password,
	})
	if err != nil {
		return apierr.Wrap(apierr.Unauth, "login failed", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return apierr.New(apierr.Unauth, fmt.Sprintf("login failed: HTTP %d", res.StatusCode))
	}

	var tr tokenResponse
	if err := json.NewDecoder(res.Body).Decode(&tr); err != nil {
		return apierr.Wrap(apierr.Unauth, "decode login response", err)
	}

	c.mu.Lock()
	c.accessToken, c.refreshToken = tr.AccessToken, tr.RefreshToken
	c.mu.Unlock()
	return nil
}

func (c *Client) refresh(ctx context.Context) error {
	c.mu.RLock()
	refreshToken := c.refreshToken
	c.mu.RUnlock()

	res, err := c.Do(ctx, http.MethodPost, "/auth/refresh", map[string]string{"refreshToken": refreshToken})
	if err != nil {
		return apierr.Wrap(apierr.InvalidRefresh, "refresh request failed", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return apierr.New(apierr.InvalidRefresh, fmt.Sprintf("refresh failed: HTTP %d", res.StatusCode))
	}

	var tr tokenResponse
	if err := json.NewDecoder(res.Body).Decode(&tr); err != nil {
		return apierr.Wrap(apierr.InvalidRefresh, "decode refresh response", err)
	}

	c.mu.Lock()
	c.accessToken, c.refreshToken = tr.AccessToken, tr.RefreshToken
	c.mu.Unlock()
	return nil
}
