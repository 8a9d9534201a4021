// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package workerauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "worker",
		"exp": exp.Unix(),
	})
	s, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func TestDoLogsInOnFirstCall(t *testing.T) {
	var loginCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/login":
			atomic.AddInt32(&loginCalls, 1)
			json.NewEncoder(w).Encode(tokenResponse{
				AccessToken:  signedToken(t, time.Now().Add(time.Hour)),
				RefreshToken: "refresh-token",
			})
		case "/jobs/poll":
			require.Contains(t, r.Header.Get("Authorization"), "Bearer ")
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := New(srv.URL, "worker@example.com", "secret")
	res, err := client.Do(context.Background(), http.MethodGet, "/jobs/poll", nil)
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, int32(1), atomic.LoadInt32(&loginCalls))
}

func TestNearExpiryDetectsExpiredAndMissingClaims(t *testing.T) {
	require.True(t, nearExpiry("not-a-jwt", expiryThreshold))
	require.True(t, nearExpiry(signedToken(t, time.Now().Add(10*time.Second)), expiryThreshold))
	require.False(t, nearExpiry(signedToken(t, time.Now().Add(time.Hour)), expiryThreshold))
}

func TestEnsureValidTokenRefreshesBeforeExpiry(t *testing.T) {
	var refreshCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/login":
			json.NewEncoder(w).Encode(tokenResponse{
				AccessToken:  signedToken(t, time.Now().Add(10*time.Second)),
				RefreshToken: "refresh-token",
			})
		case "/auth/refresh":
			atomic.AddInt32(&refreshCalls, 1)
			json.NewEncoder(w).Encode(tokenResponse{
				AccessToken:  signedToken(t, time.Now().Add(time.Hour)),
				RefreshToken: "refresh-token-2",
			})
		case "/jobs/poll":
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	client := New(srv.URL, "worker@example.com", "secret")
	require.NoError(t, client.login(context.Background()))

	res, err := client.Do(context.Background(), http.MethodGet, "/jobs/poll", nil)
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, int32(1), atomic.LoadInt32(&refreshCalls))
}
