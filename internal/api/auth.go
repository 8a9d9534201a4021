// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/dispatchforge/jobcore/pkg/idgen"
)

// defaultDownloadTTL is used when a download request omits expirySeconds.
const defaultDownloadTTL = 15 * time.Minute

func secondsToDuration(secs int) time.Duration {
	return time.Duration(secs) * time.Second
}

// User is the caller identity resolved by whatever upstream layer
// validates bearer tokens. Authentication/authorization itself is an
// external collaborator; this package only consumes the outcome.
type User struct {
	ID      string
	IsAdmin bool
}

type contextKey string

const (
	userContextKey      contextKey = "jobcore.user"
	requestIDContextKey contextKey = "jobcore.requestID"
)

// RequestIDFromContext returns the correlation id minted for this request,
// or the empty string if RequestID wasn't installed ahead of the handler.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDContextKey).(string)
	return id
}

// RequestID stamps every inbound request with an opaque correlation id,
// echoed back on X-Request-Id so a caller can cite it when reporting a
// problem, and attached to the context for handlers and logging to share.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = idgen.New()
		}
		rw.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), requestIDContextKey, id)
		next.ServeHTTP(rw, r.WithContext(ctx))
	})
}

// UserFromContext returns the caller identity attached to ctx, or the
// empty, non-admin User if none was attached.
func UserFromContext(ctx context.Context) User {
	u, _ := ctx.Value(userContextKey).(User)
	return u
}

// WithUser returns a context carrying u, for middleware and tests.
func WithUser(ctx context.Context, u User) context.Context {
	return context.WithValue(ctx, userContextKey, u)
}

// DevHeaderAuth is a stand-in identity middleware for local development
// and tests: it trusts the X-User-Id and X-User-Admin headers verbatim.
// A deployment behind a real identity layer replaces this with
// middleware that verifies a bearer token and attaches the resulting
// User instead.
func DevHeaderAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		u := User{
			ID:      r.Header.Get("X-User-Id"),
			IsAdmin: r.Header.Get("X-User-Admin") == "true",
		}
		next.ServeHTTP(rw, r.WithContext(WithUser(r.Context(), u)))
	})
}
