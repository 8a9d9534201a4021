// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/dispatchforge/jobcore/internal/payload"
	"github.com/dispatchforge/jobcore/internal/repository"

	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

const testInputSchema = `{
	"type": "object",
	"properties": { "sceneId": {"type": "string"} },
	"required": ["sceneId"]
}`

func newTestAPI(t *testing.T) (*Api, *mux.Router) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "jobcore.db")
	repository.MigrateDB("sqlite3", dbPath)
	db, err := sqlx.Open("sqlite3", fmt.Sprintf("%s?_foreign_keys=on", dbPath))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	registry := payload.NewRegistry()
	require.NoError(t, registry.Register(payload.ClassSpec{Class: "RENDER", InputSchema: testInputSchema}))

	a := &Api{Jobs: repository.NewJobRepository(db), Registry: registry}

	r := mux.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(rw, r.WithContext(WithUser(r.Context(), User{ID: "alice"})))
		})
	})
	a.MountRoutes(r)
	return a, r
}

func doJSON(t *testing.T, r *mux.Router, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)
	return rw
}

func TestCreateJobRejectsInvalidPayload(t *testing.T) {
	_, r := newTestAPI(t)

	rw := doJSON(t, r, http.MethodPost, "/jobs", createJobRequest{Type: "RENDER", InputPayload: json.RawMessage(`{}`)})
	require.Equal(t, http.StatusBadRequest, rw.Code)
}

func TestCreateJobThenGet(t *testing.T) {
	_, r := newTestAPI(t)

	rw := doJSON(t, r, http.MethodPost, "/jobs", createJobRequest{
		Type:         "RENDER",
		InputPayload: json.RawMessage(`{"sceneId": "abc"}`),
	})
	require.Equal(t, http.StatusOK, rw.Code)

	var created createJobResponse
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &created))
	require.False(t, created.Cached)

	getRW := doJSON(t, r, http.MethodGet, fmt.Sprintf("/jobs/%d", created.JobID), nil)
	require.Equal(t, http.StatusOK, getRW.Code)
}

func TestCreateJobIsIdempotentOverHTTP(t *testing.T) {
	_, r := newTestAPI(t)

	first := doJSON(t, r, http.MethodPost, "/jobs", createJobRequest{
		Type:         "RENDER",
		InputPayload: json.RawMessage(`{"sceneId": "abc"}`),
	})
	var firstResp createJobResponse
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &firstResp))

	second := doJSON(t, r, http.MethodPost, "/jobs", createJobRequest{
		Type:         "RENDER",
		InputPayload: json.RawMessage(`{"sceneId":    "abc"}`),
	})
	var secondResp createJobResponse
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &secondResp))

	require.True(t, secondResp.Cached)
	require.Equal(t, firstResp.JobID, secondResp.JobID)
}

func TestCancelUnknownJobIsNotFound(t *testing.T) {
	_, r := newTestAPI(t)

	rw := doJSON(t, r, http.MethodPost, "/jobs/999/cancel", nil)
	require.Equal(t, http.StatusNotFound, rw.Code)
}
