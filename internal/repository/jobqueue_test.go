// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/dispatchforge/jobcore/internal/apierr"
	"github.com/dispatchforge/jobcore/internal/jobschema"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

// newTestRepo opens a fresh sqlite3 file per test and runs the embedded
// migrations against it, bypassing the process-wide Connect singleton so
// tests don't interfere with each other.
func newTestRepo(t *testing.T) *JobRepository {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "jobcore.db")
	MigrateDB("sqlite3", dbPath)

	db, err := sqlx.Open("sqlite3", fmt.Sprintf("%s?_foreign_keys=on", dbPath))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	return NewJobRepository(db)
}

func TestCreateIsIdempotentForSameFingerprint(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	job1, req1, cached1, err := r.Create(ctx, "alice", "RENDER", json.RawMessage(`{"id":1}`), "hash-a")
	require.NoError(t, err)
	require.False(t, cached1)

	job2, req2, cached2, err := r.Create(ctx, "bob", "RENDER", json.RawMessage(`{"id":1}`), "hash-a")
	require.NoError(t, err)
	require.True(t, cached2)
	require.Equal(t, job1.ID, job2.ID)
	require.NotEqual(t, req1, req2)
}

func TestCreateDistinctFingerprintsGetDistinctJobs(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	job1, _, _, err := r.Create(ctx, "alice", "RENDER", json.RawMessage(`{"id":1}`), "hash-a")
	require.NoError(t, err)
	job2, _, _, err := r.Create(ctx, "alice", "RENDER", json.RawMessage(`{"id":2}`), "hash-b")
	require.NoError(t, err)

	require.NotEqual(t, job1.ID, job2.ID)
}

func TestPollOnlyReturnsPendingWithoutLiveAssignment(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	job, _, _, err := r.Create(ctx, "alice", "RENDER", json.RawMessage(`{"id":1}`), "hash-a")
	require.NoError(t, err)

	polled, err := r.Poll(ctx, nil)
	require.NoError(t, err)
	require.Len(t, polled, 1)
	require.Equal(t, job.ID, polled[0].ID)

	_, err = r.Assign(ctx, job.ID, "arn:task:1", "arn:cluster:1", "S3", "s3://bucket/key", time.Hour)
	require.NoError(t, err)

	polledAfter, err := r.Poll(ctx, nil)
	require.NoError(t, err)
	require.Empty(t, polledAfter)
}

func TestAssignRejectsNonPendingJob(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	job, _, _, err := r.Create(ctx, "alice", "RENDER", json.RawMessage(`{"id":1}`), "hash-a")
	require.NoError(t, err)

	_, err = r.Assign(ctx, job.ID, "arn:task:1", "arn:cluster:1", "S3", "s3://bucket/key", time.Hour)
	require.NoError(t, err)

	_, err = r.Assign(ctx, job.ID, "arn:task:2", "arn:cluster:1", "S3", "s3://bucket/key", time.Hour)
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.Conflict, apiErr.Kind)
}

func TestSubmitResultRejectsDoubleCompletion(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	job, _, _, err := r.Create(ctx, "alice", "RENDER", json.RawMessage(`{"id":1}`), "hash-a")
	require.NoError(t, err)
	assignment, err := r.Assign(ctx, job.ID, "arn:task:1", "arn:cluster:1", "S3", "s3://bucket/key", time.Hour)
	require.NoError(t, err)

	_, err = r.SubmitResult(ctx, assignment.ID, jobschema.JobSucceeded, json.RawMessage(`{"ok":true}`))
	require.NoError(t, err)

	_, err = r.SubmitResult(ctx, assignment.ID, jobschema.JobSucceeded, json.RawMessage(`{"ok":true}`))
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.Conflict, apiErr.Kind)

	loaded, err := r.FindByID(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, jobschema.JobSucceeded, loaded.Status)
}

func TestCancelRejectsTerminalJob(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	job, _, _, err := r.Create(ctx, "alice", "RENDER", json.RawMessage(`{"id":1}`), "hash-a")
	require.NoError(t, err)

	cancelled, err := r.Cancel(ctx, job.ID, "alice", false)
	require.NoError(t, err)
	require.Equal(t, jobschema.JobCancelled, cancelled.Status)

	_, err = r.Cancel(ctx, job.ID, "alice", false)
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.Conflict, apiErr.Kind)
}

func TestCancelRejectsNonOwnerNonAdmin(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	job, _, _, err := r.Create(ctx, "alice", "RENDER", json.RawMessage(`{"id":1}`), "hash-a")
	require.NoError(t, err)

	_, err = r.Cancel(ctx, job.ID, "mallory", false)
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.Forbidden, apiErr.Kind)
}

func TestFindResultForDownloadRequiresSucceeded(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	job, _, _, err := r.Create(ctx, "alice", "RENDER", json.RawMessage(`{"id":1}`), "hash-a")
	require.NoError(t, err)

	_, _, err = r.FindResultForDownload(ctx, job.ID)
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.Validation, apiErr.Kind)

	assignment, err := r.Assign(ctx, job.ID, "arn:task:1", "arn:cluster:1", "S3", "s3://bucket/key", time.Hour)
	require.NoError(t, err)
	_, err = r.SubmitResult(ctx, assignment.ID, jobschema.JobSucceeded, json.RawMessage(`{"ok":true}`))
	require.NoError(t, err)

	foundJob, foundAssignment, err := r.FindResultForDownload(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, job.ID, foundJob.ID)
	require.Equal(t, assignment.ID, foundAssignment.ID)
}

func TestStopJobsExceedingWalltimeByTransitionsExpiredAssignments(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	job, _, _, err := r.Create(ctx, "alice", "RENDER", json.RawMessage(`{"id":1}`), "hash-a")
	require.NoError(t, err)
	_, err = r.Assign(ctx, job.ID, "arn:task:1", "arn:cluster:1", "S3", "s3://bucket/key", -time.Hour)
	require.NoError(t, err)

	n, err := r.StopJobsExceedingWalltimeBy(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	loaded, err := r.FindByID(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, jobschema.JobTimedOut, loaded.Status)
}
