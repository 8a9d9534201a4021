// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dispatchforge/jobcore/internal/apierr"
	"github.com/dispatchforge/jobcore/internal/jobschema"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
)

const maxPollResults = 10

// Create looks up any non-terminal Job sharing hash, attaches a new
// JobRequest to it and reports cached=true, or inserts a fresh Job +
// JobRequest and reports cached=false. The whole operation runs in
// one transaction so it serializes with Assign/SubmitResult and the
// store's own uniqueness guard (the partial/generated unique index on
// hash) resolves any race as a duplicate-key error we retry once as a
// cache hit.
func (r *JobRepository) Create(ctx context.Context, ownerID, class string, input json.RawMessage, hash string) (job *jobschema.Job, requestID int64, cached bool, err error) {
	for attempt := 0; attempt < 2; attempt++ {
		job, requestID, cached, err = r.createOnce(ctx, ownerID, class, input, hash)
		if err == nil {
			return job, requestID, cached, nil
		}
		if !isDuplicateKeyError(err) {
			return nil, 0, false, err
		}
		// Another transaction won the race inserting this fingerprint;
		// retry once so the caller sees the now-existing job as a cache hit.
	}
	return nil, 0, false, err
}

func isDuplicateKeyError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}

func (r *JobRepository) createOnce(ctx context.Context, ownerID, class string, input json.RawMessage, hash string) (*jobschema.Job, int64, bool, error) {
	tx, err := r.DB.BeginTxx(ctx, nil)
	if err != nil {
		return nil, 0, false, apierr.Wrap(apierr.TransientDependency, "begin create transaction", err)
	}
	defer tx.Rollback()

	existingRow := sq.Select(jobColumns...).From("job").
		Where("job.hash = ?", hash).
		Where(sq.Eq{"job.status": []string{string(jobschema.JobPending), string(jobschema.JobInProgress)}}).
		RunWith(tx).QueryRowContext(ctx)
	existing, err := scanJob(existingRow)

	switch {
	case err == nil:
		reqID, ierr := insertJobRequest(ctx, tx, ownerID, class, input, true, existing.ID)
		if ierr != nil {
			return nil, 0, false, ierr
		}
		if err := tx.Commit(); err != nil {
			return nil, 0, false, apierr.Wrap(apierr.TransientDependency, "commit create transaction", err)
		}
		return existing, reqID, true, nil

	case err == sql.ErrNoRows:
		now := time.Now()
		res, ierr := tx.ExecContext(ctx,
			tx.Rebind(`INSERT INTO job (created_at, updated_at, type, status, user_id, input_payload, hash) VALUES (?, ?, ?, ?, ?, ?, ?)`),
			now, now, class, string(jobschema.JobPending), ownerID, []byte(input), hash)
		if ierr != nil {
			return nil, 0, false, apierr.Wrap(apierr.TransientDependency, "insert job", ierr)
		}
		jobID, ierr := res.LastInsertId()
		if ierr != nil {
			return nil, 0, false, apierr.Wrap(apierr.TransientDependency, "read new job id", ierr)
		}

		reqID, ierr := insertJobRequest(ctx, tx, ownerID, class, input, false, jobID)
		if ierr != nil {
			return nil, 0, false, ierr
		}
		if err := tx.Commit(); err != nil {
			return nil, 0, false, apierr.Wrap(apierr.TransientDependency, "commit create transaction", err)
		}

		return &jobschema.Job{
			ID: jobID, CreatedAt: now, UpdatedAt: now, Type: class,
			Status: jobschema.JobPending, UserID: ownerID, InputPayload: input, Hash: hash,
		}, reqID, false, nil

	default:
		return nil, 0, false, apierr.Wrap(apierr.TransientDependency, "look up job by fingerprint", err)
	}
}

func insertJobRequest(ctx context.Context, tx *sqlx.Tx, ownerID, class string, input json.RawMessage, cacheHit bool, jobID int64) (int64, error) {
	res, err := tx.ExecContext(ctx,
		tx.Rebind(`INSERT INTO job_request (created_at, user_id, type, input_payload, cache_hit, job_id) VALUES (?, ?, ?, ?, ?, ?)`),
		time.Now(), ownerID, class, []byte(input), cacheHit, jobID)
	if err != nil {
		return 0, apierr.Wrap(apierr.TransientDependency, "insert job request", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, apierr.Wrap(apierr.TransientDependency, "read new job request id", err)
	}
	return id, nil
}

// Poll returns up to 10 PENDING jobs with no live assignment, oldest
// first. Never mutates state.
func (r *JobRepository) Poll(ctx context.Context, class *string) ([]*jobschema.Job, error) {
	noLiveAssignment := `NOT EXISTS (
		SELECT 1 FROM job_assignment
		WHERE job_assignment.job_id = job.id
		  AND job_assignment.completed_at IS NULL
		  AND job_assignment.expires_at > ?
	)`

	q := sq.Select(jobColumns...).From("job").
		Where("job.status = ?", string(jobschema.JobPending)).
		Where(noLiveAssignment, time.Now()).
		OrderBy("job.created_at ASC, job.id ASC").
		Limit(maxPollResults)
	if class != nil {
		q = q.Where("job.type = ?", *class)
	}

	rows, err := q.RunWith(r.stmtCache).QueryContext(ctx)
	if err != nil {
		return nil, apierr.Wrap(apierr.TransientDependency, "poll jobs", err)
	}
	defer rows.Close()

	jobs := make([]*jobschema.Job, 0, maxPollResults)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, apierr.Wrap(apierr.TransientDependency, "scan polled job", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Assign leases a PENDING job to a worker. storageScheme/storageURI
// and timeout are pre-computed by the caller so the transaction only
// touches the store.
func (r *JobRepository) Assign(ctx context.Context, jobID int64, taskArn, clusterArn, storageScheme, storageURI string, timeout time.Duration) (*jobschema.JobAssignment, error) {
	tx, err := r.DB.BeginTxx(ctx, nil)
	if err != nil {
		return nil, apierr.Wrap(apierr.TransientDependency, "begin assign transaction", err)
	}
	defer tx.Rollback()

	row := sq.Select(jobColumns...).From("job").Where("job.id = ?", jobID).RunWith(tx).QueryRowContext(ctx)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, apierr.New(apierr.NotFound, "job not found")
	} else if err != nil {
		return nil, apierr.Wrap(apierr.TransientDependency, "load job for assign", err)
	}
	if job.Status != jobschema.JobPending {
		return nil, apierr.New(apierr.Conflict, fmt.Sprintf("job is %s, not PENDING", job.Status))
	}

	now := time.Now()
	expiresAt := now.Add(timeout)

	res, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO job_assignment
		(created_at, updated_at, job_id, ecs_task_arn, ecs_cluster_arn, expires_at, storage_scheme, storage_uri)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		now, now, jobID, taskArn, clusterArn, expiresAt, storageScheme, storageURI)
	if err != nil {
		return nil, apierr.Wrap(apierr.TransientDependency, "insert assignment", err)
	}
	assignmentID, err := res.LastInsertId()
	if err != nil {
		return nil, apierr.Wrap(apierr.TransientDependency, "read new assignment id", err)
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE job SET status = ?, updated_at = ? WHERE id = ?`),
		string(jobschema.JobInProgress), now, jobID); err != nil {
		return nil, apierr.Wrap(apierr.TransientDependency, "update job status on assign", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apierr.Wrap(apierr.TransientDependency, "commit assign transaction", err)
	}

	return &jobschema.JobAssignment{
		ID: assignmentID, CreatedAt: now, UpdatedAt: now, JobID: jobID,
		EcsTaskArn: taskArn, EcsClusterArn: clusterArn, ExpiresAt: expiresAt,
		StorageScheme: storageScheme, StorageURI: storageURI,
	}, nil
}

// SubmitResult records a worker's outcome for an assignment. A second
// submission against the same assignment fails CONFLICT; no partial
// writes are made in that case.
func (r *JobRepository) SubmitResult(ctx context.Context, assignmentID int64, status jobschema.JobStatus, resultPayload json.RawMessage) (*jobschema.JobResult, error) {
	tx, err := r.DB.BeginTxx(ctx, nil)
	if err != nil {
		return nil, apierr.Wrap(apierr.TransientDependency, "begin submit-result transaction", err)
	}
	defer tx.Rollback()

	row := sq.Select(assignmentColumns...).From("job_assignment").Where("job_assignment.id = ?", assignmentID).
		RunWith(tx).QueryRowContext(ctx)
	assignment, err := scanAssignment(row)
	if err == sql.ErrNoRows {
		return nil, apierr.New(apierr.NotFound, "assignment not found")
	} else if err != nil {
		return nil, apierr.Wrap(apierr.TransientDependency, "load assignment", err)
	}
	if assignment.CompletedAt != nil {
		return nil, apierr.New(apierr.Conflict, "assignment already completed")
	}

	now := time.Now()
	res, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO job_result
		(created_at, job_id, assignment_id, result_payload, storage_scheme, storage_uri, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		now, assignment.JobID, assignmentID, nullableJSON(resultPayload), assignment.StorageScheme, assignment.StorageURI, nullableJSON(nil))
	if err != nil {
		return nil, apierr.Wrap(apierr.TransientDependency, "insert result", err)
	}
	resultID, err := res.LastInsertId()
	if err != nil {
		return nil, apierr.Wrap(apierr.TransientDependency, "read new result id", err)
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE job_assignment SET completed_at = ?, updated_at = ? WHERE id = ?`),
		now, now, assignmentID); err != nil {
		return nil, apierr.Wrap(apierr.TransientDependency, "complete assignment", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE job SET status = ?, updated_at = ? WHERE id = ?`),
		string(status), now, assignment.JobID); err != nil {
		return nil, apierr.Wrap(apierr.TransientDependency, "update job status on submit", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apierr.Wrap(apierr.TransientDependency, "commit submit-result transaction", err)
	}

	return &jobschema.JobResult{
		ID: resultID, CreatedAt: now, JobID: assignment.JobID, AssignmentID: assignmentID,
		ResultPayload: resultPayload, StorageScheme: assignment.StorageScheme, StorageURI: assignment.StorageURI,
	}, nil
}

func nullableJSON(v json.RawMessage) interface{} {
	if len(v) == 0 {
		return nil
	}
	return []byte(v)
}

// Cancel transitions a non-terminal job to CANCELLED on behalf of its
// owner or an admin.
func (r *JobRepository) Cancel(ctx context.Context, jobID int64, callerID string, callerIsAdmin bool) (*jobschema.Job, error) {
	tx, err := r.DB.BeginTxx(ctx, nil)
	if err != nil {
		return nil, apierr.Wrap(apierr.TransientDependency, "begin cancel transaction", err)
	}
	defer tx.Rollback()

	row := sq.Select(jobColumns...).From("job").Where("job.id = ?", jobID).RunWith(tx).QueryRowContext(ctx)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, apierr.New(apierr.NotFound, "job not found")
	} else if err != nil {
		return nil, apierr.Wrap(apierr.TransientDependency, "load job for cancel", err)
	}

	if !callerIsAdmin && job.UserID != callerID {
		return nil, apierr.New(apierr.Forbidden, "only the owner or an admin may cancel this job")
	}
	if job.Status.Terminal() {
		return nil, apierr.New(apierr.Conflict, fmt.Sprintf("job is already %s", job.Status))
	}

	now := time.Now()
	if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE job SET status = ?, updated_at = ? WHERE id = ?`),
		string(jobschema.JobCancelled), now, jobID); err != nil {
		return nil, apierr.Wrap(apierr.TransientDependency, "cancel job", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apierr.Wrap(apierr.TransientDependency, "commit cancel transaction", err)
	}

	job.Status = jobschema.JobCancelled
	job.UpdatedAt = now
	return job, nil
}

// FindResultForDownload looks up a job's download target: the job
// must be SUCCEEDED and have an assignment that produced a result.
func (r *JobRepository) FindResultForDownload(ctx context.Context, jobID int64) (*jobschema.Job, *jobschema.JobAssignment, error) {
	job, err := r.FindByID(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	if job.Status != jobschema.JobSucceeded {
		return nil, nil, apierr.New(apierr.Validation, "job is not SUCCEEDED")
	}
	for _, a := range job.Assignments {
		if a.Result != nil {
			return job, a, nil
		}
	}
	return nil, nil, apierr.New(apierr.Validation, "job has no assignment with a result")
}
