// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package repository is the Job Service's persistence layer: Job,
// JobAssignment, JobResult and JobRequest backed by a relational store
// used as a transactional queue.
package repository

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/dispatchforge/jobcore/internal/apierr"
	"github.com/dispatchforge/jobcore/internal/jobschema"
	"github.com/dispatchforge/jobcore/pkg/clog"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
)

var (
	jobRepoOnce     sync.Once
	jobRepoInstance *JobRepository
)

type JobRepository struct {
	DB        *sqlx.DB
	stmtCache *sq.StmtCache
}

// NewJobRepository builds a JobRepository directly from an already-open
// handle, bypassing the process-wide Connect/GetJobRepository singleton.
// Intended for tests that want an isolated database per test.
func NewJobRepository(db *sqlx.DB) *JobRepository {
	return &JobRepository{DB: db, stmtCache: sq.NewStmtCache(db.DB)}
}

func GetJobRepository() *JobRepository {
	jobRepoOnce.Do(func() {
		db := GetConnection()
		jobRepoInstance = &JobRepository{
			DB:        db.DB,
			stmtCache: sq.NewStmtCache(db.DB),
		}
	})
	return jobRepoInstance
}

var jobColumns = []string{
	"job.id", "job.created_at", "job.updated_at", "job.type", "job.status",
	"job.user_id", "job.input_payload", "job.hash",
}

func scanJob(row interface{ Scan(...interface{}) error }) (*jobschema.Job, error) {
	job := &jobschema.Job{}
	if err := row.Scan(
		&job.ID, &job.CreatedAt, &job.UpdatedAt, &job.Type, &job.Status,
		&job.UserID, &job.InputPayload, &job.Hash,
	); err != nil {
		return nil, err
	}
	return job, nil
}

var assignmentColumns = []string{
	"job_assignment.id", "job_assignment.created_at", "job_assignment.updated_at",
	"job_assignment.job_id", "job_assignment.ecs_task_arn", "job_assignment.ecs_cluster_arn",
	"job_assignment.expires_at", "job_assignment.storage_scheme", "job_assignment.storage_uri",
	"job_assignment.heartbeat_at", "job_assignment.completed_at",
}

func scanAssignment(row interface{ Scan(...interface{}) error }) (*jobschema.JobAssignment, error) {
	a := &jobschema.JobAssignment{}
	if err := row.Scan(
		&a.ID, &a.CreatedAt, &a.UpdatedAt, &a.JobID, &a.EcsTaskArn, &a.EcsClusterArn,
		&a.ExpiresAt, &a.StorageScheme, &a.StorageURI, &a.HeartbeatAt, &a.CompletedAt,
	); err != nil {
		return nil, err
	}
	return a, nil
}

var resultColumns = []string{
	"job_result.id", "job_result.created_at", "job_result.job_id", "job_result.assignment_id",
	"job_result.result_payload", "job_result.storage_scheme", "job_result.storage_uri", "job_result.metadata",
}

func scanResult(row interface{ Scan(...interface{}) error }) (*jobschema.JobResult, error) {
	r := &jobschema.JobResult{}
	if err := row.Scan(
		&r.ID, &r.CreatedAt, &r.JobID, &r.AssignmentID,
		&r.ResultPayload, &r.StorageScheme, &r.StorageURI, &r.Metadata,
	); err != nil {
		return nil, err
	}
	return r, nil
}

// FindByID loads a Job along with every Assignment it has had and, for
// any completed assignment, its Result. Used by GET /jobs/:id.
func (r *JobRepository) FindByID(ctx context.Context, jobID int64) (*jobschema.Job, error) {
	row := sq.Select(jobColumns...).From("job").Where("job.id = ?", jobID).
		RunWith(r.stmtCache).QueryRowContext(ctx)
	job, err := scanJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierr.New(apierr.NotFound, "job not found")
		}
		return nil, apierr.Wrap(apierr.TransientDependency, "load job", err)
	}

	rows, err := sq.Select(assignmentColumns...).From("job_assignment").
		Where("job_assignment.job_id = ?", jobID).OrderBy("job_assignment.id ASC").
		RunWith(r.stmtCache).QueryContext(ctx)
	if err != nil {
		return nil, apierr.Wrap(apierr.TransientDependency, "load assignments", err)
	}
	defer rows.Close()

	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, apierr.Wrap(apierr.TransientDependency, "scan assignment", err)
		}
		job.Assignments = append(job.Assignments, a)
	}

	for _, a := range job.Assignments {
		resRow := sq.Select(resultColumns...).From("job_result").
			Where("job_result.assignment_id = ?", a.ID).RunWith(r.stmtCache).QueryRowContext(ctx)
		result, err := scanResult(resRow)
		if err == nil {
			a.Result = result
		} else if err != sql.ErrNoRows {
			return nil, apierr.Wrap(apierr.TransientDependency, "load result", err)
		}
	}

	return job, nil
}

// FindAssignmentByID loads a single assignment without its parent job
// or result, for callers that only need the lease itself.
func (r *JobRepository) FindAssignmentByID(ctx context.Context, assignmentID int64) (*jobschema.JobAssignment, error) {
	row := sq.Select(assignmentColumns...).From("job_assignment").
		Where("job_assignment.id = ?", assignmentID).
		RunWith(r.stmtCache).QueryRowContext(ctx)
	a, err := scanAssignment(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierr.New(apierr.NotFound, "assignment not found")
		}
		return nil, apierr.Wrap(apierr.TransientDependency, "load assignment", err)
	}
	return a, nil
}

// JobQuery filters the list endpoint; a nil field means "no filter".
type JobQuery struct {
	UserID  string
	IsAdmin bool
	Status  *jobschema.JobStatus
	Type    *string
	Page    int // 1-based
	PerPage int
}

// QueryJobs returns jobs matching q, newest first, plus the total count
// ignoring pagination. Non-admins only ever see their own jobs.
func (r *JobRepository) QueryJobs(ctx context.Context, q JobQuery) ([]*jobschema.Job, int, error) {
	build := func(sel sq.SelectBuilder) sq.SelectBuilder {
		if !q.IsAdmin {
			sel = sel.Where("job.user_id = ?", q.UserID)
		}
		if q.Status != nil {
			sel = sel.Where("job.status = ?", string(*q.Status))
		}
		if q.Type != nil {
			sel = sel.Where("job.type = ?", *q.Type)
		}
		return sel
	}

	var total int
	countQ := build(sq.Select("count(*)").From("job"))
	if err := countQ.RunWith(r.stmtCache).QueryRowContext(ctx).Scan(&total); err != nil {
		return nil, 0, apierr.Wrap(apierr.TransientDependency, "count jobs", err)
	}

	listQ := build(sq.Select(jobColumns...).From("job")).OrderBy("job.created_at DESC, job.id DESC")
	if q.PerPage > 0 {
		page := q.Page
		if page < 1 {
			page = 1
		}
		listQ = listQ.Limit(uint64(q.PerPage)).Offset(uint64((page - 1) * q.PerPage))
	}

	rows, err := listQ.RunWith(r.stmtCache).QueryContext(ctx)
	if err != nil {
		return nil, 0, apierr.Wrap(apierr.TransientDependency, "list jobs", err)
	}
	defer rows.Close()

	jobs := make([]*jobschema.Job, 0, 32)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, apierr.Wrap(apierr.TransientDependency, "scan job", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, total, nil
}

// StopJobsExceedingWalltimeBy transitions IN_PROGRESS jobs whose live
// assignment expired more than grace ago to TIMED_OUT. Poll already
// treats such jobs as eligible because it tests assignment liveness,
// not job status, but nothing else retires the job record itself.
func (r *JobRepository) StopJobsExceedingWalltimeBy(ctx context.Context, grace time.Duration) (int64, error) {
	cutoff := time.Now().Add(-grace)

	sub := sq.Select("1").From("job_assignment").
		Where("job_assignment.job_id = job.id").
		Where("job_assignment.completed_at IS NULL").
		Where("job_assignment.expires_at > ?", time.Now())
	subSQL, subArgs, err := sub.ToSql()
	if err != nil {
		return 0, apierr.Wrap(apierr.TransientDependency, "build sweep subquery", err)
	}

	res, err := sq.Update("job").
		Set("status", string(jobschema.JobTimedOut)).
		Set("updated_at", time.Now()).
		Where("job.status = ?", string(jobschema.JobInProgress)).
		Where("NOT EXISTS ("+subSQL+")", subArgs...).
		Where(`EXISTS (SELECT 1 FROM job_assignment WHERE job_assignment.job_id = job.id AND job_assignment.completed_at IS NULL AND job_assignment.expires_at < ?)`, cutoff).
		RunWith(r.DB).ExecContext(ctx)
	if err != nil {
		return 0, apierr.Wrap(apierr.TransientDependency, "sweep timed out jobs", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, apierr.Wrap(apierr.TransientDependency, "sweep rows affected", err)
	}
	if n > 0 {
		clog.Warnf("%d jobs transitioned to TIMED_OUT by the sweeper", n)
	}
	return n, nil
}
