// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package jobschema holds the wire/storage shapes shared by the job
// queue, the capacity manager and the HTTP surface.
package jobschema

import (
	"encoding/json"
	"time"
)

// JobStatus is the tagged variant driving the Job state machine.
type JobStatus string

const (
	JobPending    JobStatus = "PENDING"
	JobInProgress JobStatus = "IN_PROGRESS"
	JobSucceeded  JobStatus = "SUCCEEDED"
	JobFailed     JobStatus = "FAILED"
	JobCancelled  JobStatus = "CANCELLED"
	JobTimedOut   JobStatus = "TIMED_OUT"
)

// Terminal reports whether s admits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobCancelled, JobTimedOut:
		return true
	default:
		return false
	}
}

// NonTerminal reports whether a Job in status s still counts towards the
// one-non-terminal-job-per-fingerprint invariant.
func (s JobStatus) NonTerminal() bool {
	return s == JobPending || s == JobInProgress
}

// Job is a user request for work, content-addressed by fingerprint.
type Job struct {
	ID           int64           `db:"id" json:"id"`
	CreatedAt    time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updatedAt"`
	Type         string          `db:"type" json:"type"`
	Status       JobStatus       `db:"status" json:"status"`
	UserID       string          `db:"user_id" json:"userId"`
	InputPayload json.RawMessage `db:"input_payload" json:"inputPayload"`
	Hash         string          `db:"hash" json:"hash"`

	Assignments []*JobAssignment `db:"-" json:"assignments,omitempty"`
}

// JobAssignment is a time-boxed lease granting one worker the right to
// execute one job.
type JobAssignment struct {
	ID             int64           `db:"id" json:"id"`
	CreatedAt      time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updatedAt"`
	JobID          int64           `db:"job_id" json:"jobId"`
	EcsTaskArn     string          `db:"ecs_task_arn" json:"ecsTaskArn"`
	EcsClusterArn  string          `db:"ecs_cluster_arn" json:"ecsClusterArn"`
	ExpiresAt      time.Time       `db:"expires_at" json:"expiresAt"`
	StorageScheme  string          `db:"storage_scheme" json:"storageScheme"`
	StorageURI     string          `db:"storage_uri" json:"storageUri"`
	HeartbeatAt    *time.Time      `db:"heartbeat_at" json:"heartbeatAt,omitempty"`
	CompletedAt    *time.Time      `db:"completed_at" json:"completedAt,omitempty"`

	Result *JobResult `db:"-" json:"result,omitempty"`
}

// Live reports whether the assignment still holds an active lease: not
// completed, and not past its expiry.
func (a *JobAssignment) Live(now time.Time) bool {
	return a.CompletedAt == nil && a.ExpiresAt.After(now)
}

// JobResult is the outcome record of a completed assignment.
type JobResult struct {
	ID            int64           `db:"id" json:"id"`
	CreatedAt     time.Time       `db:"created_at" json:"createdAt"`
	JobID         int64           `db:"job_id" json:"jobId"`
	AssignmentID  int64           `db:"assignment_id" json:"assignmentId"`
	ResultPayload json.RawMessage `db:"result_payload" json:"resultPayload,omitempty"`
	StorageScheme string          `db:"storage_scheme" json:"storageScheme"`
	StorageURI    string          `db:"storage_uri" json:"storageUri"`
	Metadata      json.RawMessage `db:"metadata" json:"metadata,omitempty"`
}

// JobRequest records one user's ask against a Job, distinguishing a fresh
// creation from a fingerprint cache hit.
type JobRequest struct {
	ID           int64           `db:"id" json:"id"`
	CreatedAt    time.Time       `db:"created_at" json:"createdAt"`
	UserID       string          `db:"user_id" json:"userId"`
	Type         string          `db:"type" json:"type"`
	InputPayload json.RawMessage `db:"input_payload" json:"inputPayload"`
	CacheHit     bool            `db:"cache_hit" json:"cacheHit"`
	JobID        int64           `db:"job_id" json:"jobId"`
}

// WorkerStatus is the Capacity Manager's in-memory lifecycle model for a
// tracked container task, independent of the raw status strings the
// container runtime reports.
type WorkerStatus string

const (
	WorkerPending WorkerStatus = "PENDING"
	WorkerRunning WorkerStatus = "RUNNING"
	WorkerStopped WorkerStatus = "STOPPED"
)

// TrackedWorker is a worker the Capacity Manager knows it started. It is
// advisory, in-memory, and rebuilt from the container runtime every tick.
type TrackedWorker struct {
	TaskID        string
	TaskDefID     string
	ClusterID     string
	StartedAt     time.Time
	JobClasses    []string
	Status        WorkerStatus
}
