// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package api is the HTTP surface: thin handlers translating JSON
// requests into Job Service calls. Authentication/authorization is an
// external collaborator; handlers here only read the caller identity a
// prior middleware attaches to the request context.
package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/dispatchforge/jobcore/internal/apierr"
	"github.com/dispatchforge/jobcore/internal/blobstore"
	"github.com/dispatchforge/jobcore/internal/fingerprint"
	"github.com/dispatchforge/jobcore/internal/jobschema"
	"github.com/dispatchforge/jobcore/internal/metrics"
	"github.com/dispatchforge/jobcore/internal/payload"
	"github.com/dispatchforge/jobcore/internal/repository"
	"github.com/dispatchforge/jobcore/pkg/clog"

	"github.com/gorilla/mux"
)

// ErrorResponse is the `{status, message}` envelope returned for every
// user-visible failure.
type ErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Api wires the Job Service's dependencies into the HTTP handlers.
type Api struct {
	Jobs     *repository.JobRepository
	Registry *payload.Registry
	Blobs    *blobstore.Locator
}

func (a *Api) MountRoutes(r *mux.Router) {
	r.HandleFunc("/jobs", a.createJob).Methods(http.MethodPost)
	r.HandleFunc("/jobs", a.listJobs).Methods(http.MethodGet)
	r.HandleFunc("/jobs/poll", a.pollJobs).Methods(http.MethodGet)
	r.HandleFunc("/jobs/assign", a.assignJob).Methods(http.MethodPost)
	r.HandleFunc("/jobs/assignments/{id}/result", a.submitResult).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{id}", a.getJob).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}/cancel", a.cancelJob).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{id}/download", a.downloadJob).Methods(http.MethodGet)
}

func handleError(rw http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	msg := err.Error()
	if apiErr, ok := apierr.As(err); ok {
		status = apierr.HTTPStatus(apiErr.Kind)
		msg = apiErr.Message
	} else {
		clog.Errorf("request %s: unclassified error: %v", RequestIDFromContext(r.Context()), err)
		msg = "internal error"
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(ErrorResponse{Status: http.StatusText(status), Message: msg})
}

func decode(r io.Reader, val interface{}) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	return dec.Decode(val)
}

func writeJSON(rw http.ResponseWriter, v interface{}) {
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(v)
}

func parseJobID(r *http.Request) (int64, error) {
	raw, ok := mux.Vars(r)["id"]
	if !ok {
		return 0, apierr.New(apierr.Validation, "the 'id' path parameter is required")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, apierr.Wrap(apierr.Validation, "id must be an integer", err)
	}
	return id, nil
}

type createJobRequest struct {
	Type         string          `json:"type"`
	InputPayload json.RawMessage `json:"inputPayload"`
}

type createJobResponse struct {
	JobID     int64 `json:"jobId"`
	RequestID int64 `json:"requestId"`
	Cached    bool  `json:"cached"`
}

// createJob handles POST /jobs: validates the payload against the class's
// registered schema, fingerprints it, and hands off to the Job Service,
// which returns the cached job instead of a new one on a fingerprint hit.
func (a *Api) createJob(rw http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())

	var req createJobRequest
	if err := decode(r.Body, &req); err != nil {
		handleError(rw, r, apierr.Wrap(apierr.Validation, "malformed request body", err))
		return
	}

	normalized, err := a.Registry.ValidateInput(req.Type, req.InputPayload)
	if err != nil {
		handleError(rw, r, err)
		return
	}

	hash, err := fingerprint.Of(req.Type, normalized)
	if err != nil {
		handleError(rw, r, apierr.Wrap(apierr.Validation, "could not fingerprint payload", err))
		return
	}

	job, requestID, cached, err := a.Jobs.Create(r.Context(), user.ID, req.Type, req.InputPayload, hash)
	if err != nil {
		handleError(rw, r, err)
		return
	}
	metrics.JobsCreated.WithLabelValues(req.Type, strconv.FormatBool(cached)).Inc()

	writeJSON(rw, createJobResponse{JobID: job.ID, RequestID: requestID, Cached: cached})
}

// listJobs handles GET /jobs?status=&page=, scoped to the caller's own
// jobs unless they're an admin.
func (a *Api) listJobs(rw http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())

	q := repository.JobQuery{UserID: user.ID, IsAdmin: user.IsAdmin, PerPage: 50, Page: 1}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := jobschema.JobStatus(raw)
		q.Status = &status
	}
	if raw := r.URL.Query().Get("page"); raw != "" {
		if page, err := strconv.Atoi(raw); err == nil {
			q.Page = page
		}
	}

	jobs, total, err := a.Jobs.QueryJobs(r.Context(), q)
	if err != nil {
		handleError(rw, r, err)
		return
	}

	writeJSON(rw, struct {
		Jobs  []*jobschema.Job `json:"jobs"`
		Total int              `json:"total"`
	}{Jobs: jobs, Total: total})
}

// pollJobs handles GET /jobs/poll?jobType=, returning pending jobs of
// the given class (or every class) that have no live assignment.
func (a *Api) pollJobs(rw http.ResponseWriter, r *http.Request) {
	var class *string
	if raw := r.URL.Query().Get("jobType"); raw != "" {
		class = &raw
	}

	jobs, err := a.Jobs.Poll(r.Context(), class)
	if err != nil {
		handleError(rw, r, err)
		return
	}
	if class != nil {
		metrics.JobsPolled.WithLabelValues(*class).Add(float64(len(jobs)))
	}

	writeJSON(rw, struct {
		Jobs []*jobschema.Job `json:"jobs"`
	}{Jobs: jobs})
}

type assignJobRequest struct {
	JobID         int64  `json:"jobId"`
	EcsTaskArn    string `json:"ecsTaskArn"`
	EcsClusterArn string `json:"ecsClusterArn"`
}

// assignJob handles POST /jobs/assign: leases a job to a worker, deriving
// the result's storage location and the assignment's expiry from the
// job's class.
func (a *Api) assignJob(rw http.ResponseWriter, r *http.Request) {
	var req assignJobRequest
	if err := decode(r.Body, &req); err != nil {
		handleError(rw, r, apierr.Wrap(apierr.Validation, "malformed request body", err))
		return
	}

	job, err := a.Jobs.FindByID(r.Context(), req.JobID)
	if err != nil {
		handleError(rw, r, err)
		return
	}

	scheme, uri := a.Blobs.StorageFor(job.Type, job.ID)
	timeout, err := a.Registry.Timeout(job.Type)
	if err != nil {
		handleError(rw, r, err)
		return
	}

	assignment, err := a.Jobs.Assign(r.Context(), req.JobID, req.EcsTaskArn, req.EcsClusterArn, scheme, uri, timeout)
	if err != nil {
		handleError(rw, r, err)
		return
	}

	writeJSON(rw, struct {
		Assignment *jobschema.JobAssignment `json:"assignment"`
	}{Assignment: assignment})
}

type submitResultRequest struct {
	Status        string          `json:"status"`
	ResultPayload json.RawMessage `json:"resultPayload,omitempty"`
}

// submitResult handles POST /jobs/assignments/:id/result: records a
// worker's outcome for an assignment, validating the result payload
// against the job's class schema when one is supplied.
func (a *Api) submitResult(rw http.ResponseWriter, r *http.Request) {
	raw, ok := mux.Vars(r)["id"]
	if !ok {
		handleError(rw, r, apierr.New(apierr.Validation, "the 'id' path parameter is required"))
		return
	}
	assignmentID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		handleError(rw, r, apierr.Wrap(apierr.Validation, "id must be an integer", err))
		return
	}

	var req submitResultRequest
	if err := decode(r.Body, &req); err != nil {
		handleError(rw, r, apierr.Wrap(apierr.Validation, "malformed request body", err))
		return
	}

	status := jobschema.JobStatus(req.Status)
	if status != jobschema.JobSucceeded && status != jobschema.JobFailed {
		handleError(rw, r, apierr.New(apierr.Validation, "status must be SUCCEEDED or FAILED"))
		return
	}

	if len(req.ResultPayload) > 0 {
		assignment, err := a.Jobs.FindAssignmentByID(r.Context(), assignmentID)
		if err != nil {
			handleError(rw, r, err)
			return
		}
		job, err := a.Jobs.FindByID(r.Context(), assignment.JobID)
		if err != nil {
			handleError(rw, r, err)
			return
		}
		if err := a.Registry.ValidateResult(job.Type, req.ResultPayload); err != nil {
			handleError(rw, r, err)
			return
		}
	}

	result, err := a.Jobs.SubmitResult(r.Context(), assignmentID, status, req.ResultPayload)
	if err != nil {
		handleError(rw, r, err)
		return
	}
	metrics.JobTransitions.WithLabelValues(string(status)).Inc()

	writeJSON(rw, struct {
		Result *jobschema.JobResult `json:"result"`
	}{Result: result})
}

// getJob handles GET /jobs/:id, rejecting callers who neither own the
// job nor are an admin.
func (a *Api) getJob(rw http.ResponseWriter, r *http.Request) {
	jobID, err := parseJobID(r)
	if err != nil {
		handleError(rw, r, err)
		return
	}

	job, err := a.Jobs.FindByID(r.Context(), jobID)
	if err != nil {
		handleError(rw, r, err)
		return
	}

	user := UserFromContext(r.Context())
	if !user.IsAdmin && job.UserID != user.ID {
		handleError(rw, r, apierr.New(apierr.Forbidden, "not your job"))
		return
	}

	writeJSON(rw, struct {
		Job *jobschema.Job `json:"job"`
	}{Job: job})
}

// cancelJob handles POST /jobs/:id/cancel, refusing to cancel a job
// that has already reached a terminal status.
func (a *Api) cancelJob(rw http.ResponseWriter, r *http.Request) {
	jobID, err := parseJobID(r)
	if err != nil {
		handleError(rw, r, err)
		return
	}

	user := UserFromContext(r.Context())
	job, err := a.Jobs.Cancel(r.Context(), jobID, user.ID, user.IsAdmin)
	if err != nil {
		handleError(rw, r, err)
		return
	}
	metrics.JobTransitions.WithLabelValues(string(jobschema.JobCancelled)).Inc()

	writeJSON(rw, struct {
		Job *jobschema.Job `json:"job"`
	}{Job: job})
}

// downloadJob handles GET /jobs/:id/download?expirySeconds=, presigning
// the succeeded job's result files for direct download.
func (a *Api) downloadJob(rw http.ResponseWriter, r *http.Request) {
	jobID, err := parseJobID(r)
	if err != nil {
		handleError(rw, r, err)
		return
	}

	user := UserFromContext(r.Context())
	job, assignment, err := a.Jobs.FindResultForDownload(r.Context(), jobID)
	if err != nil {
		handleError(rw, r, err)
		return
	}
	if !user.IsAdmin && job.UserID != user.ID {
		handleError(rw, r, apierr.New(apierr.Forbidden, "not your job"))
		return
	}

	ttl := defaultDownloadTTL
	if raw := r.URL.Query().Get("expirySeconds"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil {
			handleError(rw, r, apierr.Wrap(apierr.Validation, "expirySeconds must be an integer", err))
			return
		}
		ttl = secondsToDuration(secs)
	}

	files, err := a.Blobs.PresignList(r.Context(), assignment.StorageURI, ttl)
	if err != nil {
		handleError(rw, r, err)
		return
	}

	writeJSON(rw, struct {
		Job   *jobschema.Job    `json:"job"`
		Files map[string]string `json:"files"`
	}{Job: job, Files: files})
}
