package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/nodegrid/master/internal/store"
)

// JobHandler groups the job-related HTTP handlers: submission, inspection
// and operator status changes. Jobs normally move PENDING/QUEUED -> RUNNING
// via the dispatcher and on to a terminal status via the node channel; this
// surface writes a status directly only through the status-update and
// expire endpoints.
type JobHandler struct {
	store  *store.Store
	logger *zap.Logger
}

// NewJobHandler creates a new JobHandler.
func NewJobHandler(s *store.Store, logger *zap.Logger) *JobHandler {
	return &JobHandler{store: s, logger: logger.Named("job_handler")}
}

type repositoryRequest struct {
	URL     string `json:"url"`
	Branch  string `json:"branch,omitempty"`
	Subpath string `json:"subpath,omitempty"`
}

// createJobRequest is the body of POST /api/jobs.
type createJobRequest struct {
	Prompt        string              `json:"prompt"`
	TargetNodeID  *string             `json:"target_node_id,omitempty"`
	RequestedTags []string            `json:"requested_tags,omitempty"`
	Repositories  []repositoryRequest `json:"repositories,omitempty"`
	Metadata      map[string]string   `json:"metadata,omitempty"`
}

type jobResponse struct {
	ID            string            `json:"id"`
	Prompt        string            `json:"prompt"`
	Status        string            `json:"status"`
	TargetNodeID  string            `json:"target_node_id,omitempty"`
	RequestedTags []string          `json:"requested_tags"`
	Repositories  []repositoryRequest `json:"repositories"`
	Metadata      map[string]string `json:"metadata"`
	LogPath       string            `json:"log_path,omitempty"`
	ResultSummary string            `json:"result_summary,omitempty"`
	ErrorMessage  string            `json:"error_message,omitempty"`
	FinishedAt    *string           `json:"finished_at,omitempty"`
	CreatedAt     string            `json:"created_at"`
	UpdatedAt     string            `json:"updated_at"`
}

func jobToResponse(j *store.Job) jobResponse {
	repos := make([]repositoryRequest, len(j.Repositories))
	for i, r := range j.Repositories {
		repos[i] = repositoryRequest{URL: r.URL, Branch: r.Branch, Subpath: r.Subpath}
	}
	resp := jobResponse{
		ID:            j.ID.String(),
		Prompt:        j.Prompt,
		Status:        string(j.Status),
		RequestedTags: []string(j.RequestedTags),
		Repositories:  repos,
		Metadata:      map[string]string(j.Metadata),
		LogPath:       j.LogPath,
		ResultSummary: j.ResultSummary,
		ErrorMessage:  j.ErrorMessage,
		CreatedAt:     j.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z"),
		UpdatedAt:     j.UpdatedAt.UTC().Format("2006-01-02T15:04:05.000Z"),
	}
	if j.TargetNodeID != nil {
		resp.TargetNodeID = j.TargetNodeID.String()
	}
	if j.FinishedAt != nil {
		s := j.FinishedAt.UTC().Format("2006-01-02T15:04:05.000Z")
		resp.FinishedAt = &s
	}
	return resp
}

// Create handles POST /api/jobs. The job is persisted as PENDING (or QUEUED
// if target_node_id is set) and picked up by the next dispatcher tick —
// this handler never dispatches directly.
func (h *JobHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Prompt == "" {
		ErrUnprocessable(w, "prompt is required")
		return
	}

	job := &store.Job{
		Prompt:        req.Prompt,
		Status:        store.JobPending,
		RequestedTags: store.StringSet(req.RequestedTags),
		Metadata:      store.StringMap(req.Metadata),
	}
	for _, rr := range req.Repositories {
		job.Repositories = append(job.Repositories, store.RepositorySpec{URL: rr.URL, Branch: rr.Branch, Subpath: rr.Subpath})
	}

	if req.TargetNodeID != nil && *req.TargetNodeID != "" {
		id, err := parseUUIDString(*req.TargetNodeID)
		if err != nil {
			ErrBadRequest(w, "invalid target_node_id: must be a valid UUID")
			return
		}
		job.TargetNodeID = &id
		job.Status = store.JobQueued
	}

	if err := h.store.UpsertJob(r.Context(), job); err != nil {
		h.logger.Error("failed to create job", zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, jobToResponse(job))
}

// List handles GET /api/jobs, optionally filtered by ?status=.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	var status *store.JobStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		s := store.JobStatus(raw)
		if !s.Valid() {
			ErrBadRequest(w, "invalid status filter")
			return
		}
		status = &s
	}

	jobs, err := h.store.ListJobs(r.Context(), listLimit(r), status)
	if err != nil {
		h.logger.Error("failed to list jobs", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]jobResponse, len(jobs))
	for i := range jobs {
		items[i] = jobToResponse(&jobs[i])
	}
	Ok(w, items)
}

// GetByID handles GET /api/jobs/{id}.
func (h *JobHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	job, err := h.store.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get job", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, jobToResponse(job))
}

type jobLogResponse struct {
	Seq       uint64 `json:"seq"`
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Text      string `json:"text"`
}

// GetLogs handles GET /api/jobs/{id}/logs. Supports ?after= for
// incremental tailing and ?limit= (default 200, capped at 1000).
func (h *JobHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	limit := 200
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := parseIntQuery(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 1000 {
		limit = 1000
	}

	var afterSeq *uint64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := parseUintQuery(v)
		if err != nil {
			ErrBadRequest(w, "invalid after")
			return
		}
		afterSeq = &n
	}

	logs, err := h.store.ListJobLogs(r.Context(), id, limit, afterSeq)
	if err != nil {
		h.logger.Error("failed to list job logs", zap.String("job_id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]jobLogResponse, len(logs))
	for i, l := range logs {
		items[i] = jobLogResponse{
			Seq:       l.Seq,
			Timestamp: l.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"),
			Level:     string(l.Level),
			Text:      l.Text,
		}
	}
	Ok(w, items)
}

// updateJobStatusRequest is the body of POST /api/jobs/{id}/status.
type updateJobStatusRequest struct {
	Status        string  `json:"status"`
	LogPath       *string `json:"log_path,omitempty"`
	ResultSummary *string `json:"result_summary,omitempty"`
	ErrorMessage  *string `json:"error_message,omitempty"`
}

// UpdateStatus handles POST /api/jobs/{id}/status — the operator-facing
// equivalent of the node channel's job.status frame, accepting the same
// sparse fields as update_job_status. A terminal-to-anything transition is
// ignored (with a warning logged by the store), never surfaced as an error.
func (h *JobHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	var req updateJobStatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	status := store.JobStatus(req.Status)
	if !status.Valid() {
		ErrBadRequest(w, "invalid status")
		return
	}

	if err := h.store.UpdateJobStatus(r.Context(), id, store.StatusUpdate{
		Status:        status,
		LogPath:       req.LogPath,
		ResultSummary: req.ResultSummary,
		ErrorMessage:  req.ErrorMessage,
	}); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to update job status", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	job, err := h.store.GetJob(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to reload job after status update", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, jobToResponse(job))
}

// Expire handles POST /api/jobs/{id}/expire — the operator override that
// force-transitions a single RUNNING job to FAILED regardless of age.
func (h *JobHandler) Expire(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.store.ExpireJob(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrConflict(w, "job is not currently RUNNING")
			return
		}
		h.logger.Error("failed to expire job", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}
