package httptransport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"job-queue-service/internal/entity"
	"job-queue-service/internal/service"
)

// Admin is the retry / dead-letter side of the API
// (implementation: service.Controller).
type Admin interface {
	Retry(ctx context.Context, id uuid.UUID) error
	MoveToDeadLetter(ctx context.Context, id uuid.UUID) error
	DeadLetters(ctx context.Context, offset, limit int64) ([]string, error)
}

type Handler struct {
	jobSvc *service.JobService
	admin  Admin
	log    *slog.Logger
}

func NewHandler(jobSvc *service.JobService, admin Admin, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{jobSvc: jobSvc, admin: admin, log: log}
}

type createJobDTO struct {
	Type     string          `json:"type"`
	Priority string          `json:"priority,omitempty"` // "default" (when empty) or "high"
	Payload  json.RawMessage `json:"payload" swaggertype:"object"`
}

type createJobResp struct {
	JobID string `json:"jobId"`
}

type jobResp struct {
	ID        string           `json:"id"`
	Type      string           `json:"type"`
	Priority  entity.Priority  `json:"priority"`
	Status    entity.JobStatus `json:"status"`
	Attempts  int              `json:"attempts"`
	Payload   json.RawMessage  `json:"payload" swaggertype:"object"`
	Result    json.RawMessage  `json:"result,omitempty" swaggertype:"object"`
	Error     *string          `json:"error,omitempty"`
	CreatedAt string           `json:"createdAt"`
	UpdatedAt string           `json:"updatedAt"`
}

type jobListResp struct {
	Jobs []jobResp `json:"jobs"`
}

type dlqResp struct {
	JobIDs []string `json:"jobIds"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func toJobResp(j *entity.Job) jobResp {
	return jobResp{
		ID:        j.ID.String(),
		Type:      j.Type,
		Priority:  j.Priority,
		Status:    j.Status,
		Attempts:  j.Attempts,
		Payload:   j.Payload,
		Result:    j.Result,
		Error:     j.Error,
		CreatedAt: j.CreatedAt.Format(time.RFC3339),
		UpdatedAt: j.UpdatedAt.Format(time.RFC3339),
	}
}

// writeServiceErr writes err with the status errorStatus picks. Internal
// errors are logged and not echoed to the client.
func (h *Handler) writeServiceErr(w http.ResponseWriter, r *http.Request, err error) {
	switch code := errorStatus(err); code {
	case http.StatusInternalServerError:
		h.log.ErrorContext(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
		writeErr(w, code, "internal error")
	case http.StatusNotFound:
		writeErr(w, code, "job not found")
	default:
		writeErr(w, code, err.Error())
	}
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, entity.Validationf("%s must be a non-negative integer", key)
	}
	return n, nil
}

func pageParams(r *http.Request) (limit, offset int, err error) {
	if limit, err = queryInt(r, "limit"); err != nil {
		return 0, 0, err
	}
	if offset, err = queryInt(r, "offset"); err != nil {
		return 0, 0, err
	}
	return limit, offset, nil
}

// CreateJob godoc
// @Summary Create a new job
// @Description Stores the job as pending and pushes it onto the lane of its priority.
// @Tags jobs
// @Accept json
// @Produce json
// @Param request body createJobDTO true "job (priority: default|high)"
// @Success 201 {object} createJobResp
// @Failure 400 {object} apiError
// @Failure 500 {object} apiError
// @Router /jobs [post]
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var dto createJobDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	id, err := h.jobSvc.CreateJob(r.Context(), service.CreateJobRequest{
		Type:     dto.Type,
		Priority: dto.Priority,
		Payload:  dto.Payload,
	})
	if err != nil {
		h.writeServiceErr(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, createJobResp{JobID: id.String()})
}

// GetJob godoc
// @Summary Get job by id
// @Tags jobs
// @Produce json
// @Param id path string true "job id (uuid)"
// @Success 200 {object} jobResp
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Router /jobs/{id} [get]
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	j, err := h.jobSvc.GetJob(r.Context(), id)
	if err != nil {
		h.writeServiceErr(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toJobResp(j))
}

// ListJobs godoc
// @Summary List jobs
// @Tags admin
// @Produce json
// @Param status query string false "pending|processing|completed|failed"
// @Param type query string false "job type"
// @Param priority query string false "default|high"
// @Param limit query int false "page size (default 50, max 500)"
// @Param offset query int false "rows to skip"
// @Success 200 {object} jobListResp
// @Failure 400 {object} apiError
// @Security BasicAuth
// @Router /admin/jobs [get]
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset, err := pageParams(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	f := entity.ListFilter{Type: q.Get("type"), Limit: limit, Offset: offset}

	if s := q.Get("status"); s != "" {
		f.Status = entity.JobStatus(s)
		if !f.Status.Valid() {
			writeErr(w, http.StatusBadRequest, "invalid status")
			return
		}
	}
	if p := q.Get("priority"); p != "" {
		if f.Priority, err = entity.ParsePriority(p); err != nil {
			writeErr(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	h.writeList(w, r, f)
}

// ListFailed godoc
// @Summary List failed jobs, most recently updated first
// @Tags admin
// @Produce json
// @Param limit query int false "page size (default 50, max 500)"
// @Param offset query int false "rows to skip"
// @Success 200 {object} jobListResp
// @Failure 400 {object} apiError
// @Security BasicAuth
// @Router /admin/failed [get]
func (h *Handler) ListFailed(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageParams(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	h.writeList(w, r, entity.ListFilter{
		Status:         entity.StatusFailed,
		Limit:          limit,
		Offset:         offset,
		OrderByUpdated: true,
	})
}

func (h *Handler) writeList(w http.ResponseWriter, r *http.Request, f entity.ListFilter) {
	jobs, err := h.jobSvc.ListJobs(r.Context(), f)
	if err != nil {
		h.writeServiceErr(w, r, err)
		return
	}
	resp := jobListResp{Jobs: make([]jobResp, 0, len(jobs))}
	for _, j := range jobs {
		resp.Jobs = append(resp.Jobs, toJobResp(j))
	}
	writeJSON(w, http.StatusOK, resp)
}

// RetryJob godoc
// @Summary Retry a failed job
// @Description Resets attempts and error and re-enqueues with the original priority.
// @Tags admin
// @Produce json
// @Param id path string true "job id (uuid)"
// @Success 200 {object} okResp
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Security BasicAuth
// @Router /admin/jobs/{id}/retry [post]
func (h *Handler) RetryJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if err := h.admin.Retry(r.Context(), id); err != nil {
		h.writeServiceErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okResp{OK: true})
}

// DeadLetterJob godoc
// @Summary Move a job to the dead-letter list
// @Tags admin
// @Produce json
// @Param id path string true "job id (uuid)"
// @Success 200 {object} okResp
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Security BasicAuth
// @Router /admin/jobs/{id}/dlq [post]
func (h *Handler) DeadLetterJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if err := h.admin.MoveToDeadLetter(r.Context(), id); err != nil {
		h.writeServiceErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okResp{OK: true})
}

// ListDeadLetters godoc
// @Summary List ids on the dead-letter list, oldest first
// @Tags admin
// @Produce json
// @Param limit query int false "page size (default 50)"
// @Param offset query int false "entries to skip"
// @Success 200 {object} dlqResp
// @Failure 400 {object} apiError
// @Security BasicAuth
// @Router /admin/dlq [get]
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageParams(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	ids, err := h.admin.DeadLetters(r.Context(), int64(offset), int64(limit))
	if err != nil {
		h.writeServiceErr(w, r, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, dlqResp{JobIDs: ids})
}
