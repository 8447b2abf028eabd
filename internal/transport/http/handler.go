package httptransport

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/vivektripaathi/remote-job-executor/internal/entity"
	"github.com/vivektripaathi/remote-job-executor/internal/service"
)

type Handler struct {
	jobSvc *service.JobService
}

func NewHandler(jobSvc *service.JobService) *Handler {
	return &Handler{jobSvc: jobSvc}
}

type createJobDTO struct {
	Command        string `json:"command"`
	Priority       string `json:"priority,omitempty"` // Low|Medium|High (empty => Medium)
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

type jobResp struct {
	ID                     string  `json:"id"`
	Command                string  `json:"command"`
	Priority               string  `json:"priority"`
	TimeoutSeconds         int     `json:"timeout_seconds"`
	Status                 string  `json:"status"`
	Stdout                 *string `json:"stdout,omitempty"`
	Stderr                 *string `json:"stderr,omitempty"`
	ExitCode               *int    `json:"exit_code,omitempty"`
	Reason                 string  `json:"reason,omitempty"`
	RemoteProcessID        *string `json:"remote_process_id,omitempty"`
	TerminationUnconfirmed bool    `json:"termination_unconfirmed,omitempty"`
	CreatedAt              string  `json:"created_at"`
	StartedAt              *string `json:"started_at,omitempty"`
	CompletedAt            *string `json:"completed_at,omitempty"`
}

type listJobsResp struct {
	Jobs  []jobResp `json:"jobs"`
	Total int       `json:"total"`
}

func toJobResp(j *entity.Job) jobResp {
	resp := jobResp{
		ID:                     j.ID.String(),
		Command:                j.Command,
		Priority:               string(j.Priority),
		TimeoutSeconds:         j.TimeoutSeconds,
		Status:                 string(j.Status),
		Stdout:                 j.Stdout,
		Stderr:                 j.Stderr,
		ExitCode:               j.ExitCode,
		Reason:                 string(j.Reason),
		RemoteProcessID:        j.RemoteProcessID,
		TerminationUnconfirmed: j.TerminationUnconfirmed,
		CreatedAt:              j.CreatedAt.Format(time.RFC3339),
	}
	if j.StartedAt != nil {
		s := j.StartedAt.Format(time.RFC3339)
		resp.StartedAt = &s
	}
	if j.CompletedAt != nil {
		s := j.CompletedAt.Format(time.RFC3339)
		resp.CompletedAt = &s
	}
	return resp
}

func parseID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	return id, err == nil
}

// CreateJob godoc
// @Summary Submit a command for remote execution
// @Description Persists the job as Queued and enqueues it for dispatch.
// @Tags jobs
// @Accept json
// @Produce json
// @Param request body createJobDTO true "job payload (priority: Low|Medium|High)"
// @Success 201 {object} jobResp
// @Failure 400 {object} apiError
// @Router /jobs [post]
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var dto createJobDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	j, err := h.jobSvc.CreateJob(r.Context(), service.CreateJobRequest{
		Command:        dto.Command,
		Priority:       entity.JobPriority(dto.Priority),
		TimeoutSeconds: dto.TimeoutSeconds,
	})
	if err != nil {
		writeDomainErr(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toJobResp(j))
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
	id, ok := parseID(r)
	if !ok {
		writeErr(w, http.StatusBadRequest, "invalid id")
		return
	}

	j, err := h.jobSvc.GetJob(r.Context(), id)
	if err != nil {
		writeDomainErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toJobResp(j))
}

// ListJobs godoc
// @Summary List jobs
// @Tags jobs
// @Produce json
// @Param status query string false "filter by status"
// @Param priority query string false "filter by priority"
// @Param sort_by query string false "created_at (default) or priority"
// @Param order query string false "asc (default) or desc"
// @Param limit query int false "page size"
// @Param offset query int false "page offset"
// @Success 200 {object} listJobsResp
// @Failure 400 {object} apiError
// @Router /jobs [get]
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	f, err := listFilterFromQuery(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}

	jobs, total, err := h.jobSvc.ListJobs(r.Context(), f)
	if err != nil {
		writeDomainErr(w, err)
		return
	}

	resp := listJobsResp{Jobs: make([]jobResp, 0, len(jobs)), Total: total}
	for i := range jobs {
		resp.Jobs = append(resp.Jobs, toJobResp(&jobs[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// CancelJob godoc
// @Summary Cancel a job
// @Description Cancels a queued job immediately or asks the dispatcher to stop a running one.
// @Tags jobs
// @Produce json
// @Param id path string true "job id (uuid)"
// @Success 200 {object} jobResp
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Failure 409 {object} apiError
// @Router /jobs/{id}/cancel [post]
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		writeErr(w, http.StatusBadRequest, "invalid id")
		return
	}

	j, err := h.jobSvc.CancelJob(r.Context(), id)
	if err != nil {
		writeDomainErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toJobResp(j))
}

// DeleteJob godoc
// @Summary Delete a terminal job
// @Tags jobs
// @Param id path string true "job id (uuid)"
// @Success 204 "deleted"
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Failure 409 {object} apiError
// @Router /jobs/{id} [delete]
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		writeErr(w, http.StatusBadRequest, "invalid id")
		return
	}

	if err := h.jobSvc.DeleteJob(r.Context(), id); err != nil {
		writeDomainErr(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func listFilterFromQuery(r *http.Request) (entity.ListFilter, error) {
	var f entity.ListFilter
	q := r.URL.Query()

	if s := q.Get("status"); s != "" {
		st := entity.JobStatus(s)
		switch st {
		case entity.StatusQueued, entity.StatusRunning, entity.StatusSuccess,
			entity.StatusFailed, entity.StatusCancelled:
		default:
			return f, errBadQuery("status", s)
		}
		f.Status = &st
	}
	if p := q.Get("priority"); p != "" {
		pr := entity.JobPriority(p)
		if !pr.Valid() {
			return f, errBadQuery("priority", p)
		}
		f.Priority = &pr
	}
	switch sortBy := q.Get("sort_by"); sortBy {
	case "", entity.SortByCreatedAt:
		f.SortBy = entity.SortByCreatedAt
	case entity.SortByPriority:
		f.SortBy = entity.SortByPriority
	default:
		return f, errBadQuery("sort_by", sortBy)
	}
	switch order := q.Get("order"); order {
	case "", "asc":
	case "desc":
		f.SortDesc = true
	default:
		return f, errBadQuery("order", order)
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			return f, errBadQuery("limit", l)
		}
		f.Limit = n
	}
	if o := q.Get("offset"); o != "" {
		n, err := strconv.Atoi(o)
		if err != nil || n < 0 {
			return f, errBadQuery("offset", o)
		}
		f.Offset = n
	}
	return f, nil
}

type queryError struct {
	param, value string
}

func errBadQuery(param, value string) error {
	return &queryError{param: param, value: value}
}

func (e *queryError) Error() string {
	return "invalid " + e.param + ": " + e.value
}
