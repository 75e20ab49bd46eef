// Package httpapi implements the "Job submission surface" of spec.md
// §6: one submission endpoint per registered job_type plus a status
// endpoint by job_id. Grounded on the teacher's internal/handlers
// package (thin gin handlers delegating to a service, RespondOK/
// RespondError envelopes) with the job-type-specific routing spec.md
// calls for served by a single POST /jobs/:job_type route whose
// job_type is resolved against the registry at submit time.
package httpapi

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/geoflow/orchestrator/internal/controller"
	"github.com/geoflow/orchestrator/internal/errdomain"
	"github.com/geoflow/orchestrator/internal/repos"
)

// JobsHandler serves the submit-by-job-type and status-by-job-id
// endpoints.
type JobsHandler struct {
	Controller *controller.Controller
}

func NewJobsHandler(c *controller.Controller) *JobsHandler {
	return &JobsHandler{Controller: c}
}

type submitResponse struct {
	JobID          string `json:"job_id"`
	AlreadyExisted bool   `json:"already_existed"`
	MonitorURI     string `json:"monitor_uri"`
}

// Submit handles POST /jobs/:job_type. The request body is the raw
// parameters object; schema validation happens inside Controller.Submit
// against the registered job type, not here.
func (h *JobsHandler) Submit(c *gin.Context) {
	jobType := c.Param("job_type")

	var parameters map[string]any
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&parameters); err != nil {
			respondError(c, http.StatusBadRequest, "malformed_body", err)
			return
		}
	}
	if parameters == nil {
		parameters = map[string]any{}
	}

	res, err := h.Controller.Submit(c.Request.Context(), jobType, parameters)
	if err != nil {
		respondSubmitError(c, err)
		return
	}

	respondOK(c, submitResponse{
		JobID:          res.JobID,
		AlreadyExisted: res.AlreadyExisted,
		MonitorURI:     fmt.Sprintf("/jobs/%s", res.JobID),
	})
}

type statusResponse struct {
	JobID        string `json:"job_id"`
	JobType      string `json:"job_type"`
	Status       string `json:"status"`
	Stage        int    `json:"stage"`
	TotalStages  int    `json:"total_stages"`
	ResultData   any    `json:"result_data,omitempty"`
	ErrorDetails string `json:"error_details,omitempty"`
}

// GetStatus handles GET /jobs/:job_id.
func (h *JobsHandler) GetStatus(c *gin.Context) {
	jobID := c.Param("job_id")

	job, err := h.Controller.Jobs.GetJobByID(repos.DBContext{Ctx: c.Request.Context()}, jobID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "store_error", err)
		return
	}
	if job == nil {
		respondError(c, http.StatusNotFound, "job_not_found", fmt.Errorf("no job with id %q", jobID))
		return
	}

	resp := statusResponse{
		JobID:        job.JobID,
		JobType:      job.JobType,
		Status:       job.Status,
		Stage:        job.Stage,
		TotalStages:  job.TotalStages,
		ErrorDetails: job.ErrorDetails,
	}
	if len(job.ResultData) > 0 {
		resp.ResultData = job.ResultData
	}
	respondOK(c, resp)
}

func respondSubmitError(c *gin.Context, err error) {
	var unknownType *errdomain.UnknownJobType
	var validation *errdomain.ValidationError
	var preflight *errdomain.PreflightError
	switch {
	case errors.As(err, &unknownType):
		respondError(c, http.StatusNotFound, "unknown_job_type", err)
	case errors.As(err, &validation):
		respondError(c, http.StatusBadRequest, "validation_failed", err)
	case errors.As(err, &preflight):
		respondError(c, http.StatusUnprocessableEntity, "preflight_failed", err)
	default:
		respondError(c, http.StatusInternalServerError, "submit_failed", err)
	}
}
