package handler

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/DCGM/docbroker/internal/application/broker"
	"github.com/DCGM/docbroker/internal/domain"
	"github.com/DCGM/docbroker/internal/http/response"
	"github.com/DCGM/docbroker/internal/metrics"
)

const maxJSONBody = 1 << 20 // 1MB

// CreateJob handles POST /v1/jobs.
func (s *Server) CreateJob(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxJSONBody))
	if err != nil {
		response.Error(w, http.StatusBadRequest, domain.CodeRequestValidationError,
			"Failed to read request body.", nil)
		return
	}

	var params broker.CreateJobParams
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&params); err != nil {
		response.Error(w, http.StatusBadRequest, domain.CodeRequestValidationError,
			"Invalid job definition: "+err.Error(), nil)
		return
	}
	params.Definition = body

	job, err := s.broker.CreateJob(r.Context(), caller(r), params)
	if err != nil {
		response.FromError(w, r, err)
		return
	}

	metrics.JobsCreated.Inc()
	view := toJobView(job, nil, caller(r))
	response.OK(w, http.StatusCreated, domain.CodeJobCreated,
		"The job has been created.", view)
}

// ListJobs handles GET /v1/jobs.
func (s *Server) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.broker.ListJobs(r.Context(), caller(r))
	if err != nil {
		response.FromError(w, r, err)
		return
	}

	views := make([]jobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, toJobView(job, nil, caller(r)))
	}
	response.OK(w, http.StatusOK, domain.CodeJobsListed,
		"Jobs have been retrieved.", views)
}

// GetJob handles GET /v1/jobs/{job_id}.
func (s *Server) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}

	job, images, err := s.broker.GetJob(r.Context(), caller(r), jobID)
	if err != nil {
		response.FromError(w, r, err)
		return
	}
	response.OK(w, http.StatusOK, domain.CodeJobRetrieved,
		"The job details have been retrieved.", toJobView(job, images, caller(r)))
}

// ListJobImages handles GET /v1/jobs/{job_id}/images.
func (s *Server) ListJobImages(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}

	images, err := s.broker.ListImages(r.Context(), caller(r), jobID)
	if err != nil {
		response.FromError(w, r, err)
		return
	}

	internal := internalView(caller(r))
	views := make([]imageView, 0, len(images))
	for _, img := range images {
		iv := imageView{
			Name:          img.Name,
			Order:         img.Order,
			ImageHash:     img.ImageHash,
			ImageUploaded: img.ImageUploaded,
			AltoUploaded:  img.AltoUploaded,
			PageUploaded:  img.PageUploaded,
		}
		if internal {
			id := img.ID
			iv.ID = &id
		}
		views = append(views, iv)
	}
	response.OK(w, http.StatusOK, domain.CodeImagesRetrieved,
		"Images have been retrieved.", views)
}

// patchJobRequest is the polymorphic PATCH /v1/jobs/{job_id} body.
type patchJobRequest struct {
	State    *domain.ProcessingState `json:"state,omitempty"`
	Progress *float64                `json:"progress,omitempty"`
	Log      string                  `json:"log,omitempty"`
	LogUser  string                  `json:"log_user,omitempty"`
}

// PatchJob handles PATCH /v1/jobs/{job_id}: a user cancel, a worker
// finalization, or a worker progress update, depending on the body.
func (s *Server) PatchJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}

	var req patchJobRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, domain.CodeRequestValidationError,
			"Invalid request body.", nil)
		return
	}

	if req.State == nil {
		s.patchProgress(w, r, jobID, req)
		return
	}

	switch *req.State {
	case domain.StateCancelled:
		if err := s.broker.CancelJob(r.Context(), caller(r), jobID); err != nil {
			response.FromError(w, r, err)
			return
		}
		response.OK(w, http.StatusOK, domain.CodeJobCancelled,
			"The job has been cancelled.", nil)

	case domain.StateDone:
		code, err := s.broker.CompleteJob(r.Context(), caller(r), jobID)
		if err != nil {
			response.FromError(w, r, err)
			return
		}
		detail := "Job has been marked as completed."
		if code == domain.CodeJobAlreadyCompleted {
			detail = "Job was already marked as completed."
		} else {
			metrics.JobsCompleted.Inc()
		}
		response.OK(w, http.StatusOK, code, detail, nil)

	case domain.StateError:
		code, err := s.broker.FailJob(r.Context(), caller(r), jobID)
		if err != nil {
			response.FromError(w, r, err)
			return
		}
		detail := "Job has been marked as failed."
		if code == domain.CodeJobAlreadyFailed {
			detail = "Job was already marked as failed."
		} else {
			metrics.JobsFailed.Inc()
		}
		response.OK(w, http.StatusOK, code, detail, nil)

	default:
		response.Error(w, http.StatusBadRequest, domain.CodeRequestValidationError,
			"Requested state must be cancelled, done, or error.", nil)
	}
}

func (s *Server) patchProgress(w http.ResponseWriter, r *http.Request, jobID uuid.UUID, req patchJobRequest) {
	update := broker.ProgressUpdate{
		Progress: req.Progress,
		Log:      req.Log,
		LogUser:  req.LogUser,
	}
	_, lease, err := s.broker.UpdateProgress(r.Context(), caller(r), jobID, update)
	if err != nil {
		response.FromError(w, r, err)
		return
	}
	response.OK(w, http.StatusOK, domain.CodeJobUpdated,
		"The job has been updated.", toLeaseView(nil, lease))
}
