package handler

import (
	"net/http"

	"github.com/DCGM/docbroker/internal/domain"
	"github.com/DCGM/docbroker/internal/http/response"
	"github.com/DCGM/docbroker/internal/metrics"
)

// ClaimJob handles POST /v1/jobs/lease: the worker asks for one job.
func (s *Server) ClaimJob(w http.ResponseWriter, r *http.Request) {
	job, lease, err := s.broker.ClaimJob(r.Context(), caller(r))
	if err != nil {
		response.FromError(w, r, err)
		return
	}

	if job == nil {
		response.OK(w, http.StatusOK, domain.CodeJobQueueEmpty,
			"No jobs are queued.", nil)
		return
	}

	metrics.JobsClaimed.Inc()
	response.OK(w, http.StatusOK, domain.CodeJobAssigned,
		"A job has been assigned.", toLeaseView(&job.ID, lease))
}

// Heartbeat handles PATCH /v1/jobs/{job_id}/lease.
func (s *Server) Heartbeat(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}

	lease, err := s.broker.Heartbeat(r.Context(), caller(r), jobID)
	if err != nil {
		response.FromError(w, r, err)
		return
	}
	response.OK(w, http.StatusOK, domain.CodeJobHeartbeatAccepted,
		"The lease has been renewed.", toLeaseView(nil, lease))
}

// ReleaseLease handles DELETE /v1/jobs/{job_id}/lease: the worker returns
// the job to the queue.
func (s *Server) ReleaseLease(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}

	if err := s.broker.ReleaseLease(r.Context(), caller(r), jobID); err != nil {
		response.FromError(w, r, err)
		return
	}
	response.NoContent(w)
}
