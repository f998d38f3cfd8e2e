package handler

import (
	"io"
	"net/http"
	"strconv"

	"github.com/DCGM/docbroker/internal/domain"
	"github.com/DCGM/docbroker/internal/http/response"
	"github.com/DCGM/docbroker/internal/metrics"
)

// maxResultBody bounds a result archive upload.
const maxResultBody = 2 << 30 // 2GB

// UploadResult handles POST /v1/jobs/{job_id}/result: the worker uploads
// the result ZIP. The archive is validated before it becomes visible.
func (s *Server) UploadResult(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}

	var body io.Reader
	if err := r.ParseMultipartForm(32 << 20); err == nil {
		file, _, ferr := r.FormFile("result")
		if ferr != nil {
			response.Error(w, http.StatusBadRequest, domain.CodeRequestValidationError,
				"Missing result file part.", nil)
			return
		}
		defer file.Close()
		body = file
	} else {
		body = http.MaxBytesReader(w, r.Body, maxResultBody)
	}

	if err := s.broker.UploadResult(r.Context(), caller(r), jobID, body); err != nil {
		response.FromError(w, r, err)
		return
	}
	response.OK(w, http.StatusOK, domain.CodeResultUploaded,
		"The result archive has been uploaded.", nil)
}

// DownloadResult handles GET /v1/jobs/{job_id}/result for owners.
func (s *Server) DownloadResult(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}

	file, size, err := s.broker.DownloadResult(r.Context(), caller(r), jobID)
	if err != nil {
		response.FromError(w, r, err)
		return
	}
	defer file.Close()

	metrics.ResultsDownloaded.Inc()
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Content-Disposition", `attachment; filename="`+jobID.String()+`.zip"`)
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, file)
}
