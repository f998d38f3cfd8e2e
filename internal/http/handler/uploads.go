package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/DCGM/docbroker/internal/application/broker"
	"github.com/DCGM/docbroker/internal/domain"
	"github.com/DCGM/docbroker/internal/http/response"
)

// maxUploadBody bounds a single artifact upload.
const maxUploadBody = 256 << 20 // 256MB

// uploadCodes maps artifact kind to its first-upload and re-upload codes.
var uploadCodes = map[broker.ArtifactKind][2]domain.Code{
	broker.KindImage: {domain.CodeImageUploaded, domain.CodeImageReuploaded},
	broker.KindAlto:  {domain.CodeAltoUploaded, domain.CodeAltoReuploaded},
	broker.KindPage:  {domain.CodePageUploaded, domain.CodePageReuploaded},
}

// UploadArtifact handles
// PUT /v1/jobs/{job_id}/images/{image_name}/files/{kind}.
func (s *Server) UploadArtifact(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	imageName := chi.URLParam(r, "image_name")
	kind := broker.ArtifactKind(chi.URLParam(r, "kind"))

	codes, known := uploadCodes[kind]
	if !known {
		response.Error(w, http.StatusNotFound, domain.CodeHTTPError,
			"Unknown artifact kind.", nil)
		return
	}

	data, err := uploadFile(r, "file", maxUploadBody)
	if err != nil {
		response.Error(w, http.StatusBadRequest, domain.CodeRequestValidationError,
			"Failed to read uploaded file.", nil)
		return
	}

	var outcome broker.UploadOutcome
	switch kind {
	case broker.KindImage:
		outcome, err = s.broker.UploadImage(r.Context(), caller(r), jobID, imageName, data)
	case broker.KindAlto:
		outcome, err = s.broker.UploadAlto(r.Context(), caller(r), jobID, imageName, data)
	case broker.KindPage:
		outcome, err = s.broker.UploadPage(r.Context(), caller(r), jobID, imageName, data)
	}
	if err != nil {
		response.FromError(w, r, err)
		return
	}

	writeUploadResponse(w, outcome, codes[0], codes[1])
}

// UploadMetaJSON handles PUT /v1/jobs/{job_id}/files/metadata.
func (s *Server) UploadMetaJSON(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}

	data, err := uploadFile(r, "file", maxJSONBody)
	if err != nil {
		response.Error(w, http.StatusBadRequest, domain.CodeRequestValidationError,
			"Failed to read uploaded metadata.", nil)
		return
	}

	outcome, err := s.broker.UploadMetaJSON(r.Context(), caller(r), jobID, data)
	if err != nil {
		response.FromError(w, r, err)
		return
	}
	writeUploadResponse(w, outcome, domain.CodeMetaJSONUploaded, domain.CodeMetaJSONReuploaded)
}

func writeUploadResponse(w http.ResponseWriter, outcome broker.UploadOutcome, created, reuploaded domain.Code) {
	data := map[string]bool{"queued": outcome.Queued}
	if outcome.Reuploaded {
		response.OK(w, http.StatusOK, reuploaded, "The file has been re-uploaded.", data)
		return
	}
	response.OK(w, http.StatusCreated, created, "The file has been uploaded.", data)
}

// DownloadArtifact handles
// GET /v1/jobs/{job_id}/images/{image_id}/files/{kind} for workers.
func (s *Server) DownloadArtifact(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	imageID, err := uuid.Parse(chi.URLParam(r, "image_id"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, domain.CodeRequestValidationError,
			"Invalid image id.", nil)
		return
	}
	kind := broker.ArtifactKind(chi.URLParam(r, "kind"))
	if _, known := uploadCodes[kind]; !known {
		response.Error(w, http.StatusNotFound, domain.CodeHTTPError,
			"Unknown artifact kind.", nil)
		return
	}

	data, err := s.broker.DownloadArtifact(r.Context(), caller(r), jobID, imageID, kind)
	if err != nil {
		response.FromError(w, r, err)
		return
	}

	contentType := "application/xml"
	if kind == broker.KindImage {
		contentType = "image/jpeg"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// DownloadMetaJSON handles GET /v1/jobs/{job_id}/files/metadata.
func (s *Server) DownloadMetaJSON(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}

	data, err := s.broker.DownloadMetaJSON(r.Context(), caller(r), jobID)
	if err != nil {
		response.FromError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
