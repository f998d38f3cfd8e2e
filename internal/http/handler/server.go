// Package handler implements the HTTP surface of the broker.
package handler

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	appauth "github.com/DCGM/docbroker/internal/application/auth"
	"github.com/DCGM/docbroker/internal/application/broker"
	"github.com/DCGM/docbroker/internal/domain"
	"github.com/DCGM/docbroker/internal/http/middleware"
	"github.com/DCGM/docbroker/internal/http/response"
)

// Server bundles the services the handlers run on.
type Server struct {
	broker *broker.Service
	keys   appauth.Repository
	secret string
	prefix string
}

// NewServer constructs the handler set.
func NewServer(brokerSvc *broker.Service, keys appauth.Repository, hmacSecret, keyPrefix string) *Server {
	return &Server{broker: brokerSvc, keys: keys, secret: hmacSecret, prefix: keyPrefix}
}

// caller returns the authenticated key injected by the auth middleware.
func caller(r *http.Request) *domain.Key {
	return middleware.CallerFromContext(r.Context())
}

// jobIDParam parses the {job_id} path parameter.
func jobIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "job_id"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, domain.CodeRequestValidationError,
			"Invalid job id.", nil)
		return uuid.Nil, false
	}
	return id, true
}

// uploadFile reads the uploaded payload: the named multipart file part
// when the request is multipart, the raw body otherwise.
func uploadFile(r *http.Request, field string, limit int64) ([]byte, error) {
	if err := r.ParseMultipartForm(limit); err == nil {
		file, _, err := r.FormFile(field)
		if err != nil {
			return nil, err
		}
		defer file.Close()
		return io.ReadAll(io.LimitReader(file, limit))
	}
	return io.ReadAll(io.LimitReader(r.Body, limit))
}
