// Package http wires the chi router for the broker API.
package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	appauth "github.com/DCGM/docbroker/internal/application/auth"
	"github.com/DCGM/docbroker/internal/domain"
	"github.com/DCGM/docbroker/internal/http/handler"
	mw "github.com/DCGM/docbroker/internal/http/middleware"
)

// Realm is reported in WWW-Authenticate challenges.
const Realm = "docbroker"

// New configures middleware and all routes.
func New(server *handler.Server, authenticator *appauth.Authenticator) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	auth := mw.NewAuth(authenticator, Realm)

	// Unauthenticated operational endpoints.
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(`{"status":"ok"}`)); err != nil {
			slog.ErrorContext(req.Context(), "failed to write health response", "error", err)
		}
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.With(auth.RequireRoles(domain.RoleReadonly, domain.RoleUser, domain.RoleWorker)).
			Get("/me", server.Me)
		r.With(auth.RequireRoles(domain.RoleReadonly, domain.RoleUser, domain.RoleWorker)).
			Get("/engines", server.ListEngines)

		r.Route("/jobs", func(r chi.Router) {
			r.With(auth.RequireRoles(domain.RoleUser)).Post("/", server.CreateJob)
			r.With(auth.RequireRoles(domain.RoleReadonly, domain.RoleUser)).Get("/", server.ListJobs)

			// Worker queue claim.
			r.With(auth.RequireRoles(domain.RoleWorker)).Post("/lease", server.ClaimJob)

			r.Route("/{job_id}", func(r chi.Router) {
				r.With(auth.RequireRoles(domain.RoleReadonly, domain.RoleUser, domain.RoleWorker)).
					Get("/", server.GetJob)
				r.With(auth.RequireRoles(domain.RoleUser, domain.RoleWorker)).
					Patch("/", server.PatchJob)
				r.With(auth.RequireRoles(domain.RoleReadonly, domain.RoleUser, domain.RoleWorker)).
					Get("/images", server.ListJobImages)

				// Worker lease operations.
				r.With(auth.RequireRoles(domain.RoleWorker)).Patch("/lease", server.Heartbeat)
				r.With(auth.RequireRoles(domain.RoleWorker)).Delete("/lease", server.ReleaseLease)

				// Owner artifact uploads.
				r.With(auth.RequireRoles(domain.RoleUser)).
					Put("/images/{image_name}/files/{kind}", server.UploadArtifact)
				r.With(auth.RequireRoles(domain.RoleUser)).
					Put("/files/metadata", server.UploadMetaJSON)

				// Worker artifact downloads.
				r.With(auth.RequireRoles(domain.RoleWorker)).
					Get("/images/{image_id}/files/{kind}", server.DownloadArtifact)
				r.With(auth.RequireRoles(domain.RoleWorker)).
					Get("/files/metadata", server.DownloadMetaJSON)

				// Results.
				r.With(auth.RequireRoles(domain.RoleWorker)).Post("/result", server.UploadResult)
				r.With(auth.RequireRoles(domain.RoleReadonly, domain.RoleUser)).
					Get("/result", server.DownloadResult)
			})
		})

		// Admin-only credential and engine management. RequireRoles with no
		// listed roles admits ADMIN alone.
		r.Route("/admin", func(r chi.Router) {
			r.Use(auth.RequireRoles())
			r.Post("/keys", server.CreateKey)
			r.Get("/keys", server.ListKeys)
			r.Patch("/keys/{key_id}", server.UpdateKey)
			r.Post("/engines", server.CreateEngine)
			r.Get("/engines", server.ListEngines)
			r.Patch("/engines/{engine_id}", server.UpdateEngine)
		})
	})

	return r
}
