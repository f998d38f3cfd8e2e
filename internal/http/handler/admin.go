package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	appauth "github.com/DCGM/docbroker/internal/application/auth"
	"github.com/DCGM/docbroker/internal/application/broker"
	"github.com/DCGM/docbroker/internal/domain"
	"github.com/DCGM/docbroker/internal/http/response"
)

type createKeyRequest struct {
	Label string         `json:"label"`
	Role  domain.KeyRole `json:"role"`
}

// CreateKey handles POST /v1/admin/keys. The raw key appears in this
// response only; the server keeps just its digest.
func (s *Server) CreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(&req); err != nil || req.Label == "" {
		response.Error(w, http.StatusBadRequest, domain.CodeRequestValidationError,
			"A key label is required.", nil)
		return
	}
	if req.Role == "" {
		req.Role = domain.RoleUser
	}

	rawKey, key, err := appauth.MintKey(r.Context(), s.keys, s.secret, s.prefix, req.Label, req.Role)
	if err != nil {
		response.FromError(w, r, err)
		return
	}

	response.OK(w, http.StatusCreated, domain.CodeKeyCreated,
		"The key has been created. Store it now; it will not be shown again.",
		map[string]any{"key": rawKey, "record": toKeyView(key)})
}

// ListKeys handles GET /v1/admin/keys.
func (s *Server) ListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.keys.ListKeys(r.Context())
	if err != nil {
		response.FromError(w, r, err)
		return
	}

	views := make([]keyView, 0, len(keys))
	for _, key := range keys {
		views = append(views, toKeyView(key))
	}
	response.OK(w, http.StatusOK, domain.CodeKeysRetrieved,
		"Keys have been retrieved.", views)
}

type updateKeyRequest struct {
	Label  *string         `json:"label,omitempty"`
	Role   *domain.KeyRole `json:"role,omitempty"`
	Active *bool           `json:"active,omitempty"`
}

// UpdateKey handles PATCH /v1/admin/keys/{key_id}.
func (s *Server) UpdateKey(w http.ResponseWriter, r *http.Request) {
	keyID, err := uuid.Parse(chi.URLParam(r, "key_id"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, domain.CodeRequestValidationError,
			"Invalid key id.", nil)
		return
	}

	var req updateKeyRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, domain.CodeRequestValidationError,
			"Invalid request body.", nil)
		return
	}
	if req.Role != nil && !domain.ValidRole(*req.Role) {
		response.Error(w, http.StatusBadRequest, domain.CodeRequestValidationError,
			"Unknown role.", nil)
		return
	}

	key, err := s.keys.UpdateKey(r.Context(), keyID, broker.KeyUpdate{
		Label:  req.Label,
		Role:   req.Role,
		Active: req.Active,
	})
	if err != nil {
		response.FromError(w, r, err)
		return
	}
	response.OK(w, http.StatusOK, domain.CodeKeyUpdated,
		"The key has been updated.", toKeyView(key))
}

type createEngineRequest struct {
	Name       string          `json:"name"`
	Version    string          `json:"version"`
	Definition json.RawMessage `json:"definition,omitempty"`
	Default    bool            `json:"default"`
	Active     *bool           `json:"active,omitempty"`
}

// CreateEngine handles POST /v1/admin/engines.
func (s *Server) CreateEngine(w http.ResponseWriter, r *http.Request) {
	var req createEngineRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(&req); err != nil || req.Name == "" || req.Version == "" {
		response.Error(w, http.StatusBadRequest, domain.CodeRequestValidationError,
			"An engine name and version are required.", nil)
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}
	engine := &domain.Engine{
		ID:         uuid.New(),
		Name:       req.Name,
		Version:    req.Version,
		Definition: req.Definition,
		Default:    req.Default,
		Active:     active,
		Created:    time.Now().UTC(),
	}
	if err := s.broker.CreateEngine(r.Context(), engine); err != nil {
		response.FromError(w, r, err)
		return
	}
	response.OK(w, http.StatusCreated, domain.CodeEngineCreated,
		"The engine has been created.", toEngineView(engine, caller(r)))
}

type updateEngineRequest struct {
	Default *bool `json:"default,omitempty"`
	Active  *bool `json:"active,omitempty"`
}

// UpdateEngine handles PATCH /v1/admin/engines/{engine_id}.
func (s *Server) UpdateEngine(w http.ResponseWriter, r *http.Request) {
	engineID, err := uuid.Parse(chi.URLParam(r, "engine_id"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, domain.CodeRequestValidationError,
			"Invalid engine id.", nil)
		return
	}

	var req updateEngineRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, domain.CodeRequestValidationError,
			"Invalid request body.", nil)
		return
	}

	engine, err := s.broker.UpdateEngine(r.Context(), engineID, broker.EngineUpdate{
		Default: req.Default,
		Active:  req.Active,
	})
	if err != nil {
		response.FromError(w, r, err)
		return
	}
	response.OK(w, http.StatusOK, domain.CodeEngineUpdated,
		"The engine has been updated.", toEngineView(engine, caller(r)))
}

// ListEngines handles GET /v1/engines for all roles.
func (s *Server) ListEngines(w http.ResponseWriter, r *http.Request) {
	engines, err := s.broker.ListEngines(r.Context(), caller(r))
	if err != nil {
		response.FromError(w, r, err)
		return
	}

	views := make([]engineView, 0, len(engines))
	for _, engine := range engines {
		views = append(views, toEngineView(engine, caller(r)))
	}
	response.OK(w, http.StatusOK, domain.CodeEnginesRetrieved,
		"Engines have been retrieved.", views)
}
