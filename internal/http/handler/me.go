package handler

import (
	"net/http"

	"github.com/DCGM/docbroker/internal/domain"
	"github.com/DCGM/docbroker/internal/http/response"
)

// Me handles GET /v1/me: the caller's own key record.
func (s *Server) Me(w http.ResponseWriter, r *http.Request) {
	response.OK(w, http.StatusOK, domain.CodeAPIKeyValid,
		"The API key is valid.", toKeyView(caller(r)))
}
