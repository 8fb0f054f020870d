package handlers

import (
	"net/http"

	"caeplane/pkg/api"
)

// Healthz is a liveness probe.
// It returns 200 OK if the server is running.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	h.respondJson(w, http.StatusOK, api.HealthResponse{Status: api.StatusOK})
}

// Readyz is a readiness probe. It fails while the store is unreachable.
func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.respondJson(w, http.StatusServiceUnavailable, api.ErrorResponse{
			Status:    api.StatusError,
			ErrorCode: "store_unavailable",
			Message:   "store unavailable",
		})
		return
	}
	h.respondJson(w, http.StatusOK, api.HealthResponse{Status: api.StatusOK})
}
