// Package handlers contains HTTP handlers for the controller API.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"caeplane/internal/apperr"
	"caeplane/internal/headful"
	"caeplane/internal/logger"
	"caeplane/internal/store"
	"caeplane/internal/submission"
	"caeplane/pkg/api"
)

// PlanService is the plan side of the API.
type PlanService interface {
	BuildPlan(ctx context.Context, scope store.Scope) (*submission.BuildResult, error)
	GetPlan(ctx context.Context, id string) (*store.SubmissionPlan, error)
	ExecutePlan(ctx context.Context, id string, params submission.ExecuteParams) (*store.ExecutionResult, error)
}

// HeadfulService manages interactive browser runs.
type HeadfulService interface {
	Start(ctx context.Context, planID, confirmToken string) (headful.Run, error)
	ExecuteAction(ctx context.Context, runID string, req headful.ActionRequest) (headful.ActionResult, error)
	Status(runID string) (headful.Run, error)
	Close(runID string) (headful.Run, error)
}

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	plans   PlanService
	headful HeadfulService
	store   Pinger
	logger  *slog.Logger
}

// New creates a new Handlers instance.
func New(plans PlanService, headful HeadfulService, store Pinger, logger *slog.Logger) *Handlers {
	return &Handlers{plans: plans, headful: headful, store: store, logger: logger}
}

// A helper function to write standard JSON responses.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to return consistent error messages for malformed requests.
func (h *Handlers) httpError(w http.ResponseWriter, message string, code int) {
	h.respondJson(w, code, api.ErrorResponse{
		Status:    api.StatusError,
		ErrorCode: string(apperr.InvalidRequest),
		Message:   message,
	})
}

// respondError maps err onto its stable code and HTTP status. Errors without
// a code are logged and reported as internal_error.
func (h *Handlers) respondError(w http.ResponseWriter, r *http.Request, err error) {
	ae := apperr.As(err)
	if ae.Code == apperr.Internal {
		logger.FromContext(r.Context(), h.logger).Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		h.respondJson(w, http.StatusInternalServerError, api.ErrorResponse{
			Status:    api.StatusError,
			ErrorCode: string(apperr.Internal),
			Message:   "internal error",
		})
		return
	}

	h.respondJson(w, StatusFor(ae.Code), api.ErrorResponse{
		Status:      api.StatusError,
		ErrorCode:   string(ae.Code),
		Message:     ae.Message,
		Details:     ae.Details,
		EvidenceRef: ae.EvidenceRef,
	})
}

// StatusFor returns the HTTP status for an error code.
func StatusFor(code apperr.Code) int {
	switch code {
	case apperr.PlanNotFound, apperr.HeadfulRunNotFound:
		return http.StatusNotFound
	case apperr.InvalidConfirmToken:
		return http.StatusForbidden
	case apperr.HeadfulRunAlreadyActive, apperr.HeadfulActionInProgress, apperr.ExecutionInProgress:
		return http.StatusConflict
	}

	switch apperr.KindOf(code) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindPrecondition:
		return http.StatusPreconditionFailed
	case apperr.KindPortal:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func decode(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
