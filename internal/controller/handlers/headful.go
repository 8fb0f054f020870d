package handlers

import (
	"net/http"

	"caeplane/internal/apperr"
	"caeplane/internal/headful"
	"caeplane/pkg/api"
)

// StartHeadfulRun handles POST /headful/runs.
func (h *Handlers) StartHeadfulRun(w http.ResponseWriter, r *http.Request) {
	if !h.headfulEnabled(w, r) {
		return
	}
	var req api.StartHeadfulRunRequest
	if err := decode(r, &req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.PlanID == "" {
		h.httpError(w, "plan_id is required", http.StatusBadRequest)
		return
	}

	run, err := h.headful.Start(r.Context(), req.PlanID, req.ConfirmToken)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJson(w, http.StatusCreated, toRunResponse(run))
}

// ExecuteHeadfulAction handles POST /headful/runs/{id}/actions.
// Each call submits at most one item through the run's browser.
func (h *Handlers) ExecuteHeadfulAction(w http.ResponseWriter, r *http.Request) {
	if !h.headfulEnabled(w, r) {
		return
	}
	var req api.HeadfulActionRequest
	if err := decode(r, &req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	res, err := h.headful.ExecuteAction(r.Context(), r.PathValue("id"), headful.ActionRequest{
		ConfirmToken:     req.ConfirmToken,
		AllowlistTypeIDs: req.AllowlistTypeIDs,
		MaxUploads:       req.MaxUploads,
		MinConfidence:    req.MinConfidence,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	resp := api.HeadfulActionResponse{
		Status:  api.StatusOK,
		RunID:   res.RunID,
		Summary: toSummary(res.Summary),
	}
	if res.Item != nil {
		item := toItemResult(*res.Item)
		resp.Item = &item
	}
	h.respondJson(w, http.StatusOK, resp)
}

// HeadfulRunStatus handles GET /headful/runs/{id}.
func (h *Handlers) HeadfulRunStatus(w http.ResponseWriter, r *http.Request) {
	if !h.headfulEnabled(w, r) {
		return
	}
	run, err := h.headful.Status(r.PathValue("id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, toRunResponse(run))
}

// CloseHeadfulRun handles DELETE /headful/runs/{id}.
func (h *Handlers) CloseHeadfulRun(w http.ResponseWriter, r *http.Request) {
	if !h.headfulEnabled(w, r) {
		return
	}
	run, err := h.headful.Close(r.PathValue("id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, toRunResponse(run))
}

func toRunResponse(run headful.Run) api.HeadfulRunResponse {
	keys := run.UploadedItemKeys
	if keys == nil {
		keys = []string{}
	}
	return api.HeadfulRunResponse{
		Status:           api.StatusOK,
		RunID:            run.RunID,
		PlanID:           run.PlanID,
		CompanyKey:       run.CompanyKey,
		PlatformID:       run.PlatformID,
		State:            string(run.State),
		StorageStateRef:  run.StorageStateRef,
		StartedAt:        run.StartedAt,
		LastActivityAt:   run.LastActivityAt,
		Actions:          run.Actions,
		UploadedItemKeys: keys,
	}
}

// headfulEnabled rejects the request when real uploads are switched off.
func (h *Handlers) headfulEnabled(w http.ResponseWriter, r *http.Request) bool {
	if h.headful == nil {
		h.respondError(w, r, apperr.New(apperr.RealUploaderUnavailable, "headful runs need real uploads to be enabled"))
		return false
	}
	return true
}
