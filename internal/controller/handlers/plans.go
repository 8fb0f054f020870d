package handlers

import (
	"net/http"
	"strings"

	"caeplane/internal/store"
	"caeplane/internal/submission"
	"caeplane/pkg/api"
)

// BuildPlan handles POST /plans.
// It snapshots the scope, decides every item and stores the frozen plan.
func (h *Handlers) BuildPlan(w http.ResponseWriter, r *http.Request) {
	var req api.BuildPlanRequest
	if err := decode(r, &req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	res, err := h.plans.BuildPlan(r.Context(), store.Scope{
		CompanyKey: req.CompanyKey,
		PlatformID: req.PlatformID,
		TypeIDs:    req.TypeIDs,
		SubjectIDs: req.SubjectIDs,
		PeriodKeys: req.PeriodKeys,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respondJson(w, http.StatusCreated, api.BuildPlanResponse{
		Status:       api.StatusOK,
		PlanID:       res.PlanID,
		ConfirmToken: res.ConfirmToken,
		Total:        res.Total,
		Counts:       res.Counts,
	})
}

// GetPlan handles GET /plans/{id}.
func (h *Handlers) GetPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := h.plans.GetPlan(r.Context(), r.PathValue("id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, toPlanResponse(plan))
}

// ExecutePlan handles POST /plans/{id}/execute.
// Real uploads additionally need the intent header set to "true".
func (h *Handlers) ExecutePlan(w http.ResponseWriter, r *http.Request) {
	var req api.ExecutePlanRequest
	if err := decode(r, &req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	result, err := h.plans.ExecutePlan(r.Context(), r.PathValue("id"), submission.ExecuteParams{
		ConfirmToken:       req.ConfirmToken,
		AllowlistTypeIDs:   req.AllowlistTypeIDs,
		MaxUploads:         req.MaxUploads,
		MinConfidence:      req.MinConfidence,
		UseRealUploader:    req.UseRealUploader,
		RealUploaderIntent: strings.EqualFold(r.Header.Get(api.RealUploaderIntentHeader), "true"),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, toExecutionResponse(result))
}

func toPlanResponse(p *store.SubmissionPlan) api.PlanResponse {
	items := make([]api.PlanItem, 0, len(p.Items))
	for _, it := range p.Items {
		items = append(items, api.PlanItem{
			PendingItemKey: it.PendingItemKey,
			TypeID:         it.TypeID,
			SubjectID:      it.SubjectID,
			PeriodKey:      it.PeriodKey,
			MatchedDoc:     it.MatchedDocID,
			SuggestedDoc:   it.SuggestedDocID,
			Decision:       it.Decision.String(),
			DecisionReason: it.Reason,
			Confidence:     it.Confidence,
		})
	}
	return api.PlanResponse{
		Status:       api.StatusOK,
		PlanID:       p.ID,
		ConfirmToken: p.ConfirmToken,
		Scope: api.Scope{
			CompanyKey: p.Scope.CompanyKey,
			PlatformID: p.Scope.PlatformID,
			TypeIDs:    p.Scope.TypeIDs,
			SubjectIDs: p.Scope.SubjectIDs,
			PeriodKeys: p.Scope.PeriodKeys,
		},
		SnapshotTakenAt: p.SnapshotTakenAt,
		CreatedAt:       p.CreatedAt,
		Items:           items,
	}
}

func toSummary(s store.ExecutionSummary) api.ExecutionSummary {
	return api.ExecutionSummary{
		Total:    s.Total,
		Eligible: s.Eligible,
		Uploaded: s.Uploaded,
		Skipped:  s.Skipped,
		Failed:   s.Failed,
	}
}

func toItemResult(r store.ItemResult) api.ItemResult {
	return api.ItemResult{
		PendingItemKey: r.PendingItemKey,
		TypeID:         r.TypeID,
		DocID:          r.DocID,
		Decision:       r.Decision.String(),
		Outcome:        string(r.Outcome),
		Reason:         r.Reason,
		Details:        r.Details,
		EvidenceRef:    r.EvidenceRef,
	}
}

func toExecutionResponse(res *store.ExecutionResult) api.ExecutionResponse {
	items := make([]api.ItemResult, 0, len(res.Items))
	for _, it := range res.Items {
		items = append(items, toItemResult(it))
	}
	return api.ExecutionResponse{
		Status:     api.StatusOK,
		PlanID:     res.PlanID,
		Mode:       string(res.Mode),
		Executed:   res.Executed,
		Replayed:   res.Replayed,
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
		Summary:    toSummary(res.Summary),
		Items:      items,
	}
}
