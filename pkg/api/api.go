// Package api contains shared JSON request/response structs.
// This package is shared between the CLI and Controller.
package api

import "time"

// Response status values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// RealUploaderIntentHeader must be "true" on any request that may touch the portal.
const RealUploaderIntentHeader = "X-Real-Uploader-Intent"

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Status      string            `json:"status"`
	ErrorCode   string            `json:"error_code"`
	Message     string            `json:"message"`
	Details     map[string]string `json:"details,omitempty"`
	EvidenceRef string            `json:"evidence_ref,omitempty"`
}

// BuildPlanRequest is the request body for POST /plans.
type BuildPlanRequest struct {
	CompanyKey string   `json:"company_key"`
	PlatformID string   `json:"platform_id"`
	TypeIDs    []string `json:"type_ids,omitempty"`
	SubjectIDs []string `json:"subject_ids,omitempty"`
	PeriodKeys []string `json:"period_keys,omitempty"`
}

// BuildPlanResponse is returned once a plan is stored.
type BuildPlanResponse struct {
	Status       string         `json:"status"`
	PlanID       string         `json:"plan_id"`
	ConfirmToken string         `json:"confirm_token"`
	Total        int            `json:"total"`
	Counts       map[string]int `json:"counts"`
}

// Scope mirrors the plan scope.
type Scope struct {
	CompanyKey string   `json:"company_key"`
	PlatformID string   `json:"platform_id"`
	TypeIDs    []string `json:"type_ids,omitempty"`
	SubjectIDs []string `json:"subject_ids,omitempty"`
	PeriodKeys []string `json:"period_keys,omitempty"`
}

// PlanItem is one decision in a plan.
type PlanItem struct {
	PendingItemKey string  `json:"pending_item_key"`
	TypeID         string  `json:"type_id"`
	SubjectID      string  `json:"subject_id"`
	PeriodKey      string  `json:"period_key"`
	MatchedDoc     *string `json:"matched_doc"`
	SuggestedDoc   *string `json:"suggested_doc,omitempty"`
	Decision       string  `json:"decision"`
	DecisionReason string  `json:"decision_reason"`
	Confidence     float64 `json:"confidence"`
}

// PlanResponse is the response body for GET /plans/{id}.
type PlanResponse struct {
	Status          string     `json:"status"`
	PlanID          string     `json:"plan_id"`
	ConfirmToken    string     `json:"confirm_token"`
	Scope           Scope      `json:"scope"`
	SnapshotTakenAt time.Time  `json:"snapshot_taken_at"`
	CreatedAt       time.Time  `json:"created_at"`
	Items           []PlanItem `json:"items"`
}

// ExecutePlanRequest is the request body for POST /plans/{id}/execute.
// Nil pointers mean the caller did not supply the limit.
type ExecutePlanRequest struct {
	ConfirmToken     string   `json:"confirm_token"`
	AllowlistTypeIDs []string `json:"allowlist_type_ids"`
	MaxUploads       *int     `json:"max_uploads"`
	MinConfidence    *float64 `json:"min_confidence"`
	UseRealUploader  bool     `json:"use_real_uploader"`
}

// ExecutionSummary aggregates item outcomes.
type ExecutionSummary struct {
	Total    int `json:"total"`
	Eligible int `json:"eligible"`
	Uploaded int `json:"uploaded"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// ItemResult records what happened to one plan item.
type ItemResult struct {
	PendingItemKey string            `json:"pending_item_key"`
	TypeID         string            `json:"type_id"`
	DocID          *string           `json:"doc_id,omitempty"`
	Decision       string            `json:"decision"`
	Outcome        string            `json:"outcome"`
	Reason         string            `json:"reason"`
	Details        map[string]string `json:"details,omitempty"`
	EvidenceRef    string            `json:"evidence_ref,omitempty"`
}

// ExecutionResponse is the result of executing a plan.
type ExecutionResponse struct {
	Status     string           `json:"status"`
	PlanID     string           `json:"plan_id"`
	Mode       string           `json:"mode"`
	Executed   bool             `json:"executed"`
	Replayed   bool             `json:"replayed"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Summary    ExecutionSummary `json:"summary"`
	Items      []ItemResult     `json:"items"`
}

// StartHeadfulRunRequest is the request body for POST /headful/runs.
type StartHeadfulRunRequest struct {
	PlanID       string `json:"plan_id"`
	ConfirmToken string `json:"confirm_token"`
}

// HeadfulRunResponse describes a headful run.
type HeadfulRunResponse struct {
	Status           string    `json:"status"`
	RunID            string    `json:"run_id"`
	PlanID           string    `json:"plan_id"`
	CompanyKey       string    `json:"company_key"`
	PlatformID       string    `json:"platform_id"`
	State            string    `json:"state"`
	StorageStateRef  string    `json:"storage_state_ref"`
	StartedAt        time.Time `json:"started_at"`
	LastActivityAt   time.Time `json:"last_activity_at"`
	Actions          int       `json:"actions"`
	UploadedItemKeys []string  `json:"uploaded_item_keys"`
}

// HeadfulActionRequest is the request body for POST /headful/runs/{id}/actions.
type HeadfulActionRequest struct {
	ConfirmToken     string   `json:"confirm_token"`
	AllowlistTypeIDs []string `json:"allowlist_type_ids"`
	MaxUploads       *int     `json:"max_uploads"`
	MinConfidence    *float64 `json:"min_confidence"`
}

// HeadfulActionResponse is the result of one headful action.
type HeadfulActionResponse struct {
	Status  string           `json:"status"`
	RunID   string           `json:"run_id"`
	Item    *ItemResult      `json:"item,omitempty"`
	Summary ExecutionSummary `json:"summary"`
}

// HealthResponse is returned by the probes.
type HealthResponse struct {
	Status string `json:"status"`
}
