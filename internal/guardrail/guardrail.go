// Package guardrail checks execution requests against their plan before any
// side effect happens.
package guardrail

import (
	"crypto/subtle"

	"caeplane/internal/apperr"
	"caeplane/internal/store"
)

// Request is what a caller asks to execute. Pointer fields distinguish an
// absent parameter from its zero value.
type Request struct {
	Plan             *store.SubmissionPlan
	ConfirmToken     string
	AllowlistTypeIDs []string
	MaxUploads       *int
	MinConfidence    *float64

	UseRealUploader bool
	// RealUploaderIntent is the explicit opt-in that must accompany UseRealUploader.
	RealUploaderIntent bool
}

// Limits are the validated execution bounds handed to the executor.
type Limits struct {
	AllowlistTypeIDs []string
	MaxUploads       int
	MinConfidence    float64
	Real             bool
}

// Allows reports whether typeID is on the allowlist.
func (l Limits) Allows(typeID string) bool {
	for _, id := range l.AllowlistTypeIDs {
		if id == typeID {
			return true
		}
	}
	return false
}

// Validate applies the rules in order and returns the first violation.
// The returned error is always an *apperr.Error.
func Validate(req Request) (Limits, error) {
	if req.Plan == nil {
		return Limits{}, apperr.New(apperr.PlanNotFound, "plan not found")
	}
	if !TokenMatches(req.Plan, req.ConfirmToken) {
		return Limits{}, apperr.New(apperr.InvalidConfirmToken, "confirm_token does not match plan %s", req.Plan.ID)
	}

	// Scope before intent.
	if req.UseRealUploader {
		if req.MaxUploads == nil || *req.MaxUploads != 1 || len(req.AllowlistTypeIDs) != 1 {
			return Limits{}, apperr.New(apperr.RealUploadGuardrailViolation,
				"real uploads require max_uploads=1 and exactly one allowlisted type")
		}
		if !req.RealUploaderIntent {
			return Limits{}, apperr.New(apperr.RealUploaderNotRequested, "real uploader requires explicit intent")
		}
	}

	switch {
	case len(req.AllowlistTypeIDs) == 0:
		return Limits{}, apperr.New(apperr.InvalidGuardrailParams, "allowlist_type_ids is required")
	case req.MaxUploads == nil:
		return Limits{}, apperr.New(apperr.InvalidGuardrailParams, "max_uploads is required")
	case *req.MaxUploads < 1:
		return Limits{}, apperr.New(apperr.InvalidGuardrailParams, "max_uploads must be at least 1")
	case req.MinConfidence == nil:
		return Limits{}, apperr.New(apperr.InvalidGuardrailParams, "min_confidence is required")
	case *req.MinConfidence < 0 || *req.MinConfidence > 1:
		return Limits{}, apperr.New(apperr.InvalidGuardrailParams, "min_confidence must be within [0,1]")
	}

	for _, id := range req.AllowlistTypeIDs {
		if id == "" {
			return Limits{}, apperr.New(apperr.InvalidGuardrailParams, "allowlist_type_ids contains an empty type id")
		}
	}

	return Limits{
		AllowlistTypeIDs: append([]string(nil), req.AllowlistTypeIDs...),
		MaxUploads:       *req.MaxUploads,
		MinConfidence:    *req.MinConfidence,
		Real:             req.UseRealUploader,
	}, nil
}

// TokenMatches compares a caller token with the plan's stored token in constant time.
func TokenMatches(plan *store.SubmissionPlan, token string) bool {
	if plan == nil || plan.ConfirmToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(plan.ConfirmToken), []byte(token)) == 1
}
