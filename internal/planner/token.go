package planner

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"caeplane/internal/store"

	"github.com/gowebpki/jcs"
)

const tokenPrefix = "ct_"

type tokenItem struct {
	Key      string `json:"pending_item_key"`
	Decision string `json:"decision"`
}

type tokenPayload struct {
	PlanID string      `json:"plan_id"`
	Items  []tokenItem `json:"items"`
}

// ComputeToken binds plan id, item order and decisions into a confirm token.
// The payload is canonicalized (RFC 8785) before it is signed so the token
// does not depend on encoder details.
func ComputeToken(secret []byte, planID string, items []store.PlanItem) (string, error) {
	payload := tokenPayload{PlanID: planID, Items: make([]tokenItem, len(items))}
	for i, it := range items {
		payload.Items[i] = tokenItem{Key: it.PendingItemKey, Decision: it.Decision.String()}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal token payload: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize token payload: %w", err)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(canonical)
	return tokenPrefix + hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyPlan recomputes the token of a stored plan and checks it still matches.
// A mismatch means the stored items were altered after freezing.
func VerifyPlan(secret []byte, plan *store.SubmissionPlan) (bool, error) {
	want, err := ComputeToken(secret, plan.ID, plan.Items)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(want), []byte(plan.ConfirmToken)), nil
}
