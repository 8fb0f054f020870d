// Package store contains the data model and the persistence contracts for caeplane.
package store

import (
	"errors"
	"fmt"
	"time"
)

// PendingItem is one outstanding obligation at the portal: a subject that owes
// a document of a given type for a given period.
type PendingItem struct {
	Key        string `json:"pending_item_key"`
	CompanyKey string `json:"company_key"`
	PlatformID string `json:"platform_id"`
	TypeID     string `json:"type_id"`
	SubjectID  string `json:"subject_id"`
	PeriodKey  string `json:"period_key"`
}

// Snapshot is the list of pending items observed at one point in time.
// Items are ordered by Key.
type Snapshot struct {
	CompanyKey string        `json:"company_key"`
	PlatformID string        `json:"platform_id"`
	TakenAt    time.Time     `json:"taken_at"`
	Items      []PendingItem `json:"items"`
}

// Document is a stored document together with the attributes derived from it
// by the extraction pipeline. The core never writes documents.
type Document struct {
	ID         string     `json:"doc_id"`
	CompanyKey string     `json:"company_key"`
	TypeID     string     `json:"type_id"`
	SubjectID  string     `json:"subject_id"`
	FileRef    string     `json:"file_ref"`
	IssuedAt   time.Time  `json:"issued_at"`
	ValidFrom  *time.Time `json:"valid_from,omitempty"`
	ValidTo    *time.Time `json:"valid_to,omitempty"`

	// Extraction signals, each in [0,1].
	TypeConfidence       float64 `json:"type_confidence"`
	SubjectConfidence    float64 `json:"subject_confidence"`
	ExtractionConfidence float64 `json:"extraction_confidence"`

	// SubmittedItemKeys lists pending items this document is already on file for.
	SubmittedItemKeys []string `json:"submitted_item_keys,omitempty"`
}

// Scope narrows a plan build to a company on a platform, optionally filtered
// further by type, subject or period.
type Scope struct {
	CompanyKey string   `json:"company_key"`
	PlatformID string   `json:"platform_id"`
	TypeIDs    []string `json:"type_ids,omitempty"`
	SubjectIDs []string `json:"subject_ids,omitempty"`
	PeriodKeys []string `json:"period_keys,omitempty"`
}

// Decision is the closed set of per-item plan decisions.
type Decision int

const (
	DecisionNoMatch Decision = iota
	DecisionReviewRequired
	DecisionAutoUpload
	DecisionAutoSubmitOK
)

var decisionNames = map[Decision]string{
	DecisionNoMatch:        "NO_MATCH",
	DecisionReviewRequired: "REVIEW_REQUIRED",
	DecisionAutoUpload:     "AUTO_UPLOAD",
	DecisionAutoSubmitOK:   "AUTO_SUBMIT_OK",
}

func (d Decision) String() string {
	if name, ok := decisionNames[d]; ok {
		return name
	}
	return fmt.Sprintf("Decision(%d)", int(d))
}

// ParseDecision is the inverse of Decision.String.
func ParseDecision(s string) (Decision, error) {
	for d, name := range decisionNames {
		if name == s {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown decision %q", s)
}

// Eligible reports whether items with this decision may be uploaded.
func (d Decision) Eligible() bool {
	switch d {
	case DecisionAutoUpload, DecisionAutoSubmitOK:
		return true
	case DecisionNoMatch, DecisionReviewRequired:
		return false
	}
	return false
}

func (d Decision) MarshalText() ([]byte, error) {
	name, ok := decisionNames[d]
	if !ok {
		return nil, fmt.Errorf("invalid decision %d", int(d))
	}
	return []byte(name), nil
}

func (d *Decision) UnmarshalText(text []byte) error {
	parsed, err := ParseDecision(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// PlanItem is the decision taken for one pending item.
// MatchedDocID is set iff the decision is eligible for upload; SuggestedDocID
// is only set for REVIEW_REQUIRED.
type PlanItem struct {
	PendingItemKey string   `json:"pending_item_key"`
	TypeID         string   `json:"type_id"`
	SubjectID      string   `json:"subject_id"`
	PeriodKey      string   `json:"period_key"`
	MatchedDocID   *string  `json:"matched_doc"`
	SuggestedDocID *string  `json:"suggested_doc,omitempty"`
	Decision       Decision `json:"decision"`
	Reason         string   `json:"decision_reason"`
	Confidence     float64  `json:"confidence"`
}

// ErrPlanFrozen is returned when something tries to change a frozen plan.
var ErrPlanFrozen = errors.New("plan is frozen")

// SubmissionPlan is the write-once, reviewable set of decisions for a snapshot.
type SubmissionPlan struct {
	ID              string     `json:"plan_id"`
	ConfirmToken    string     `json:"confirm_token"`
	Scope           Scope      `json:"scope"`
	SnapshotTakenAt time.Time  `json:"snapshot_taken_at"`
	Items           []PlanItem `json:"items"`
	CreatedAt       time.Time  `json:"created_at"`
	Frozen          bool       `json:"frozen"`
}

// AppendItem adds an item to a plan that is still being assembled.
func (p *SubmissionPlan) AppendItem(item PlanItem) error {
	if p.Frozen {
		return ErrPlanFrozen
	}
	p.Items = append(p.Items, item)
	return nil
}

// Freeze binds the plan to its confirm token. It can only happen once.
func (p *SubmissionPlan) Freeze(token string) error {
	if p.Frozen {
		return ErrPlanFrozen
	}
	p.ConfirmToken = token
	p.Frozen = true
	return nil
}

// Item returns the plan item for a pending item key.
func (p *SubmissionPlan) Item(key string) (PlanItem, bool) {
	for _, it := range p.Items {
		if it.PendingItemKey == key {
			return it, true
		}
	}
	return PlanItem{}, false
}

// ExecutionMode tells simulated rehearsals apart from real submissions.
type ExecutionMode string

const (
	ExecutionModeSimulated ExecutionMode = "simulated"
	ExecutionModeReal      ExecutionMode = "real"
)

// Outcome is the terminal state of one item in an execution.
type Outcome string

const (
	OutcomeUploaded Outcome = "uploaded"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeFailed   Outcome = "failed"
)

// ItemResult records what happened to one plan item. Reason is never empty.
type ItemResult struct {
	PendingItemKey string            `json:"pending_item_key"`
	TypeID         string            `json:"type_id"`
	DocID          *string           `json:"doc_id,omitempty"`
	Decision       Decision          `json:"decision"`
	Outcome        Outcome           `json:"outcome"`
	Reason         string            `json:"reason"`
	Details        map[string]string `json:"details,omitempty"`
	EvidenceRef    string            `json:"evidence_ref,omitempty"`
}

// ExecutionSummary aggregates item outcomes.
type ExecutionSummary struct {
	Total    int `json:"total"`
	Eligible int `json:"eligible"`
	Uploaded int `json:"uploaded"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// Add accounts for one item result.
func (s *ExecutionSummary) Add(r ItemResult) {
	s.Total++
	if r.Decision.Eligible() {
		s.Eligible++
	}
	switch r.Outcome {
	case OutcomeUploaded:
		s.Uploaded++
	case OutcomeSkipped:
		s.Skipped++
	case OutcomeFailed:
		s.Failed++
	}
}

// ExecutionResult is what one execution of a plan produced.
type ExecutionResult struct {
	PlanID     string           `json:"plan_id"`
	Mode       ExecutionMode    `json:"mode"`
	Executed   bool             `json:"executed"`
	Replayed   bool             `json:"replayed"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Summary    ExecutionSummary `json:"summary"`
	Items      []ItemResult     `json:"items"`
}
