// Package planner assembles frozen submission plans from a snapshot.
package planner

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"caeplane/internal/matcher"
	"caeplane/internal/store"

	"github.com/google/uuid"
)

// Decision reasons written into plan items.
const (
	ReasonNoCandidate         = "no_candidate"
	ReasonMatchAboveThreshold = "match_above_threshold"
	ReasonAlreadyCompliant    = "already_compliant"
	ReasonBelowMinConfidence  = "below_min_confidence"
	ReasonBelowReviewFloor    = "below_review_floor"
)

// Default thresholds.
const (
	DefaultAutoUploadThreshold = 0.80
	DefaultReviewFloor         = 0.50
)

// ErrInvalidScope is returned when a build is requested without a company or platform.
var ErrInvalidScope = errors.New("scope requires company_key and platform_id")

// Config holds the planner thresholds and token secret.
type Config struct {
	AutoUploadThreshold float64
	ReviewFloor         float64
	Policy              AutoSubmitPolicy
	TokenSecret         []byte
}

// Planner turns a snapshot into a frozen plan and stores it.
type Planner struct {
	snapshots store.SnapshotSource
	docs      store.DocumentRepository
	plans     store.PlanStore
	matcher   *matcher.Matcher
	cfg       Config

	newID func() string
	now   func() time.Time
}

// New creates a planner. A nil policy means NeverPolicy.
func New(snapshots store.SnapshotSource, docs store.DocumentRepository, plans store.PlanStore, m *matcher.Matcher, cfg Config) *Planner {
	if cfg.Policy == nil {
		cfg.Policy = NeverPolicy{}
	}
	return &Planner{
		snapshots: snapshots,
		docs:      docs,
		plans:     plans,
		matcher:   m,
		cfg:       cfg,
		newID:     func() string { return uuid.New().String() },
		now:       time.Now,
	}
}

// Build takes a snapshot for scope, decides every pending item and stores the
// frozen plan. Nothing is uploaded.
func (p *Planner) Build(ctx context.Context, scope store.Scope) (*store.SubmissionPlan, error) {
	if scope.CompanyKey == "" || scope.PlatformID == "" {
		return nil, ErrInvalidScope
	}

	snap, err := p.snapshots.TakeSnapshot(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to take snapshot: %w", err)
	}

	items := slices.Clone(snap.Items)
	slices.SortStableFunc(items, func(a, b store.PendingItem) int {
		switch {
		case a.Key < b.Key:
			return -1
		case a.Key > b.Key:
			return 1
		}
		return 0
	})

	plan := &store.SubmissionPlan{
		ID:              p.newID(),
		Scope:           scope,
		SnapshotTakenAt: snap.TakenAt.UTC().Truncate(time.Microsecond),
		Items:           make([]store.PlanItem, 0, len(items)),
		CreatedAt:       p.now().UTC().Truncate(time.Microsecond),
	}

	for _, pending := range items {
		docs, err := p.docs.FindCandidates(ctx, pending.CompanyKey, pending.SubjectID, pending.TypeID)
		if err != nil {
			return nil, fmt.Errorf("failed to find candidates for %s: %w", pending.Key, err)
		}
		if err := plan.AppendItem(p.Decide(pending, p.matcher.Rank(pending, docs))); err != nil {
			return nil, err
		}
	}

	token, err := ComputeToken(p.cfg.TokenSecret, plan.ID, plan.Items)
	if err != nil {
		return nil, err
	}
	if err := plan.Freeze(token); err != nil {
		return nil, err
	}

	if err := p.plans.PutPlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("failed to store plan: %w", err)
	}
	return plan, nil
}

// Decide maps the ranked candidates of one pending item to a plan item.
func (p *Planner) Decide(pending store.PendingItem, candidates []matcher.Candidate) store.PlanItem {
	item := store.PlanItem{
		PendingItemKey: pending.Key,
		TypeID:         pending.TypeID,
		SubjectID:      pending.SubjectID,
		PeriodKey:      pending.PeriodKey,
	}

	if len(candidates) == 0 {
		item.Decision = store.DecisionNoMatch
		item.Reason = ReasonNoCandidate
		return item
	}

	top := candidates[0]
	docID := top.Document.ID
	item.Confidence = top.Confidence

	switch {
	case top.Confidence >= p.cfg.AutoUploadThreshold:
		item.MatchedDocID = &docID
		if p.cfg.Policy.AlreadyCompliant(pending, top.Document) {
			item.Decision = store.DecisionAutoSubmitOK
			item.Reason = ReasonAlreadyCompliant
		} else {
			item.Decision = store.DecisionAutoUpload
			item.Reason = ReasonMatchAboveThreshold
		}
	case top.Confidence >= p.cfg.ReviewFloor:
		item.SuggestedDocID = &docID
		item.Decision = store.DecisionReviewRequired
		item.Reason = ReasonBelowMinConfidence
	default:
		item.Decision = store.DecisionNoMatch
		item.Reason = ReasonBelowReviewFloor
	}
	return item
}

// Counts tallies plan items per decision.
func Counts(plan *store.SubmissionPlan) map[store.Decision]int {
	counts := make(map[store.Decision]int, 4)
	for _, it := range plan.Items {
		counts[it.Decision]++
	}
	return counts
}
