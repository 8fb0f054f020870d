// Package executor runs a frozen plan against an upload strategy within
// validated guardrail limits.
package executor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"caeplane/internal/apperr"
	"caeplane/internal/guardrail"
	"caeplane/internal/logger"
	"caeplane/internal/store"
	"caeplane/internal/uploader"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Skip and failure reasons that the engine assigns itself. Upload failures
// carry the strategy's error code instead.
const (
	ReasonNotEligible        = "not_eligible"
	ReasonNotInAllowlist     = "not_in_allowlist"
	ReasonBelowMinConfidence = "below_min_confidence"
	ReasonMaxUploadsExceeded = "max_uploads_exceeded"
	ReasonAlreadyUploaded    = "already_uploaded"
	ReasonCancelled          = "execution_cancelled"
	ReasonDocumentNotFound   = "document_not_found"
)

// DefaultMinSubmitInterval is the minimum spacing between real portal submissions.
const DefaultMinSubmitInterval = 1500 * time.Millisecond

// Config holds engine settings.
type Config struct {
	// MinSubmitInterval spaces real submissions. Zero means DefaultMinSubmitInterval.
	MinSubmitInterval time.Duration
}

// Engine executes plans. One Engine is shared by every execution so the real
// submission throttle holds across plans and headful runs.
type Engine struct {
	docs    store.DocumentRepository
	limiter *rate.Limiter
	logger  *slog.Logger
	tracer  trace.Tracer
	uploads metric.Int64Counter
	now     func() time.Time
}

// New creates an engine.
func New(docs store.DocumentRepository, cfg Config, log *slog.Logger) *Engine {
	interval := cfg.MinSubmitInterval
	if interval <= 0 {
		interval = DefaultMinSubmitInterval
	}

	meter := otel.Meter("caeplane-executor")
	uploads, err := meter.Int64Counter("caeplane.uploads",
		metric.WithDescription("Plan items processed, by outcome and mode"),
	)
	if err != nil {
		log.Warn("failed to register upload counter", "error", err)
	}

	return &Engine{
		docs:    docs,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		logger:  log,
		tracer:  otel.Tracer("caeplane-executor"),
		uploads: uploads,
		now:     time.Now,
	}
}

// RunOptions tell the engine how this execution is bound.
type RunOptions struct {
	Mode store.ExecutionMode
	// Ledger is claimed before every submission and settled after it, so an
	// item accepted by the portal is never submitted again for this plan,
	// whichever execution or headful run tries. Nil disables the check.
	Ledger store.UploadLedger
}

// Run classifies every plan item in order and uploads the ones that pass.
// Item failures are recorded and never stop the run. Once the caller's ctx is
// done no new upload starts, but an upload already started runs to completion.
func (e *Engine) Run(ctx context.Context, plan *store.SubmissionPlan, limits guardrail.Limits, up uploader.Uploader, opts RunOptions) *store.ExecutionResult {
	log := logger.FromContext(logger.WithPlanID(ctx, plan.ID), e.logger).With("mode", string(opts.Mode))

	ctx, span := e.tracer.Start(ctx, "execute_plan",
		trace.WithAttributes(
			attribute.String("plan.id", plan.ID),
			attribute.String("execution.mode", string(opts.Mode)),
			attribute.Int("plan.items", len(plan.Items)),
			attribute.Int("guardrail.max_uploads", limits.MaxUploads),
		),
	)
	defer span.End()

	result := &store.ExecutionResult{
		PlanID:    plan.ID,
		Mode:      opts.Mode,
		Executed:  true,
		StartedAt: e.now().UTC().Truncate(time.Microsecond),
		Items:     make([]store.ItemResult, 0, len(plan.Items)),
	}

	uploaded := 0
	for _, item := range plan.Items {
		r := e.runItem(ctx, plan.ID, item, limits, up, opts, uploaded)
		if r.Outcome == store.OutcomeUploaded {
			uploaded++
		}
		result.Items = append(result.Items, r)
		result.Summary.Add(r)
		e.count(ctx, opts.Mode, r)

		log.Info("plan item processed",
			"pending_item_key", r.PendingItemKey,
			"outcome", string(r.Outcome),
			"reason", r.Reason,
		)
	}

	result.FinishedAt = e.now().UTC().Truncate(time.Microsecond)
	span.SetAttributes(
		attribute.Int("summary.uploaded", result.Summary.Uploaded),
		attribute.Int("summary.failed", result.Summary.Failed),
	)
	return result
}

func (e *Engine) runItem(ctx context.Context, planID string, item store.PlanItem, limits guardrail.Limits, up uploader.Uploader, opts RunOptions, uploadedSoFar int) store.ItemResult {
	r := store.ItemResult{
		PendingItemKey: item.PendingItemKey,
		TypeID:         item.TypeID,
		DocID:          item.MatchedDocID,
		Decision:       item.Decision,
	}
	skip := func(reason string) store.ItemResult {
		r.Outcome = store.OutcomeSkipped
		r.Reason = reason
		return r
	}

	switch {
	case !item.Decision.Eligible():
		return skip(ReasonNotEligible)
	case !limits.Allows(item.TypeID):
		return skip(ReasonNotInAllowlist)
	case item.Confidence < limits.MinConfidence:
		return skip(ReasonBelowMinConfidence)
	case uploadedSoFar >= limits.MaxUploads:
		return skip(ReasonMaxUploadsExceeded)
	case ctx.Err() != nil:
		return skip(ReasonCancelled)
	}

	if opts.Ledger != nil {
		claimed, err := opts.Ledger.ClaimUpload(ctx, planID, item.PendingItemKey)
		if err != nil {
			e.logger.Error("upload claim failed", "plan_id", planID, "pending_item_key", item.PendingItemKey, "error", err)
			r.Outcome = store.OutcomeFailed
			r.Reason = string(apperr.Internal)
			return r
		}
		if !claimed {
			return skip(ReasonAlreadyUploaded)
		}
		defer func() {
			err := opts.Ledger.FinishUpload(context.WithoutCancel(ctx), planID, item.PendingItemKey, r.Outcome == store.OutcomeUploaded)
			if err != nil {
				e.logger.Error("failed to settle upload claim", "plan_id", planID, "pending_item_key", item.PendingItemKey, "error", err)
			}
		}()
	}

	if limits.Real {
		if err := e.limiter.Wait(ctx); err != nil {
			return skip(ReasonCancelled)
		}
	}

	// The attempt is detached from caller cancellation.
	itemCtx, span := e.tracer.Start(context.WithoutCancel(ctx), "upload_item",
		trace.WithAttributes(
			attribute.String("plan.id", planID),
			attribute.String("item.key", item.PendingItemKey),
			attribute.String("item.type", item.TypeID),
		),
	)
	defer span.End()

	doc, err := e.docs.GetDocument(itemCtx, *item.MatchedDocID)
	if err != nil {
		r.Outcome = store.OutcomeFailed
		r.Reason = ReasonDocumentNotFound
		if !errors.Is(err, store.ErrNotFound) {
			r.Reason = string(apperr.Internal)
			e.logger.Error("document lookup failed", "plan_id", planID, "doc_id", *item.MatchedDocID, "error", err)
		}
		span.SetStatus(codes.Error, r.Reason)
		return r
	}

	out, err := up.Upload(itemCtx, uploader.Request{PlanID: planID, Item: item, Document: *doc})
	if err != nil {
		span.RecordError(err)
		ae := apperr.As(err)
		if ae.Kind() == apperr.KindInternal {
			e.logger.Error("upload failed", "plan_id", planID, "pending_item_key", item.PendingItemKey, "error", err)
		}
		r.Outcome = store.OutcomeFailed
		r.Reason = string(ae.Code)
		r.Details = ae.Details
		r.EvidenceRef = ae.EvidenceRef
		span.SetStatus(codes.Error, r.Reason)
		return r
	}

	r.Outcome = store.OutcomeUploaded
	r.Reason = out.Reason
	r.EvidenceRef = out.EvidenceRef
	return r
}

func (e *Engine) count(ctx context.Context, mode store.ExecutionMode, r store.ItemResult) {
	if e.uploads == nil {
		return
	}
	e.uploads.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", string(r.Outcome)),
		attribute.String("mode", string(mode)),
	))
}
