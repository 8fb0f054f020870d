// Package submission implements the plan operations exposed to callers:
// building, fetching and executing plans.
package submission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"caeplane/internal/apperr"
	"caeplane/internal/executor"
	"caeplane/internal/guardrail"
	"caeplane/internal/logger"
	"caeplane/internal/planner"
	"caeplane/internal/store"
	"caeplane/internal/uploader"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RealUploaders opens a real uploader for a tenant, plus a func releasing it.
type RealUploaders interface {
	Open(ctx context.Context, companyKey, platformID string) (uploader.Uploader, func() error, error)
}

// Config holds service settings.
type Config struct {
	// RealUploaderEnabled gates every real execution.
	RealUploaderEnabled bool
	// TokenSecret is used to check stored plans for tampering before they run.
	TokenSecret []byte
}

// Service coordinates the planner, guardrail and engine.
type Service struct {
	planner    *planner.Planner
	plans      store.PlanStore
	executions store.ExecutionStore
	engine     *executor.Engine
	real       RealUploaders
	cfg        Config
	logger     *slog.Logger

	plansBuilt metric.Int64Counter
	executed   metric.Int64Counter
	refused    metric.Int64Counter
}

func NewService(p *planner.Planner, plans store.PlanStore, executions store.ExecutionStore, engine *executor.Engine, real RealUploaders, cfg Config, logger *slog.Logger) *Service {
	s := &Service{
		planner:    p,
		plans:      plans,
		executions: executions,
		engine:     engine,
		real:       real,
		cfg:        cfg,
		logger:     logger,
	}

	meter := otel.Meter("caeplane-submission")
	var err error
	if s.plansBuilt, err = meter.Int64Counter("caeplane.plans.built",
		metric.WithDescription("Plans built and stored")); err != nil {
		logger.Warn("failed to register plan counter", "error", err)
	}
	if s.executed, err = meter.Int64Counter("caeplane.executions",
		metric.WithDescription("Plan executions answered, by mode and whether the result was replayed")); err != nil {
		logger.Warn("failed to register execution counter", "error", err)
	}
	if s.refused, err = meter.Int64Counter("caeplane.executions.refused",
		metric.WithDescription("Executions refused before any upload, by error code")); err != nil {
		logger.Warn("failed to register refusal counter", "error", err)
	}
	return s
}

// BuildResult is returned by BuildPlan.
type BuildResult struct {
	PlanID       string         `json:"plan_id"`
	ConfirmToken string         `json:"confirm_token"`
	Total        int            `json:"total"`
	Counts       map[string]int `json:"counts"`
}

// BuildPlan assembles and stores a plan. It never uploads.
func (s *Service) BuildPlan(ctx context.Context, scope store.Scope) (*BuildResult, error) {
	plan, err := s.planner.Build(ctx, scope)
	if errors.Is(err, planner.ErrInvalidScope) {
		return nil, apperr.New(apperr.InvalidRequest, "%v", err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build plan: %w", err)
	}

	if s.plansBuilt != nil {
		s.plansBuilt.Add(ctx, 1, metric.WithAttributes(attribute.String("platform_id", scope.PlatformID)))
	}

	counts := make(map[string]int)
	for d, n := range planner.Counts(plan) {
		counts[d.String()] = n
	}

	logger.FromContext(ctx, s.logger).Info("plan built",
		"plan_id", plan.ID,
		"company_key", scope.CompanyKey,
		"platform_id", scope.PlatformID,
		"items", len(plan.Items),
	)
	return &BuildResult{PlanID: plan.ID, ConfirmToken: plan.ConfirmToken, Total: len(plan.Items), Counts: counts}, nil
}

// GetPlan returns a stored plan.
func (s *Service) GetPlan(ctx context.Context, id string) (*store.SubmissionPlan, error) {
	plan, err := s.plans.GetPlan(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.New(apperr.PlanNotFound, "plan %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	return plan, nil
}

// ExecuteParams are the caller's execution parameters. Nil pointers mean the
// parameter was not supplied.
type ExecuteParams struct {
	ConfirmToken       string
	AllowlistTypeIDs   []string
	MaxUploads         *int
	MinConfidence      *float64
	UseRealUploader    bool
	RealUploaderIntent bool
}

// ExecutePlan validates the request and runs the plan at most once per mode.
// A repeated call returns the stored result with Replayed set.
func (s *Service) ExecutePlan(ctx context.Context, id string, params ExecuteParams) (*store.ExecutionResult, error) {
	ctx = logger.WithPlanID(ctx, id)
	log := logger.FromContext(ctx, s.logger)

	plan, err := s.plans.GetPlan(ctx, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}

	limits, err := guardrail.Validate(guardrail.Request{
		Plan:               plan,
		ConfirmToken:       params.ConfirmToken,
		AllowlistTypeIDs:   params.AllowlistTypeIDs,
		MaxUploads:         params.MaxUploads,
		MinConfidence:      params.MinConfidence,
		UseRealUploader:    params.UseRealUploader,
		RealUploaderIntent: params.RealUploaderIntent,
	})
	if err != nil {
		code := string(apperr.As(err).Code)
		log.Info("execution refused", "error_code", code)
		if s.refused != nil {
			s.refused.Add(ctx, 1, metric.WithAttributes(attribute.String("error_code", code)))
		}
		return nil, err
	}

	ok, err := planner.VerifyPlan(s.cfg.TokenSecret, plan)
	if err != nil {
		return nil, fmt.Errorf("failed to verify plan: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("stored plan %s does not match its confirm token", id)
	}

	mode := store.ExecutionModeSimulated
	if limits.Real {
		mode = store.ExecutionModeReal
		if !s.cfg.RealUploaderEnabled || s.real == nil {
			return nil, apperr.New(apperr.RealUploaderUnavailable, "real uploads are disabled")
		}
	}

	claimed, prior, err := s.executions.ClaimExecution(ctx, plan.ID, mode)
	if errors.Is(err, store.ErrExecutionInProgress) {
		return nil, apperr.New(apperr.ExecutionInProgress, "plan %s is already executing in %s mode", plan.ID, mode)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim execution: %w", err)
	}
	if !claimed {
		log.Info("returning prior execution", "mode", string(mode))
		prior.Replayed = true
		s.countExecution(ctx, mode, true)
		return prior, nil
	}

	up, release, err := s.uploaderFor(ctx, plan, mode)
	if err != nil {
		if rerr := s.executions.ReleaseExecution(ctx, plan.ID, mode); rerr != nil {
			log.Error("failed to release execution claim", "error", rerr)
		}
		return nil, err
	}
	defer func() {
		if err := release(); err != nil {
			log.Warn("failed to release uploader", "error", err)
		}
	}()

	opts := executor.RunOptions{Mode: mode}
	if mode == store.ExecutionModeReal {
		// Shared with headful runs of the same plan.
		opts.Ledger = s.executions
	}
	result := s.engine.Run(ctx, plan, limits, up, opts)

	// The run happened; its record must land even if the caller went away.
	if err := s.executions.CompleteExecution(context.WithoutCancel(ctx), result); err != nil {
		return nil, fmt.Errorf("failed to record execution: %w", err)
	}

	s.countExecution(ctx, mode, false)
	log.Info("plan executed",
		"mode", string(mode),
		"uploaded", result.Summary.Uploaded,
		"skipped", result.Summary.Skipped,
		"failed", result.Summary.Failed,
	)
	return result, nil
}

func (s *Service) countExecution(ctx context.Context, mode store.ExecutionMode, replayed bool) {
	if s.executed == nil {
		return
	}
	s.executed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mode", string(mode)),
		attribute.Bool("replayed", replayed),
	))
}

func (s *Service) uploaderFor(ctx context.Context, plan *store.SubmissionPlan, mode store.ExecutionMode) (uploader.Uploader, func() error, error) {
	if mode == store.ExecutionModeSimulated {
		return uploader.NewSimulated(), func() error { return nil }, nil
	}
	return s.real.Open(ctx, plan.Scope.CompanyKey, plan.Scope.PlatformID)
}
