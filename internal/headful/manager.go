// Package headful keeps interactive browser sessions open across guarded
// single-item actions, for portal steps that need a human in the loop.
package headful

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"caeplane/internal/apperr"
	"caeplane/internal/browser"
	"caeplane/internal/executor"
	"caeplane/internal/guardrail"
	"caeplane/internal/logger"
	"caeplane/internal/planner"
	"caeplane/internal/store"
	"caeplane/internal/uploader"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
)

// State of a headful run. A run that is absent was never started or is gone.
type State string

const (
	StateStarted State = "started"
	StateClosed  State = "closed"
)

// DefaultIdleTimeout closes runs nobody has touched for this long.
const DefaultIdleTimeout = 15 * time.Minute

// Run describes a headful run session.
type Run struct {
	RunID            string    `json:"run_id"`
	PlanID           string    `json:"plan_id"`
	CompanyKey       string    `json:"company_key"`
	PlatformID       string    `json:"platform_id"`
	State            State     `json:"state"`
	StorageStateRef  string    `json:"storage_state_ref"`
	StartedAt        time.Time `json:"started_at"`
	LastActivityAt   time.Time `json:"last_activity_at"`
	Actions          int       `json:"actions"`
	UploadedItemKeys []string  `json:"uploaded_item_keys"`
}

// ActionRequest carries the guardrail parameters of one headful action.
type ActionRequest struct {
	ConfirmToken     string
	AllowlistTypeIDs []string
	MaxUploads       *int
	MinConfidence    *float64
}

// ActionResult is what one action did. Item is nil only for a plan without items.
type ActionResult struct {
	RunID   string                 `json:"run_id"`
	Item    *store.ItemResult      `json:"item"`
	Summary store.ExecutionSummary `json:"summary"`
}

// Config holds manager settings.
type Config struct {
	IdleTimeout time.Duration
	Portal      uploader.PortalConfig
	// TokenSecret checks stored plans for tampering before an action runs them.
	TokenSecret []byte
}

type run struct {
	info    Run
	session browser.Session
	portal  *uploader.Portal

	// action is held for the duration of one action. The browser session is
	// not safe for concurrent use.
	action sync.Mutex
}

// Manager is the arena of live headful runs.
type Manager struct {
	plans    store.PlanStore
	uploads  store.UploadLedger
	states   browser.StateStore
	driver   browser.Driver
	engine   *executor.Engine
	evidence uploader.EvidenceStore
	cfg      Config
	logger   *slog.Logger

	mu       sync.Mutex
	runs     map[string]*run
	starting map[string]bool // tenants with a browser being opened

	now   func() time.Time
	newID func() string
}

// NewManager creates an empty arena. Uploads made through a run are recorded
// in uploads, shared with real plan executions, so no run can resubmit an
// item of its plan.
func NewManager(plans store.PlanStore, uploads store.UploadLedger, states browser.StateStore, driver browser.Driver, engine *executor.Engine, evidence uploader.EvidenceStore, cfg Config, logger *slog.Logger) *Manager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	return &Manager{
		plans:    plans,
		uploads:  uploads,
		states:   states,
		driver:   driver,
		engine:   engine,
		evidence: evidence,
		cfg:      cfg,
		logger:   logger,
		runs:     make(map[string]*run),
		starting: make(map[string]bool),
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}
}

func tenantKey(companyKey, platformID string) string {
	return companyKey + "/" + platformID
}

// Start opens a headful browser with the captured login of the plan's tenant.
func (m *Manager) Start(ctx context.Context, planID, confirmToken string) (Run, error) {
	plan, err := m.plans.GetPlan(ctx, planID)
	if errors.Is(err, store.ErrNotFound) {
		return Run{}, apperr.New(apperr.PlanNotFound, "plan %s not found", planID)
	}
	if err != nil {
		return Run{}, fmt.Errorf("failed to load plan: %w", err)
	}
	if !guardrail.TokenMatches(plan, confirmToken) {
		return Run{}, apperr.New(apperr.InvalidConfirmToken, "confirm_token does not match plan %s", planID)
	}

	company, platform := plan.Scope.CompanyKey, plan.Scope.PlatformID
	state, ref, err := m.states.Load(ctx, company, platform)
	if errors.Is(err, browser.ErrNoStorageState) {
		return Run{}, apperr.New(apperr.MissingStorageState, "no captured session for %s on %s", company, platform)
	}
	if err != nil {
		return Run{}, fmt.Errorf("failed to load storage state: %w", err)
	}
	if _, err := m.cfg.Portal.Validate(); err != nil {
		return Run{}, apperr.Wrap(apperr.RealUploaderUnavailable, err, "portal is not configured")
	}

	tenant := tenantKey(company, platform)
	if err := m.reserve(tenant); err != nil {
		return Run{}, err
	}
	defer m.release(tenant)

	session, err := m.driver.Open(ctx, browser.OpenOptions{Headless: false, StorageState: state})
	if err != nil {
		return Run{}, apperr.Wrap(apperr.RealUploaderUnavailable, err, "failed to open browser")
	}
	portal, err := uploader.NewPortal(session, m.cfg.Portal, m.evidence)
	if err != nil {
		session.Close()
		return Run{}, err
	}

	now := m.now().UTC()
	r := &run{
		info: Run{
			RunID:            m.newID(),
			PlanID:           plan.ID,
			CompanyKey:       company,
			PlatformID:       platform,
			State:            StateStarted,
			StorageStateRef:  ref,
			StartedAt:        now,
			LastActivityAt:   now,
			UploadedItemKeys: []string{},
		},
		session: session,
		portal:  portal,
	}

	m.mu.Lock()
	m.runs[r.info.RunID] = r
	info := r.snapshot()
	m.mu.Unlock()

	log := m.logger.With("run_id", info.RunID, "plan_id", info.PlanID, "company_key", company, "platform_id", platform)
	done, err := m.uploads.UploadedItems(ctx, plan.ID)
	if err != nil {
		log.Warn("failed to read upload ledger", "error", err)
	}
	log.Info("headful run started", "already_uploaded", len(done))
	return info, nil
}

// reserve claims the tenant slot so no second browser is opened for it.
func (m *Manager) reserve(tenant string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.starting[tenant] {
		return apperr.New(apperr.HeadfulRunAlreadyActive, "a headful run for %s is starting", tenant)
	}
	for _, r := range m.runs {
		if tenantKey(r.info.CompanyKey, r.info.PlatformID) == tenant {
			return apperr.New(apperr.HeadfulRunAlreadyActive, "headful run %s is already active for %s", r.info.RunID, tenant)
		}
	}
	m.starting[tenant] = true
	return nil
}

func (m *Manager) release(tenant string) {
	m.mu.Lock()
	delete(m.starting, tenant)
	m.mu.Unlock()
}

// ExecuteAction performs one guarded real upload inside the run's browser.
// A concurrent action on the same run is rejected, never queued.
func (m *Manager) ExecuteAction(ctx context.Context, runID string, req ActionRequest) (ActionResult, error) {
	r, err := m.lookup(runID)
	if err != nil {
		return ActionResult{}, err
	}
	ctx = logger.WithPlanID(logger.WithRunID(ctx, runID), r.info.PlanID)

	if err := m.acquire(r); err != nil {
		return ActionResult{}, err
	}
	defer r.action.Unlock()

	plan, err := m.plans.GetPlan(ctx, r.info.PlanID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return ActionResult{}, fmt.Errorf("failed to load plan: %w", err)
	}
	limits, err := guardrail.Validate(guardrail.Request{
		Plan:               plan,
		ConfirmToken:       req.ConfirmToken,
		AllowlistTypeIDs:   req.AllowlistTypeIDs,
		MaxUploads:         req.MaxUploads,
		MinConfidence:      req.MinConfidence,
		UseRealUploader:    true,
		RealUploaderIntent: true,
	})
	if err != nil {
		return ActionResult{}, err
	}

	ok, err := planner.VerifyPlan(m.cfg.TokenSecret, plan)
	if err != nil {
		return ActionResult{}, fmt.Errorf("failed to verify plan: %w", err)
	}
	if !ok {
		return ActionResult{}, fmt.Errorf("stored plan %s does not match its confirm token", plan.ID)
	}

	m.touch(r)
	res := m.engine.Run(ctx, plan, limits, r.portal, executor.RunOptions{
		Mode:   store.ExecutionModeReal,
		Ledger: m.uploads,
	})

	out := ActionResult{RunID: runID, Summary: res.Summary}
	for i := range res.Items {
		item := res.Items[i]
		if out.Item == nil && item.Outcome != store.OutcomeSkipped {
			out.Item = &item
		}
	}
	if out.Item == nil && len(res.Items) > 0 {
		out.Item = &res.Items[0]
	}

	m.mu.Lock()
	r.info.Actions++
	r.info.LastActivityAt = m.now().UTC()
	if out.Item != nil && out.Item.Outcome == store.OutcomeUploaded {
		r.info.UploadedItemKeys = append(r.info.UploadedItemKeys, out.Item.PendingItemKey)
	}
	m.mu.Unlock()

	if out.Item != nil {
		logger.FromContext(ctx, m.logger).Info("headful action finished", "pending_item_key", out.Item.PendingItemKey,
			"outcome", string(out.Item.Outcome), "reason", out.Item.Reason)
	}
	return out, nil
}

// Status returns the run, or headful_run_not_found.
func (m *Manager) Status(runID string) (Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return Run{}, notFound(runID)
	}
	return r.snapshot(), nil
}

// Close ends the run and its browser. It waits for an in-flight action to finish.
func (m *Manager) Close(runID string) (Run, error) {
	m.mu.Lock()
	r, ok := m.runs[runID]
	if ok {
		delete(m.runs, runID)
		r.info.State = StateClosed
	}
	m.mu.Unlock()
	if !ok {
		return Run{}, notFound(runID)
	}

	r.action.Lock()
	defer r.action.Unlock()
	return m.closeRun(r, "closed"), nil
}

func (m *Manager) closeRun(r *run, why string) Run {
	if err := r.session.Close(); err != nil {
		m.logger.Warn("failed to close browser", "run_id", r.info.RunID, "error", err)
	}
	m.logger.Info("headful run "+why, "run_id", r.info.RunID, "plan_id", r.info.PlanID, "actions", r.info.Actions)
	m.mu.Lock()
	defer m.mu.Unlock()
	return r.snapshot()
}

// RunReaper closes idle runs until ctx is cancelled.
func (m *Manager) RunReaper(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ReapIdle()
		}
	}
}

// ReapIdle closes runs idle longer than the idle timeout. Runs with an action
// in flight are left alone.
func (m *Manager) ReapIdle() int {
	cutoff := m.now().UTC().Add(-m.cfg.IdleTimeout)

	var idle []*run
	m.mu.Lock()
	for id, r := range m.runs {
		if !r.info.LastActivityAt.Before(cutoff) {
			continue
		}
		if !r.action.TryLock() {
			continue
		}
		delete(m.runs, id)
		r.info.State = StateClosed
		idle = append(idle, r)
	}
	m.mu.Unlock()

	for _, r := range idle {
		m.closeRun(r, "reaped")
		r.action.Unlock()
	}
	return len(idle)
}

// Shutdown closes every run.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	runs := make([]*run, 0, len(m.runs))
	for id, r := range m.runs {
		delete(m.runs, id)
		r.info.State = StateClosed
		runs = append(runs, r)
	}
	m.mu.Unlock()

	for _, r := range runs {
		r.action.Lock()
		m.closeRun(r, "shut down")
		r.action.Unlock()
	}
}

// Live returns the number of open runs.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs)
}

// RegisterMetrics exposes the live run count as an observable gauge.
func (m *Manager) RegisterMetrics(meter metric.Meter) error {
	_, err := meter.Int64ObservableGauge("caeplane.headful.sessions",
		metric.WithDescription("Current number of open headful runs"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(m.Live()))
			return nil
		}),
	)
	return err
}

func (m *Manager) lookup(runID string) (*run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, notFound(runID)
	}
	return r, nil
}

// acquire takes the action lock of a looked up run. Close and the reaper
// take the same lock, so a run they ended in the meantime is reported as
// not found rather than busy.
func (m *Manager) acquire(r *run) error {
	if !r.action.TryLock() {
		if m.closed(r) {
			return notFound(r.info.RunID)
		}
		return apperr.New(apperr.HeadfulActionInProgress, "another action is running on %s", r.info.RunID)
	}
	if m.closed(r) {
		r.action.Unlock()
		return notFound(r.info.RunID)
	}
	return nil
}

func (m *Manager) closed(r *run) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return r.info.State == StateClosed
}

func (m *Manager) touch(r *run) {
	m.mu.Lock()
	r.info.LastActivityAt = m.now().UTC()
	m.mu.Unlock()
}

// snapshot copies the run info. Callers hold m.mu.
func (r *run) snapshot() Run {
	info := r.info
	info.UploadedItemKeys = append([]string{}, r.info.UploadedItemKeys...)
	return info
}

func notFound(runID string) error {
	return apperr.New(apperr.HeadfulRunNotFound, "headful run %s not found", runID)
}
