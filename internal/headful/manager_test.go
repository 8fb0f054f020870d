package headful

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"caeplane/internal/apperr"
	"caeplane/internal/browser"
	"caeplane/internal/browser/browsertest"
	"caeplane/internal/executor"
	"caeplane/internal/guardrail"
	"caeplane/internal/planner"
	"caeplane/internal/store"
	"caeplane/internal/store/memory"
	"caeplane/internal/uploader"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

var testSecret = []byte("test-secret")

func planItems() []store.PlanItem {
	docA, docB := "doc-a", "doc-b"
	return []store.PlanItem{
		{PendingItemKey: "a", TypeID: "TC2", MatchedDocID: &docA, Decision: store.DecisionAutoUpload, Confidence: 0.9},
		{PendingItemKey: "b", TypeID: "TC2", MatchedDocID: &docB, Decision: store.DecisionAutoUpload, Confidence: 0.9},
		{PendingItemKey: "c", TypeID: "TC1", Decision: store.DecisionNoMatch},
	}
}

// okToken is plan-1's confirm token under testSecret.
var okToken = func() string {
	tok, err := planner.ComputeToken(testSecret, "plan-1", planItems())
	if err != nil {
		panic(err)
	}
	return tok
}()

type fixture struct {
	mgr    *Manager
	engine *executor.Engine
	store  *memory.Store
	driver *browsertest.Driver
	clock  time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	docsDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(docsDir, "tc2.pdf"), []byte("%PDF"), 0o644))

	st := memory.New()
	st.AddDocuments(
		store.Document{ID: "doc-a", CompanyKey: "acme", TypeID: "TC2", SubjectID: "w1", FileRef: "tc2.pdf"},
		store.Document{ID: "doc-b", CompanyKey: "acme", TypeID: "TC2", SubjectID: "w2", FileRef: "tc2.pdf"},
	)

	require.NoError(t, st.PutPlan(context.Background(), &store.SubmissionPlan{
		ID:           "plan-1",
		ConfirmToken: okToken,
		Scope:        store.Scope{CompanyKey: "acme", PlatformID: "cae-1"},
		Items:        planItems(),
		Frozen:       true,
	}))
	require.NoError(t, st.PutPlan(context.Background(), &store.SubmissionPlan{
		ID:           "plan-nostate",
		ConfirmToken: okToken,
		Scope:        store.Scope{CompanyKey: "globex", PlatformID: "cae-1"},
		Frozen:       true,
	}))

	states := &browsertest.StateStore{States: map[string]*browser.StorageState{
		"acme/cae-1": {Cookies: []browser.Cookie{{Name: "SESSION", Value: "x", Domain: "cae.example"}}},
	}}
	driver := &browsertest.Driver{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := executor.New(st, executor.Config{MinSubmitInterval: time.Millisecond}, log)

	f := &fixture{engine: engine, store: st, driver: driver, clock: time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)}
	f.mgr = NewManager(st, st, states, driver, engine, nil, Config{
		IdleTimeout: 10 * time.Minute,
		TokenSecret: testSecret,
		Portal: uploader.PortalConfig{
			UploadURLTemplate:    "https://cae.example/items/{pending_item_key}/upload",
			ExpectedPagePattern:  `^https://cae\.example/items/`,
			FileInputSelector:    "input[type=file]",
			SubmitSelector:       "#submit",
			ConfirmationSelector: ".ok",
			DocumentsDir:         docsDir,
		},
	}, log)
	f.mgr.now = func() time.Time { return f.clock }
	return f
}

func action() ActionRequest {
	return ActionRequest{ConfirmToken: okToken, AllowlistTypeIDs: []string{"TC2"}, MaxUploads: ptr(1), MinConfidence: ptr(0.8)}
}

func TestStart(t *testing.T) {
	f := newFixture(t)

	run, err := f.mgr.Start(context.Background(), "plan-1", okToken)
	require.NoError(t, err)
	assert.NotEmpty(t, run.RunID)
	assert.Equal(t, StateStarted, run.State)
	assert.Equal(t, "mem://acme/cae-1", run.StorageStateRef)

	sessions := f.driver.Sessions()
	require.Len(t, sessions, 1)
	assert.False(t, sessions[0].Opts.Headless, "headful runs must show the browser")
	assert.NotNil(t, sessions[0].Opts.StorageState)
	assert.Equal(t, 1, f.mgr.Live())
}

func TestStart_Errors(t *testing.T) {
	tests := []struct {
		name   string
		planID string
		token  string
		want   apperr.Code
	}{
		{name: "unknown plan", planID: "nope", token: okToken, want: apperr.PlanNotFound},
		{name: "wrong token", planID: "plan-1", token: "ct_bad", want: apperr.InvalidConfirmToken},
		{name: "no saved session", planID: "plan-nostate", token: okToken, want: apperr.MissingStorageState},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.mgr.Start(context.Background(), tt.planID, tt.token)
			assert.True(t, apperr.HasCode(err, tt.want), "got %v", err)
			assert.Empty(t, f.driver.Sessions(), "no browser may be opened")
		})
	}
}

func TestStart_MissingStateBeforePortalConfig(t *testing.T) {
	f := newFixture(t)
	f.mgr.cfg.Portal = uploader.PortalConfig{}

	_, err := f.mgr.Start(context.Background(), "plan-nostate", okToken)
	assert.True(t, apperr.HasCode(err, apperr.MissingStorageState), "got %v", err)

	_, err = f.mgr.Start(context.Background(), "plan-1", okToken)
	assert.True(t, apperr.HasCode(err, apperr.RealUploaderUnavailable), "got %v", err)
	assert.Empty(t, f.driver.Sessions())
}

func TestStart_FailedLaunchFreesTenant(t *testing.T) {
	f := newFixture(t)

	f.driver.OpenErr = errors.New("chrome not found")
	_, err := f.mgr.Start(context.Background(), "plan-1", okToken)
	assert.True(t, apperr.HasCode(err, apperr.RealUploaderUnavailable), "got %v", err)
	assert.Zero(t, f.mgr.Live())

	f.driver.OpenErr = nil
	_, err = f.mgr.Start(context.Background(), "plan-1", okToken)
	assert.NoError(t, err, "a failed launch must not hold the tenant slot")
}

func TestStart_OneRunPerTenant(t *testing.T) {
	f := newFixture(t)

	first, err := f.mgr.Start(context.Background(), "plan-1", okToken)
	require.NoError(t, err)

	_, err = f.mgr.Start(context.Background(), "plan-1", okToken)
	assert.True(t, apperr.HasCode(err, apperr.HeadfulRunAlreadyActive), "got %v", err)

	_, err = f.mgr.Close(first.RunID)
	require.NoError(t, err)

	_, err = f.mgr.Start(context.Background(), "plan-1", okToken)
	assert.NoError(t, err, "tenant slot should be free after close")
}

func TestExecuteAction_UploadsOneItemAtATime(t *testing.T) {
	f := newFixture(t)
	run, err := f.mgr.Start(context.Background(), "plan-1", okToken)
	require.NoError(t, err)

	first, err := f.mgr.ExecuteAction(context.Background(), run.RunID, action())
	require.NoError(t, err)
	require.NotNil(t, first.Item)
	assert.Equal(t, "a", first.Item.PendingItemKey)
	assert.Equal(t, store.OutcomeUploaded, first.Item.Outcome)
	assert.Equal(t, uploader.ReasonPortalOK, first.Item.Reason)
	assert.Equal(t, 1, first.Summary.Uploaded)

	second, err := f.mgr.ExecuteAction(context.Background(), run.RunID, action())
	require.NoError(t, err)
	assert.Equal(t, "b", second.Item.PendingItemKey, "already uploaded items are skipped")
	assert.Equal(t, store.OutcomeUploaded, second.Item.Outcome)

	third, err := f.mgr.ExecuteAction(context.Background(), run.RunID, action())
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeSkipped, third.Item.Outcome)
	assert.Equal(t, executor.ReasonAlreadyUploaded, third.Item.Reason)
	assert.Equal(t, 0, third.Summary.Uploaded)

	status, err := f.mgr.Status(run.RunID)
	require.NoError(t, err)
	assert.Equal(t, 3, status.Actions)
	assert.Equal(t, []string{"a", "b"}, status.UploadedItemKeys)
}

func TestExecuteAction_NoResubmitAcrossRuns(t *testing.T) {
	f := newFixture(t)

	var got []store.ItemResult
	for i := 0; i < 3; i++ {
		run, err := f.mgr.Start(context.Background(), "plan-1", okToken)
		require.NoError(t, err)
		res, err := f.mgr.ExecuteAction(context.Background(), run.RunID, action())
		require.NoError(t, err)
		require.NotNil(t, res.Item)
		got = append(got, *res.Item)
		_, err = f.mgr.Close(run.RunID)
		require.NoError(t, err)
	}

	assert.Equal(t, "a", got[0].PendingItemKey)
	assert.Equal(t, store.OutcomeUploaded, got[0].Outcome)
	assert.Equal(t, "b", got[1].PendingItemKey)
	assert.Equal(t, store.OutcomeUploaded, got[1].Outcome)
	assert.Equal(t, store.OutcomeSkipped, got[2].Outcome)
	assert.Equal(t, executor.ReasonAlreadyUploaded, got[2].Reason)

	clicks := 0
	for _, s := range f.driver.Sessions() {
		clicks += s.ClickCount()
	}
	assert.Equal(t, 2, clicks, "each item is submitted once")

	keys, err := f.store.UploadedItems(context.Background(), "plan-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)
}

func TestExecuteAction_SkipsItemsUploadedByPlanExecution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	plan, err := f.store.GetPlan(ctx, "plan-1")
	require.NoError(t, err)
	limits := guardrail.Limits{AllowlistTypeIDs: []string{"TC2"}, MaxUploads: 1, MinConfidence: 0.8, Real: true}
	res := f.engine.Run(ctx, plan, limits, uploader.NewSimulated(), executor.RunOptions{Mode: store.ExecutionModeReal, Ledger: f.store})
	require.Equal(t, 1, res.Summary.Uploaded)

	run, err := f.mgr.Start(ctx, "plan-1", okToken)
	require.NoError(t, err)
	out, err := f.mgr.ExecuteAction(ctx, run.RunID, action())
	require.NoError(t, err)
	assert.Equal(t, "b", out.Item.PendingItemKey, "item a went out with the plan execution")
	assert.Equal(t, store.OutcomeUploaded, out.Item.Outcome)
	assert.Equal(t, 1, out.Summary.Uploaded)
	assert.Equal(t, 1, f.driver.Sessions()[0].ClickCount())
}

func TestExecuteAction_ReappliesGuardrail(t *testing.T) {
	f := newFixture(t)
	run, err := f.mgr.Start(context.Background(), "plan-1", okToken)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(r *ActionRequest)
		want   apperr.Code
	}{
		{name: "wrong token", mutate: func(r *ActionRequest) { r.ConfirmToken = "ct_bad" }, want: apperr.InvalidConfirmToken},
		{name: "two uploads", mutate: func(r *ActionRequest) { r.MaxUploads = ptr(2) }, want: apperr.RealUploadGuardrailViolation},
		{name: "two types", mutate: func(r *ActionRequest) { r.AllowlistTypeIDs = []string{"TC1", "TC2"} }, want: apperr.RealUploadGuardrailViolation},
		{name: "missing min confidence", mutate: func(r *ActionRequest) { r.MinConfidence = nil }, want: apperr.InvalidGuardrailParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := action()
			tt.mutate(&req)
			_, err := f.mgr.ExecuteAction(context.Background(), run.RunID, req)
			assert.True(t, apperr.HasCode(err, tt.want), "got %v", err)
		})
	}

	assert.Zero(t, f.driver.Sessions()[0].ClickCount(), "nothing may be submitted")
}

func TestExecuteAction_RefusesAlteredPlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Same token as plan-1, but item c was flipped to AUTO_UPLOAD after freezing.
	items := planItems()
	items[2].Decision = store.DecisionAutoUpload
	docC := "doc-a"
	items[2].MatchedDocID = &docC
	require.NoError(t, f.store.PutPlan(ctx, &store.SubmissionPlan{
		ID:           "plan-altered",
		ConfirmToken: okToken,
		Scope:        store.Scope{CompanyKey: "acme", PlatformID: "cae-1"},
		Items:        items,
		Frozen:       true,
	}))

	run, err := f.mgr.Start(ctx, "plan-altered", okToken)
	require.NoError(t, err)

	_, err = f.mgr.ExecuteAction(ctx, run.RunID, action())
	require.Error(t, err)
	assert.Equal(t, apperr.Internal, apperr.As(err).Code)
	assert.Zero(t, f.driver.Sessions()[0].ClickCount(), "nothing may be submitted")

	keys, err := f.store.UploadedItems(ctx, "plan-altered")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestExecuteAction_RejectsConcurrentAction(t *testing.T) {
	f := newFixture(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.driver.Configure = func(s *browsertest.Session) {
		s.OnClick = func(ctx context.Context) error {
			once.Do(func() { close(entered) })
			<-release
			return nil
		}
	}

	run, err := f.mgr.Start(context.Background(), "plan-1", okToken)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := f.mgr.ExecuteAction(context.Background(), run.RunID, action())
		done <- err
	}()
	<-entered

	_, err = f.mgr.ExecuteAction(context.Background(), run.RunID, action())
	assert.True(t, apperr.HasCode(err, apperr.HeadfulActionInProgress), "got %v", err)

	close(release)
	require.NoError(t, <-done)
}

func TestUnknownRun(t *testing.T) {
	f := newFixture(t)

	_, err := f.mgr.Status("missing")
	assert.True(t, apperr.HasCode(err, apperr.HeadfulRunNotFound))

	_, err = f.mgr.Close("missing")
	assert.True(t, apperr.HasCode(err, apperr.HeadfulRunNotFound))

	_, err = f.mgr.ExecuteAction(context.Background(), "missing", action())
	assert.True(t, apperr.HasCode(err, apperr.HeadfulRunNotFound))
}

func TestClose_IsFinal(t *testing.T) {
	f := newFixture(t)
	run, err := f.mgr.Start(context.Background(), "plan-1", okToken)
	require.NoError(t, err)

	closed, err := f.mgr.Close(run.RunID)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, closed.State)
	assert.True(t, f.driver.Sessions()[0].IsClosed())

	_, err = f.mgr.Status(run.RunID)
	assert.True(t, apperr.HasCode(err, apperr.HeadfulRunNotFound))
	_, err = f.mgr.Close(run.RunID)
	assert.True(t, apperr.HasCode(err, apperr.HeadfulRunNotFound))
	_, err = f.mgr.ExecuteAction(context.Background(), run.RunID, action())
	assert.True(t, apperr.HasCode(err, apperr.HeadfulRunNotFound))
}

func TestReapIdle(t *testing.T) {
	f := newFixture(t)
	run, err := f.mgr.Start(context.Background(), "plan-1", okToken)
	require.NoError(t, err)

	f.clock = f.clock.Add(5 * time.Minute)
	assert.Zero(t, f.mgr.ReapIdle())

	f.clock = f.clock.Add(6 * time.Minute)
	assert.Equal(t, 1, f.mgr.ReapIdle())
	assert.True(t, f.driver.Sessions()[0].IsClosed())

	_, err = f.mgr.Status(run.RunID)
	assert.True(t, apperr.HasCode(err, apperr.HeadfulRunNotFound))
}

func TestShutdownClosesEverything(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Start(context.Background(), "plan-1", okToken)
	require.NoError(t, err)

	f.mgr.Shutdown()
	assert.Zero(t, f.mgr.Live())
	assert.True(t, f.driver.Sessions()[0].IsClosed())
}

func TestAcquire_RunClosedWhileBusy(t *testing.T) {
	f := newFixture(t)
	run, err := f.mgr.Start(context.Background(), "plan-1", okToken)
	require.NoError(t, err)
	r, err := f.mgr.lookup(run.RunID)
	require.NoError(t, err)

	// Another action holds the run.
	r.action.Lock()
	err = f.mgr.acquire(r)
	assert.True(t, apperr.HasCode(err, apperr.HeadfulActionInProgress), "got %v", err)

	// The reaper took the lock and closed the run after our lookup.
	f.mgr.mu.Lock()
	delete(f.mgr.runs, run.RunID)
	r.info.State = StateClosed
	f.mgr.mu.Unlock()

	err = f.mgr.acquire(r)
	assert.True(t, apperr.HasCode(err, apperr.HeadfulRunNotFound), "got %v", err)

	r.action.Unlock()
	err = f.mgr.acquire(r)
	assert.True(t, apperr.HasCode(err, apperr.HeadfulRunNotFound), "got %v", err)
	assert.True(t, r.action.TryLock(), "a refused acquire must not keep the lock")
}
