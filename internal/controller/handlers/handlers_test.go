package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"caeplane/internal/apperr"
	"caeplane/internal/headful"
	"caeplane/internal/store"
	"caeplane/internal/submission"
	"caeplane/pkg/api"
)

type mockPlans struct {
	buildFn   func(ctx context.Context, scope store.Scope) (*submission.BuildResult, error)
	getFn     func(ctx context.Context, id string) (*store.SubmissionPlan, error)
	executeFn func(ctx context.Context, id string, params submission.ExecuteParams) (*store.ExecutionResult, error)
}

func (m *mockPlans) BuildPlan(ctx context.Context, scope store.Scope) (*submission.BuildResult, error) {
	return m.buildFn(ctx, scope)
}

func (m *mockPlans) GetPlan(ctx context.Context, id string) (*store.SubmissionPlan, error) {
	return m.getFn(ctx, id)
}

func (m *mockPlans) ExecutePlan(ctx context.Context, id string, params submission.ExecuteParams) (*store.ExecutionResult, error) {
	return m.executeFn(ctx, id, params)
}

type mockHeadful struct {
	startFn  func(ctx context.Context, planID, token string) (headful.Run, error)
	actionFn func(ctx context.Context, runID string, req headful.ActionRequest) (headful.ActionResult, error)
	statusFn func(runID string) (headful.Run, error)
	closeFn  func(runID string) (headful.Run, error)
}

func (m *mockHeadful) Start(ctx context.Context, planID, token string) (headful.Run, error) {
	return m.startFn(ctx, planID, token)
}

func (m *mockHeadful) ExecuteAction(ctx context.Context, runID string, req headful.ActionRequest) (headful.ActionResult, error) {
	return m.actionFn(ctx, runID, req)
}

func (m *mockHeadful) Status(runID string) (headful.Run, error) { return m.statusFn(runID) }

func (m *mockHeadful) Close(runID string) (headful.Run, error) { return m.closeFn(runID) }

type mockPinger struct{ err error }

func (m *mockPinger) Ping(ctx context.Context) error { return m.err }

func newTestHandlers(p PlanService, hs HeadfulService) *Handlers {
	return New(p, hs, &mockPinger{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func jsonBody(t *testing.T, v interface{}) *bytes.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return bytes.NewReader(b)
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) api.ErrorResponse {
	t.Helper()
	var resp api.ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	return resp
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		code apperr.Code
		want int
	}{
		{apperr.PlanNotFound, http.StatusNotFound},
		{apperr.HeadfulRunNotFound, http.StatusNotFound},
		{apperr.InvalidConfirmToken, http.StatusForbidden},
		{apperr.RealUploadGuardrailViolation, http.StatusBadRequest},
		{apperr.InvalidGuardrailParams, http.StatusBadRequest},
		{apperr.InvalidRequest, http.StatusBadRequest},
		{apperr.ExecutionInProgress, http.StatusConflict},
		{apperr.HeadfulRunAlreadyActive, http.StatusConflict},
		{apperr.HeadfulActionInProgress, http.StatusConflict},
		{apperr.MissingStorageState, http.StatusPreconditionFailed},
		{apperr.RealUploaderNotRequested, http.StatusPreconditionFailed},
		{apperr.RealUploaderUnavailable, http.StatusPreconditionFailed},
		{apperr.WrongPage, http.StatusBadGateway},
		{apperr.Internal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.code); got != tt.want {
			t.Errorf("StatusFor(%s) = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestBuildPlan(t *testing.T) {
	var gotScope store.Scope
	plans := &mockPlans{buildFn: func(ctx context.Context, scope store.Scope) (*submission.BuildResult, error) {
		gotScope = scope
		return &submission.BuildResult{PlanID: "p1", ConfirmToken: "ct_1", Total: 2, Counts: map[string]int{"AUTO_UPLOAD": 2}}, nil
	}}
	h := newTestHandlers(plans, nil)

	req := httptest.NewRequest(http.MethodPost, "/plans", jsonBody(t, api.BuildPlanRequest{CompanyKey: "acme", PlatformID: "cae-1", TypeIDs: []string{"TC2"}}))
	rr := httptest.NewRecorder()
	h.BuildPlan(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("got status %d, want %d: %s", rr.Code, http.StatusCreated, rr.Body.String())
	}
	var resp api.BuildPlanResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != api.StatusOK || resp.PlanID != "p1" || resp.ConfirmToken != "ct_1" || resp.Counts["AUTO_UPLOAD"] != 2 {
		t.Errorf("unexpected response %+v", resp)
	}
	if gotScope.CompanyKey != "acme" || len(gotScope.TypeIDs) != 1 {
		t.Errorf("scope not passed through: %+v", gotScope)
	}
}

func TestBuildPlan_BadBody(t *testing.T) {
	h := newTestHandlers(&mockPlans{}, nil)

	for _, body := range []string{"{", `{"company_key": "acme", "bogus": 1}`} {
		req := httptest.NewRequest(http.MethodPost, "/plans", bytes.NewBufferString(body))
		rr := httptest.NewRecorder()
		h.BuildPlan(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("body %q: got status %d, want 400", body, rr.Code)
		}
		if resp := decodeError(t, rr); resp.ErrorCode != string(apperr.InvalidRequest) || resp.Status != api.StatusError {
			t.Errorf("body %q: unexpected error %+v", body, resp)
		}
	}
}

func TestGetPlan(t *testing.T) {
	doc := "d1"
	createdAt := time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)
	plans := &mockPlans{getFn: func(ctx context.Context, id string) (*store.SubmissionPlan, error) {
		if id != "p1" {
			return nil, apperr.New(apperr.PlanNotFound, "plan %s not found", id)
		}
		return &store.SubmissionPlan{
			ID:           "p1",
			ConfirmToken: "ct_1",
			Scope:        store.Scope{CompanyKey: "acme", PlatformID: "cae-1"},
			CreatedAt:    createdAt,
			Items: []store.PlanItem{
				{PendingItemKey: "k1", TypeID: "TC2", MatchedDocID: &doc, Decision: store.DecisionAutoUpload, Reason: "match_above_threshold", Confidence: 0.9},
			},
			Frozen: true,
		}, nil
	}}
	h := newTestHandlers(plans, nil)

	req := httptest.NewRequest(http.MethodGet, "/plans/p1", nil)
	req.SetPathValue("id", "p1")
	rr := httptest.NewRecorder()
	h.GetPlan(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rr.Code)
	}
	var resp api.PlanResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Items) != 1 || resp.Items[0].Decision != "AUTO_UPLOAD" || *resp.Items[0].MatchedDoc != "d1" {
		t.Errorf("unexpected items %+v", resp.Items)
	}
	if !resp.CreatedAt.Equal(createdAt) {
		t.Errorf("got CreatedAt %v", resp.CreatedAt)
	}

	req = httptest.NewRequest(http.MethodGet, "/plans/nope", nil)
	req.SetPathValue("id", "nope")
	rr = httptest.NewRecorder()
	h.GetPlan(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Errorf("got status %d, want 404", rr.Code)
	}
	if resp := decodeError(t, rr); resp.ErrorCode != "plan_not_found" {
		t.Errorf("unexpected error %+v", resp)
	}
}

func TestExecutePlan_IntentHeader(t *testing.T) {
	tests := []struct {
		header string
		want   bool
	}{
		{header: "", want: false},
		{header: "true", want: true},
		{header: "TRUE", want: true},
		{header: "1", want: false},
		{header: "yes", want: false},
	}

	for _, tt := range tests {
		t.Run("header="+tt.header, func(t *testing.T) {
			var got submission.ExecuteParams
			plans := &mockPlans{executeFn: func(ctx context.Context, id string, params submission.ExecuteParams) (*store.ExecutionResult, error) {
				got = params
				return &store.ExecutionResult{PlanID: id, Mode: store.ExecutionModeSimulated, Executed: true}, nil
			}}
			h := newTestHandlers(plans, nil)

			one := 1
			req := httptest.NewRequest(http.MethodPost, "/plans/p1/execute", jsonBody(t, api.ExecutePlanRequest{
				ConfirmToken: "ct_1", AllowlistTypeIDs: []string{"TC2"}, MaxUploads: &one, UseRealUploader: true,
			}))
			req.SetPathValue("id", "p1")
			if tt.header != "" {
				req.Header.Set(api.RealUploaderIntentHeader, tt.header)
			}
			rr := httptest.NewRecorder()
			h.ExecutePlan(rr, req)

			if rr.Code != http.StatusOK {
				t.Fatalf("got status %d", rr.Code)
			}
			if got.RealUploaderIntent != tt.want {
				t.Errorf("intent = %v, want %v", got.RealUploaderIntent, tt.want)
			}
			if !got.UseRealUploader || got.MaxUploads == nil || *got.MaxUploads != 1 || got.MinConfidence != nil {
				t.Errorf("params not passed through: %+v", got)
			}
		})
	}
}

func TestExecutePlan_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		wantDetail string
	}{
		{name: "guardrail", err: apperr.New(apperr.RealUploadGuardrailViolation, "real uploads are limited to one item"), wantStatus: 400, wantCode: "REAL_UPLOAD_GUARDRAIL_VIOLATION"},
		{name: "token", err: apperr.New(apperr.InvalidConfirmToken, "bad token"), wantStatus: 403, wantCode: "invalid_confirm_token"},
		{name: "in progress", err: apperr.New(apperr.ExecutionInProgress, "busy"), wantStatus: 409, wantCode: "execution_in_progress"},
		{name: "no intent", err: apperr.New(apperr.RealUploaderNotRequested, "intent missing"), wantStatus: 412, wantCode: "real_uploader_not_requested"},
		{
			name:       "portal",
			err:        apperr.New(apperr.WrongPage, "unexpected page").WithDetails(map[string]string{"current_url": "https://cae.example/login"}).WithEvidence("evidence/x.png"),
			wantStatus: 502,
			wantCode:   "wrong_page",
			wantDetail: "https://cae.example/login",
		},
		{name: "internal", err: errors.New("connection reset"), wantStatus: 500, wantCode: "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plans := &mockPlans{executeFn: func(ctx context.Context, id string, params submission.ExecuteParams) (*store.ExecutionResult, error) {
				return nil, tt.err
			}}
			h := newTestHandlers(plans, nil)

			req := httptest.NewRequest(http.MethodPost, "/plans/p1/execute", jsonBody(t, api.ExecutePlanRequest{ConfirmToken: "ct_1"}))
			req.SetPathValue("id", "p1")
			rr := httptest.NewRecorder()
			h.ExecutePlan(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("got status %d, want %d", rr.Code, tt.wantStatus)
			}
			resp := decodeError(t, rr)
			if resp.Status != api.StatusError || resp.ErrorCode != tt.wantCode {
				t.Errorf("unexpected error %+v", resp)
			}
			if tt.wantDetail != "" && (resp.Details["current_url"] != tt.wantDetail || resp.EvidenceRef == "") {
				t.Errorf("details or evidence missing: %+v", resp)
			}
			if tt.wantCode == "internal_error" && resp.Message != "internal error" {
				t.Errorf("internal causes must not leak, got %q", resp.Message)
			}
		})
	}
}

func TestHeadfulHandlers(t *testing.T) {
	startedAt := time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)
	run := headful.Run{RunID: "r1", PlanID: "p1", CompanyKey: "acme", PlatformID: "cae-1", State: headful.StateStarted, StartedAt: startedAt, LastActivityAt: startedAt}

	hs := &mockHeadful{
		startFn: func(ctx context.Context, planID, token string) (headful.Run, error) {
			if token != "ct_1" {
				return headful.Run{}, apperr.New(apperr.InvalidConfirmToken, "bad token")
			}
			return run, nil
		},
		actionFn: func(ctx context.Context, runID string, req headful.ActionRequest) (headful.ActionResult, error) {
			return headful.ActionResult{
				RunID:   runID,
				Item:    &store.ItemResult{PendingItemKey: "k1", TypeID: "TC2", Decision: store.DecisionAutoUpload, Outcome: store.OutcomeUploaded, Reason: "portal_upload_ok"},
				Summary: store.ExecutionSummary{Total: 1, Eligible: 1, Uploaded: 1},
			}, nil
		},
		statusFn: func(runID string) (headful.Run, error) {
			return headful.Run{}, apperr.New(apperr.HeadfulRunNotFound, "run %s not found", runID)
		},
		closeFn: func(runID string) (headful.Run, error) {
			closed := run
			closed.State = headful.StateClosed
			return closed, nil
		},
	}
	h := newTestHandlers(&mockPlans{}, hs)

	t.Run("start", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/headful/runs", jsonBody(t, api.StartHeadfulRunRequest{PlanID: "p1", ConfirmToken: "ct_1"}))
		rr := httptest.NewRecorder()
		h.StartHeadfulRun(rr, req)

		if rr.Code != http.StatusCreated {
			t.Fatalf("got status %d", rr.Code)
		}
		var resp api.HeadfulRunResponse
		json.NewDecoder(rr.Body).Decode(&resp)
		if resp.RunID != "r1" || resp.State != "started" || resp.UploadedItemKeys == nil {
			t.Errorf("unexpected response %+v", resp)
		}
	})

	t.Run("start without plan", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/headful/runs", jsonBody(t, api.StartHeadfulRunRequest{ConfirmToken: "ct_1"}))
		rr := httptest.NewRecorder()
		h.StartHeadfulRun(rr, req)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("got status %d, want 400", rr.Code)
		}
	})

	t.Run("start with bad token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/headful/runs", jsonBody(t, api.StartHeadfulRunRequest{PlanID: "p1", ConfirmToken: "nope"}))
		rr := httptest.NewRecorder()
		h.StartHeadfulRun(rr, req)
		if rr.Code != http.StatusForbidden {
			t.Errorf("got status %d, want 403", rr.Code)
		}
	})

	t.Run("action", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/headful/runs/r1/actions", jsonBody(t, api.HeadfulActionRequest{ConfirmToken: "ct_1"}))
		req.SetPathValue("id", "r1")
		rr := httptest.NewRecorder()
		h.ExecuteHeadfulAction(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("got status %d", rr.Code)
		}
		var resp api.HeadfulActionResponse
		json.NewDecoder(rr.Body).Decode(&resp)
		if resp.Item == nil || resp.Item.Outcome != "uploaded" || resp.Summary.Uploaded != 1 {
			t.Errorf("unexpected response %+v", resp)
		}
	})

	t.Run("status of unknown run", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/headful/runs/zzz", nil)
		req.SetPathValue("id", "zzz")
		rr := httptest.NewRecorder()
		h.HeadfulRunStatus(rr, req)
		if rr.Code != http.StatusNotFound {
			t.Errorf("got status %d, want 404", rr.Code)
		}
	})

	t.Run("close", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/headful/runs/r1", nil)
		req.SetPathValue("id", "r1")
		rr := httptest.NewRecorder()
		h.CloseHeadfulRun(rr, req)

		var resp api.HeadfulRunResponse
		json.NewDecoder(rr.Body).Decode(&resp)
		if rr.Code != http.StatusOK || resp.State != "closed" {
			t.Errorf("got status %d, state %s", rr.Code, resp.State)
		}
	})
}

func TestHeadfulHandlers_Disabled(t *testing.T) {
	h := newTestHandlers(&mockPlans{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/headful/runs", jsonBody(t, api.StartHeadfulRunRequest{PlanID: "p1"}))
	rr := httptest.NewRecorder()
	h.StartHeadfulRun(rr, req)

	if rr.Code != http.StatusPreconditionFailed {
		t.Errorf("got status %d, want 412", rr.Code)
	}
	if resp := decodeError(t, rr); resp.ErrorCode != "real_uploader_unavailable" {
		t.Errorf("unexpected error %+v", resp)
	}
}

func TestProbes(t *testing.T) {
	tests := []struct {
		name           string
		endpoint       string
		pingErr        error
		expectedStatus int
	}{
		{name: "Healthz Always OK", endpoint: "/healthz", pingErr: errors.New("db down"), expectedStatus: http.StatusOK},
		{name: "Readyz Success", endpoint: "/readyz", expectedStatus: http.StatusOK},
		{name: "Readyz Store Fail", endpoint: "/readyz", pingErr: errors.New("db down"), expectedStatus: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New(&mockPlans{}, nil, &mockPinger{err: tt.pingErr}, slog.New(slog.NewTextHandler(io.Discard, nil)))

			req := httptest.NewRequest(http.MethodGet, tt.endpoint, nil)
			rr := httptest.NewRecorder()

			if tt.endpoint == "/healthz" {
				h.Healthz(rr, req)
			} else {
				h.Readyz(rr, req)
			}

			if rr.Code != tt.expectedStatus {
				t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, tt.expectedStatus)
			}
		})
	}
}
