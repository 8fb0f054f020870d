package uploader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"caeplane/internal/apperr"
	"caeplane/internal/browser"
	"caeplane/internal/browser/browsertest"
	"caeplane/internal/store"
)

func testConfig(t *testing.T) PortalConfig {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "acme"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "acme", "tc2.pdf"), []byte("%PDF"), 0o644); err != nil {
		t.Fatal(err)
	}
	return PortalConfig{
		UploadURLTemplate:    "https://cae.example/items/{pending_item_key}/upload?type={type_id}",
		ExpectedPagePattern:  `^https://cae\.example/items/[^/]+/upload`,
		FileInputSelector:    "input[type=file]",
		SubmitSelector:       "#submit",
		ConfirmationSelector: ".upload-ok",
		DocumentsDir:         dir,
	}
}

func testRequest() Request {
	return Request{
		PlanID: "plan-1",
		Item: store.PlanItem{
			PendingItemKey: "acme|w 1|TC2|2024-05",
			TypeID:         "TC2",
			SubjectID:      "w 1",
			PeriodKey:      "2024-05",
		},
		Document: store.Document{ID: "doc-1", FileRef: "acme/tc2.pdf"},
	}
}

type memEvidence struct {
	saved []string
}

func (m *memEvidence) Save(ctx context.Context, name string, png []byte) (string, error) {
	m.saved = append(m.saved, name)
	return "evidence/" + name, nil
}

func TestSimulated_AlwaysSucceeds(t *testing.T) {
	s := NewSimulated()
	out, err := s.Upload(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Reason != ReasonSimulatedOK {
		t.Errorf("reason = %s, want %s", out.Reason, ReasonSimulatedOK)
	}
	if got := s.Requests(); len(got) != 1 || got[0].Document.ID != "doc-1" {
		t.Errorf("expected the request to be recorded, got %+v", got)
	}
}

func TestPortal_UploadSuccess(t *testing.T) {
	cfg := testConfig(t)
	session := &browsertest.Session{}
	ev := &memEvidence{}

	p, err := NewPortal(session, cfg, ev)
	if err != nil {
		t.Fatalf("NewPortal: %v", err)
	}

	out, err := p.Upload(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Reason != ReasonPortalOK {
		t.Errorf("reason = %s", out.Reason)
	}
	if out.EvidenceRef == "" {
		t.Error("expected a confirmation screenshot ref")
	}

	wantURL := "https://cae.example/items/acme%7Cw%201%7CTC2%7C2024-05/upload?type=TC2"
	if len(session.Visited) != 1 || session.Visited[0] != wantURL {
		t.Errorf("visited %v, want %s", session.Visited, wantURL)
	}
	if got := session.Files[cfg.FileInputSelector]; got != filepath.Join(cfg.DocumentsDir, "acme", "tc2.pdf") {
		t.Errorf("file input = %s", got)
	}
	if len(session.Clicks) != 1 || session.Clicks[0] != "#submit" {
		t.Errorf("clicks = %v", session.Clicks)
	}
}

func TestPortal_WrongPage(t *testing.T) {
	cfg := testConfig(t)
	session := &browsertest.Session{Redirect: func(string) string { return "https://cae.example/login" }}
	ev := &memEvidence{}

	p, err := NewPortal(session, cfg, ev)
	if err != nil {
		t.Fatal(err)
	}

	_, err = p.Upload(context.Background(), testRequest())
	var ae *apperr.Error
	if !errors.As(err, &ae) || ae.Code != apperr.WrongPage {
		t.Fatalf("expected wrong_page, got %v", err)
	}
	if ae.Details["current_url"] != "https://cae.example/login" {
		t.Errorf("current_url = %q", ae.Details["current_url"])
	}
	if ae.Details["expected_pattern"] != cfg.ExpectedPagePattern {
		t.Errorf("expected_pattern = %q", ae.Details["expected_pattern"])
	}
	if ae.EvidenceRef == "" || len(ev.saved) != 1 {
		t.Errorf("expected one screenshot as evidence, got ref=%q saved=%v", ae.EvidenceRef, ev.saved)
	}
	if len(session.Clicks) != 0 {
		t.Error("must not submit on the wrong page")
	}
}

func TestPortal_Failures(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(s *browsertest.Session, r *Request)
		want    apperr.Code
		clicked bool
	}{
		{name: "missing file", mutate: func(s *browsertest.Session, r *Request) { r.Document.FileRef = "acme/none.pdf" }, want: apperr.DocumentFileMissing},
		{name: "empty file ref", mutate: func(s *browsertest.Session, r *Request) { r.Document.FileRef = "" }, want: apperr.DocumentFileMissing},
		{name: "escaping ref", mutate: func(s *browsertest.Session, r *Request) { r.Document.FileRef = "../../etc/passwd" }, want: apperr.DocumentFileMissing},
		{name: "navigation fails", mutate: func(s *browsertest.Session, r *Request) { s.NavigateErr = errors.New("net::ERR") }, want: apperr.PortalUploadFailed},
		{name: "no confirmation", mutate: func(s *browsertest.Session, r *Request) { s.WaitVisibleErr = context.DeadlineExceeded }, want: apperr.PortalUploadFailed, clicked: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session := &browsertest.Session{}
			req := testRequest()
			tt.mutate(session, &req)

			p, err := NewPortal(session, testConfig(t), nil)
			if err != nil {
				t.Fatal(err)
			}
			_, err = p.Upload(context.Background(), req)
			if !apperr.HasCode(err, tt.want) {
				t.Fatalf("expected %s, got %v", tt.want, err)
			}
			if clicked := len(session.Clicks) > 0; clicked != tt.clicked {
				t.Errorf("clicked = %v, want %v", clicked, tt.clicked)
			}
		})
	}
}

func TestPortalConfig_Validate(t *testing.T) {
	cfg := testConfig(t)
	cfg.ExpectedPagePattern = "("
	if _, err := cfg.Validate(); err == nil {
		t.Error("expected error for invalid pattern")
	}

	cfg = testConfig(t)
	cfg.SubmitSelector = ""
	if _, err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "submit selector") {
		t.Errorf("expected submit selector error, got %v", err)
	}
}

func TestSessionFactory_Open(t *testing.T) {
	driver := &browsertest.Driver{}
	states := &browsertest.StateStore{States: map[string]*browser.StorageState{
		"acme/cae-1": {Cookies: []browser.Cookie{{Name: "SESSION", Value: "x", Domain: "cae.example"}}},
	}}
	f := &SessionFactory{Driver: driver, States: states, Config: testConfig(t)}

	portal, closeFn, err := f.Open(context.Background(), "acme", "cae-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if portal == nil {
		t.Fatal("expected a portal")
	}

	sessions := driver.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("expected one session, got %d", len(sessions))
	}
	if !sessions[0].Opts.Headless || sessions[0].Opts.StorageState == nil {
		t.Errorf("expected a headless session with storage state, got %+v", sessions[0].Opts)
	}

	if err := closeFn(); err != nil {
		t.Fatal(err)
	}
	if !sessions[0].IsClosed() {
		t.Error("expected close func to close the session")
	}

	_, _, err = f.Open(context.Background(), "globex", "cae-1")
	if !apperr.HasCode(err, apperr.MissingStorageState) {
		t.Errorf("expected missing_storage_state, got %v", err)
	}

	driver.OpenErr = errors.New("chrome not found")
	_, _, err = f.Open(context.Background(), "acme", "cae-1")
	if !apperr.HasCode(err, apperr.RealUploaderUnavailable) {
		t.Errorf("expected real_uploader_unavailable, got %v", err)
	}
}

func TestDirEvidence_Save(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "evidence")
	ev := NewDirEvidence(dir)

	ref, err := ev.Save(context.Background(), "plan-1_acme|w1/../x_wrong_page", []byte("png"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filepath.Dir(ref) != dir {
		t.Errorf("evidence escaped its dir: %s", ref)
	}
	data, err := os.ReadFile(ref)
	if err != nil || string(data) != "png" {
		t.Errorf("read back %q, %v", data, err)
	}
}
