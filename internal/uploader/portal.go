package uploader

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"caeplane/internal/apperr"
	"caeplane/internal/browser"
)

// PortalConfig describes how to reach and drive the portal's upload form.
type PortalConfig struct {
	// UploadURLTemplate may contain {pending_item_key}, {type_id},
	// {subject_id} and {period_key}. Values are path-escaped.
	UploadURLTemplate    string
	ExpectedPagePattern  string
	FileInputSelector    string
	SubmitSelector       string
	ConfirmationSelector string

	// DocumentsDir is the root that document file refs are resolved against.
	DocumentsDir string
}

// Validate checks the config and compiles the page pattern.
func (c PortalConfig) Validate() (*regexp.Regexp, error) {
	switch {
	case c.UploadURLTemplate == "":
		return nil, errors.New("portal upload url template is required")
	case c.FileInputSelector == "":
		return nil, errors.New("portal file input selector is required")
	case c.SubmitSelector == "":
		return nil, errors.New("portal submit selector is required")
	case c.ConfirmationSelector == "":
		return nil, errors.New("portal confirmation selector is required")
	case c.DocumentsDir == "":
		return nil, errors.New("documents dir is required")
	}
	pattern := c.ExpectedPagePattern
	if pattern == "" {
		pattern = ".*"
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid expected page pattern: %w", err)
	}
	return re, nil
}

// Portal uploads through a live browser session. It is bound to one session
// and inherits its single-caller restriction.
type Portal struct {
	session  browser.Session
	cfg      PortalConfig
	page     *regexp.Regexp
	evidence EvidenceStore
}

// NewPortal binds a session to the portal config.
func NewPortal(session browser.Session, cfg PortalConfig, evidence EvidenceStore) (*Portal, error) {
	page, err := cfg.Validate()
	if err != nil {
		return nil, err
	}
	return &Portal{session: session, cfg: cfg, page: page, evidence: evidence}, nil
}

func (p *Portal) Upload(ctx context.Context, req Request) (Outcome, error) {
	file, err := p.resolveFile(req.Document.FileRef)
	if err != nil {
		return Outcome{}, err
	}

	target := p.uploadURL(req)
	if err := p.session.Navigate(ctx, target); err != nil {
		return Outcome{}, apperr.Wrap(apperr.PortalUploadFailed, err, "navigate to upload page")
	}

	loc, err := p.session.Location(ctx)
	if err != nil {
		return Outcome{}, apperr.Wrap(apperr.PortalUploadFailed, err, "read current location")
	}
	if !p.page.MatchString(loc) {
		wrong := apperr.New(apperr.WrongPage, "portal is not on the upload page").WithDetails(map[string]string{
			"current_url":      loc,
			"expected_pattern": p.page.String(),
		})
		if ref := p.capture(ctx, req, "wrong_page"); ref != "" {
			wrong = wrong.WithEvidence(ref)
		}
		return Outcome{}, wrong
	}

	steps := []struct {
		what string
		do   func() error
	}{
		{"set file", func() error { return p.session.SetFile(ctx, p.cfg.FileInputSelector, file) }},
		{"submit", func() error { return p.session.Click(ctx, p.cfg.SubmitSelector) }},
		{"wait for confirmation", func() error { return p.session.WaitVisible(ctx, p.cfg.ConfirmationSelector) }},
	}
	for _, step := range steps {
		if err := step.do(); err != nil {
			failed := apperr.Wrap(apperr.PortalUploadFailed, err, step.what)
			if ref := p.capture(ctx, req, "failed"); ref != "" {
				failed = failed.WithEvidence(ref)
			}
			return Outcome{}, failed
		}
	}

	return Outcome{Reason: ReasonPortalOK, EvidenceRef: p.capture(ctx, req, "confirmed")}, nil
}

func (p *Portal) uploadURL(req Request) string {
	r := strings.NewReplacer(
		"{pending_item_key}", url.PathEscape(req.Item.PendingItemKey),
		"{type_id}", url.PathEscape(req.Item.TypeID),
		"{subject_id}", url.PathEscape(req.Item.SubjectID),
		"{period_key}", url.PathEscape(req.Item.PeriodKey),
	)
	return r.Replace(p.cfg.UploadURLTemplate)
}

// resolveFile maps a file ref to a path under DocumentsDir. Refs cannot escape the root.
func (p *Portal) resolveFile(ref string) (string, error) {
	if ref == "" {
		return "", apperr.New(apperr.DocumentFileMissing, "document has no file")
	}
	path := filepath.Join(p.cfg.DocumentsDir, filepath.Clean("/"+ref))
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", apperr.New(apperr.DocumentFileMissing, "document file %s not found", ref)
	}
	return path, nil
}

// capture saves a screenshot and returns its ref, or "" when nothing was saved.
func (p *Portal) capture(ctx context.Context, req Request, label string) string {
	if p.evidence == nil {
		return ""
	}
	png, err := p.session.Screenshot(ctx)
	if err != nil || len(png) == 0 {
		return ""
	}
	ref, err := p.evidence.Save(ctx, req.PlanID+"_"+req.Item.PendingItemKey+"_"+label, png)
	if err != nil {
		return ""
	}
	return ref
}
