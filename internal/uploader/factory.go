package uploader

import (
	"context"
	"errors"
	"fmt"

	"caeplane/internal/apperr"
	"caeplane/internal/browser"
)

// SessionFactory opens a Portal on a fresh headless browser carrying the
// tenant's captured login. Used for real executions outside a headful run.
type SessionFactory struct {
	Driver   browser.Driver
	States   browser.StateStore
	Config   PortalConfig
	Evidence EvidenceStore
}

// Open returns the uploader and a func that closes its browser.
func (f *SessionFactory) Open(ctx context.Context, companyKey, platformID string) (Uploader, func() error, error) {
	state, _, err := f.States.Load(ctx, companyKey, platformID)
	if errors.Is(err, browser.ErrNoStorageState) {
		return nil, nil, apperr.New(apperr.MissingStorageState, "no captured session for %s on %s", companyKey, platformID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load storage state: %w", err)
	}
	if _, err := f.Config.Validate(); err != nil {
		return nil, nil, apperr.Wrap(apperr.RealUploaderUnavailable, err, "portal is not configured")
	}

	session, err := f.Driver.Open(ctx, browser.OpenOptions{Headless: true, StorageState: state})
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.RealUploaderUnavailable, err, "open browser")
	}

	portal, err := NewPortal(session, f.Config, f.Evidence)
	if err != nil {
		session.Close()
		return nil, nil, err
	}
	return portal, session.Close, nil
}
