// Package browsertest provides an in-memory browser for tests.
package browsertest

import (
	"context"
	"errors"
	"sync"

	"caeplane/internal/browser"
)

// ErrClosed is returned by a Session used after Close.
var ErrClosed = errors.New("session closed")

// Driver hands out fake sessions and remembers them.
type Driver struct {
	// OpenErr makes Open fail.
	OpenErr error
	// Configure is called on every new session before it is returned.
	Configure func(*Session)

	mu       sync.Mutex
	sessions []*Session
}

func (d *Driver) Open(ctx context.Context, opts browser.OpenOptions) (browser.Session, error) {
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	s := &Session{Opts: opts, CurrentURL: "about:blank"}
	if d.Configure != nil {
		d.Configure(s)
	}
	d.mu.Lock()
	d.sessions = append(d.sessions, s)
	d.mu.Unlock()
	return s, nil
}

// Sessions returns the sessions opened so far.
func (d *Driver) Sessions() []*Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Session(nil), d.sessions...)
}

// Session records calls. By default navigation lands exactly on the
// requested URL and every action succeeds.
type Session struct {
	Opts browser.OpenOptions

	// Redirect, when set, maps a navigated URL to where the page ends up.
	Redirect func(url string) string
	// Hooks to inject failures.
	NavigateErr    error
	SetFileErr     error
	ClickErr       error
	WaitVisibleErr error
	// OnClick runs before a click is recorded, e.g. to block.
	OnClick func(ctx context.Context) error

	mu         sync.Mutex
	CurrentURL string
	Visited    []string
	Files      map[string]string
	Clicks     []string
	Shots      int
	Closed     bool
}

func (s *Session) Navigate(ctx context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Closed {
		return ErrClosed
	}
	if s.NavigateErr != nil {
		return s.NavigateErr
	}
	s.Visited = append(s.Visited, url)
	s.CurrentURL = url
	if s.Redirect != nil {
		s.CurrentURL = s.Redirect(url)
	}
	return nil
}

func (s *Session) Location(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Closed {
		return "", ErrClosed
	}
	return s.CurrentURL, nil
}

func (s *Session) SetFile(ctx context.Context, selector, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SetFileErr != nil {
		return s.SetFileErr
	}
	if s.Files == nil {
		s.Files = map[string]string{}
	}
	s.Files[selector] = path
	return nil
}

func (s *Session) Click(ctx context.Context, selector string) error {
	if s.OnClick != nil {
		if err := s.OnClick(ctx); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ClickErr != nil {
		return s.ClickErr
	}
	s.Clicks = append(s.Clicks, selector)
	return nil
}

func (s *Session) WaitVisible(ctx context.Context, selector string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.WaitVisibleErr
}

func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Shots++
	return []byte("\x89PNG fake"), nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return nil
}

// IsClosed reports whether Close was called.
func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Closed
}

// ClickCount returns the number of recorded clicks.
func (s *Session) ClickCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Clicks)
}

// StateStore serves storage states from a map keyed by "company/platform".
type StateStore struct {
	States map[string]*browser.StorageState
}

func (s *StateStore) Load(ctx context.Context, companyKey, platformID string) (*browser.StorageState, string, error) {
	key := companyKey + "/" + platformID
	st, ok := s.States[key]
	if !ok {
		return nil, "", browser.ErrNoStorageState
	}
	return st, "mem://" + key, nil
}
