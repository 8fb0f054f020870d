// Package browser drives the portal through a real browser.
package browser

import "context"

// OpenOptions controls how a browser session is opened.
type OpenOptions struct {
	// Headless hides the browser window. Headful runs set it to false so an
	// operator can unblock a portal step by hand.
	Headless bool

	// StorageState is applied before the session is returned. Nil opens a
	// clean profile.
	StorageState *StorageState
}

// Driver opens browser sessions.
type Driver interface {
	Open(ctx context.Context, opts OpenOptions) (Session, error)
}

// Session is one browser tab. It is not safe for concurrent use.
type Session interface {
	Navigate(ctx context.Context, url string) error
	Location(ctx context.Context) (string, error)
	// SetFile puts a local file into the file input matched by selector.
	SetFile(ctx context.Context, selector, path string) error
	Click(ctx context.Context, selector string) error
	WaitVisible(ctx context.Context, selector string) error
	// Screenshot returns a PNG of the viewport.
	Screenshot(ctx context.Context) ([]byte, error)
	Close() error
}
