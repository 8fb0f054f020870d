package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// runActions is chromedp.Run, swapped out in tests.
var runActions = chromedp.Run

// closeTimeout bounds how long Close waits for Chrome to exit on its own.
const closeTimeout = 10 * time.Second

// ChromeDriver opens sessions in a local Chrome through the DevTools protocol.
type ChromeDriver struct {
	// ExecPath overrides the Chrome binary. Empty uses chromedp's lookup.
	ExecPath string
	Logger   *slog.Logger
}

func NewChromeDriver(execPath string, logger *slog.Logger) *ChromeDriver {
	return &ChromeDriver{ExecPath: execPath, Logger: logger}
}

func (d *ChromeDriver) Open(ctx context.Context, opts OpenOptions) (Session, error) {
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(1440, 900),
	)
	if d.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(d.ExecPath))
	}

	// The browser outlives the request that opened it, so it hangs off a
	// background context and is torn down by Close. Cancelling base stops
	// everything without waiting; chromedp's own tab cancel blocks on a
	// browser that never launched, so it is not used.
	base, abort := context.WithCancel(context.Background())
	allocCtx, allocCancel := chromedp.NewExecAllocator(base, allocOpts...)
	tabCtx, _ := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...interface{}) {
			if d.Logger != nil {
				d.Logger.Debug(fmt.Sprintf(format, args...), "component", "chromedp")
			}
		}),
	)

	s := &chromeSession{ctx: tabCtx, abort: abort, allocCancel: allocCancel}

	if err := s.start(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	if opts.StorageState != nil {
		if err := s.applyState(ctx, opts.StorageState); err != nil {
			s.Close()
			return nil, fmt.Errorf("apply storage state: %w", err)
		}
	}
	return s, nil
}

type chromeSession struct {
	ctx         context.Context
	abort       context.CancelFunc
	allocCancel context.CancelFunc

	// started is set once the launching Run succeeded.
	started bool

	closeOnce sync.Once
	closeErr  error
}

// start launches the browser. chromedp binds the browser process and the tab
// to the context of the first Run, so that Run goes straight on the tab
// context. The caller's ctx can only abort the launch itself.
func (s *chromeSession) start(ctx context.Context) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	stop := context.AfterFunc(ctx, s.abort)
	err := runActions(s.ctx)
	if !stop() {
		return context.Cause(ctx)
	}
	if err != nil {
		return err
	}
	s.started = true
	return nil
}

// run executes actions on the tab, aborting when the caller's ctx is done.
// It must not be the first Run on the tab.
func (s *chromeSession) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return runActions(runCtx, actions...)
}

func (s *chromeSession) applyState(ctx context.Context, st *StorageState) error {
	if params := cookieParams(st.Cookies); len(params) > 0 {
		err := s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
			return network.SetCookies(params).Do(ctx)
		}))
		if err != nil {
			return fmt.Errorf("set cookies: %w", err)
		}
	}

	// Local storage is per origin, so each origin has to be loaded first.
	for _, o := range st.Origins {
		if len(o.LocalStorage) == 0 {
			continue
		}
		script, err := localStorageScript(o.LocalStorage)
		if err != nil {
			return err
		}
		var ok bool
		if err := s.run(ctx, chromedp.Navigate(o.Origin), chromedp.Evaluate(script, &ok)); err != nil {
			return fmt.Errorf("local storage for %s: %w", o.Origin, err)
		}
	}
	return nil
}

func (s *chromeSession) Navigate(ctx context.Context, url string) error {
	return s.run(ctx, chromedp.Navigate(url), chromedp.WaitReady("body"))
}

func (s *chromeSession) Location(ctx context.Context) (string, error) {
	var loc string
	err := s.run(ctx, chromedp.Location(&loc))
	return loc, err
}

func (s *chromeSession) SetFile(ctx context.Context, selector, path string) error {
	return s.run(ctx,
		chromedp.WaitReady(selector, chromedp.ByQuery),
		chromedp.SetUploadFiles(selector, []string{path}, chromedp.ByQuery),
	)
}

func (s *chromeSession) Click(ctx context.Context, selector string) error {
	return s.run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
	)
}

func (s *chromeSession) WaitVisible(ctx context.Context, selector string) error {
	return s.run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

func (s *chromeSession) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := s.run(ctx, chromedp.CaptureScreenshot(&buf))
	return buf, err
}

// Close shuts the browser down. A launched browser is asked to close
// gracefully first; one that never came up is only cancelled.
func (s *chromeSession) Close() error {
	s.closeOnce.Do(func() {
		if s.launched() {
			ctx, cancel := context.WithTimeout(s.ctx, closeTimeout)
			if err := chromedp.Cancel(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.closeErr = err
			}
			cancel()
		}
		s.abort()
		s.allocCancel()
	})
	return s.closeErr
}

// launched reports whether a live browser is attached to the tab.
// chromedp.Cancel never returns for a tab without one.
func (s *chromeSession) launched() bool {
	if !s.started || s.ctx.Err() != nil {
		return false
	}
	c := chromedp.FromContext(s.ctx)
	return c != nil && c.Browser != nil
}

func cookieParams(cookies []Cookie) []*network.CookieParam {
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		p := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}
		if c.Expires > 0 {
			sec, frac := math.Modf(c.Expires)
			exp := cdp.TimeSinceEpoch(time.Unix(int64(sec), int64(frac*1e9)))
			p.Expires = &exp
		}
		switch strings.ToLower(c.SameSite) {
		case "strict":
			p.SameSite = network.CookieSameSiteStrict
		case "lax":
			p.SameSite = network.CookieSameSiteLax
		case "none":
			p.SameSite = network.CookieSameSiteNone
		}
		params = append(params, p)
	}
	return params
}

func localStorageScript(entries []NameValue) (string, error) {
	var b strings.Builder
	for _, e := range entries {
		k, err := json.Marshal(e.Name)
		if err != nil {
			return "", err
		}
		v, err := json.Marshal(e.Value)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "localStorage.setItem(%s, %s);", k, v)
	}
	b.WriteString("true")
	return b.String(), nil
}
