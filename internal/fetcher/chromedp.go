package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// networkQuietPeriod is how long the page must have no requests in flight
// before it is considered settled.
const networkQuietPeriod = 500 * time.Millisecond

// ChromedpConfig controls the headless browser.
type ChromedpConfig struct {
	UserAgent     string
	RenderTimeout time.Duration
}

// Chromedp renders pages in headless Chrome, one tab per fetch.
// A crashed browser is relaunched on the next fetch.
type Chromedp struct {
	cfg ChromedpConfig

	mu            sync.Mutex
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	closed        bool
}

var _ Fetcher = (*Chromedp)(nil)

// NewChromedp launches headless Chrome. Launch failures are returned as is so
// callers can retry the whole task.
func NewChromedp(ctx context.Context, cfg ChromedpConfig) (*Chromedp, error) {
	if cfg.RenderTimeout <= 0 {
		cfg.RenderTimeout = DefaultRenderTimeout
	}
	f := &Chromedp{cfg: cfg}
	if err := f.launch(ctx); err != nil {
		return nil, err
	}
	return f, nil
}

// launch must be called with mu held or before f is shared.
func (f *Chromedp) launch(ctx context.Context) error {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("hide-scrollbars", true),
	)
	if f.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(f.cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	started := make(chan error, 1)
	go func() { started <- chromedp.Run(browserCtx) }()
	select {
	case err := <-started:
		if err != nil {
			browserCancel()
			allocCancel()
			return fmt.Errorf("launch browser: %w", err)
		}
	case <-ctx.Done():
		browserCancel()
		allocCancel()
		return fmt.Errorf("launch browser: %w", ctx.Err())
	}

	f.allocCancel = allocCancel
	f.browserCtx = browserCtx
	f.browserCancel = browserCancel
	return nil
}

func (f *Chromedp) browser(ctx context.Context) (context.Context, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, errors.New("fetcher closed")
	}
	if f.browserCtx == nil || f.browserCtx.Err() != nil {
		f.shutdown()
		if err := f.launch(ctx); err != nil {
			return nil, err
		}
	}
	return f.browserCtx, nil
}

// Fetch opens a tab, navigates, waits for the network to go quiet and returns
// the DOM. The tab is closed on every path.
func (f *Chromedp) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	if _, err := checkURL(rawURL); err != nil {
		return nil, err
	}
	browserCtx, err := f.browser(ctx)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}

	tabCtx, closeTab := chromedp.NewContext(browserCtx)
	defer closeTab()
	stop := context.AfterFunc(ctx, closeTab)
	defer stop()

	tabCtx, cancel := context.WithTimeout(tabCtx, f.cfg.RenderTimeout)
	defer cancel()

	tracker := newIdleTracker(time.Now)
	chromedp.ListenTarget(tabCtx, tracker.observe)

	var html, finalURL string
	err = chromedp.Run(tabCtx,
		network.Enable(),
		chromedp.Navigate(rawURL),
		waitNetworkIdle(tracker, networkQuietPeriod),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	if finalURL == "" {
		finalURL = rawURL
	}

	links, err := ExtractLinks(html, finalURL)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	return &Page{URL: rawURL, FinalURL: finalURL, HTML: html, Links: links}, nil
}

// Close shuts the browser down.
func (f *Chromedp) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.shutdown()
	return nil
}

func (f *Chromedp) shutdown() {
	if f.browserCancel != nil {
		f.browserCancel()
		f.browserCancel = nil
	}
	if f.allocCancel != nil {
		f.allocCancel()
		f.allocCancel = nil
	}
	f.browserCtx = nil
}

// idleTracker counts in-flight network requests of one tab.
type idleTracker struct {
	now func() time.Time

	mu       sync.Mutex
	inflight map[network.RequestID]struct{}
	last     time.Time
}

func newIdleTracker(now func() time.Time) *idleTracker {
	return &idleTracker{now: now, inflight: make(map[network.RequestID]struct{}), last: now()}
}

func (t *idleTracker) observe(ev any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		t.inflight[e.RequestID] = struct{}{}
	case *network.EventLoadingFinished:
		delete(t.inflight, e.RequestID)
	case *network.EventLoadingFailed:
		delete(t.inflight, e.RequestID)
	default:
		return
	}
	t.last = t.now()
}

// quietFor reports how long the tab has had nothing in flight.
func (t *idleTracker) quietFor() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.inflight) > 0 {
		return 0
	}
	return t.now().Sub(t.last)
}

func waitNetworkIdle(t *idleTracker, quiet time.Duration) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			if t.quietFor() >= quiet {
				return nil
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("wait for network idle: %w", ctx.Err())
			case <-ticker.C:
			}
		}
	}
}
