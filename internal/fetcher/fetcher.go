// Package fetcher retrieves rendered pages and their outgoing links.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ErrUnsupportedScheme is returned for URLs that are not http or https.
var ErrUnsupportedScheme = errors.New("unsupported url scheme")

// DefaultRenderTimeout bounds a single page render, including the wait for
// network activity to settle.
const DefaultRenderTimeout = 60 * time.Second

// Page is the result of fetching one URL.
type Page struct {
	URL      string   // requested URL
	FinalURL string   // URL after redirects
	HTML     string   // DOM after scripts ran
	Links    []string // absolute http(s) links, fragments stripped, in document order
}

// Fetcher retrieves a URL and returns its rendered HTML and links.
// Implementations are safe for concurrent use.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*Page, error)
	Close() error
}

// FetchError reports a failure to retrieve a page.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Options selects and configures a Fetcher built by Open.
type Options struct {
	Mode              string // "headless" (default) or "static"
	UserAgent         string
	RenderTimeout     time.Duration
	RequestsPerSecond float64
	Burst             int
}

// Open builds the Fetcher described by opts, wrapped with per-host rate limiting.
// For headless mode the browser is launched before Open returns.
func Open(ctx context.Context, opts Options) (Fetcher, error) {
	var inner Fetcher
	switch opts.Mode {
	case "static":
		inner = NewColly(CollyConfig{UserAgent: opts.UserAgent, Timeout: opts.RenderTimeout})
	case "", "headless":
		f, err := NewChromedp(ctx, ChromedpConfig{UserAgent: opts.UserAgent, RenderTimeout: opts.RenderTimeout})
		if err != nil {
			return nil, err
		}
		inner = f
	default:
		return nil, fmt.Errorf("unknown fetcher mode %q", opts.Mode)
	}
	return NewLimited(inner, opts.RequestsPerSecond, opts.Burst), nil
}

// checkURL rejects anything a browser should not be pointed at.
func checkURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return nil, &FetchError{URL: rawURL, Err: fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)}
	}
	if u.Host == "" {
		return nil, &FetchError{URL: rawURL, Err: errors.New("missing host")}
	}
	return u, nil
}
