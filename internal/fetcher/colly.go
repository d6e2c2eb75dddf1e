package fetcher

import (
	"context"
	"fmt"
	"time"

	"github.com/gocolly/colly/v2"
)

// CollyConfig controls the static HTTP fetcher.
type CollyConfig struct {
	UserAgent string
	Timeout   time.Duration
}

// Colly fetches pages over plain HTTP without running scripts.
type Colly struct {
	base *colly.Collector
}

var _ Fetcher = (*Colly)(nil)

// NewColly builds a static fetcher. Each Fetch runs on a clone of one base collector.
func NewColly(cfg CollyConfig) *Colly {
	opts := []colly.CollectorOption{
		colly.Async(false),
		colly.AllowURLRevisit(),
	}
	if cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(cfg.UserAgent))
	}
	base := colly.NewCollector(opts...)
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultRenderTimeout
	}
	base.SetRequestTimeout(timeout)
	return &Colly{base: base}
}

// Fetch retrieves rawURL. Non-2xx responses are failures.
func (f *Colly) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	if _, err := checkURL(rawURL); err != nil {
		return nil, err
	}

	collector := f.base.Clone()
	var (
		html     string
		finalURL string
		fetchErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		html = string(r.Body)
		finalURL = r.Request.URL.String()
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			fetchErr = fmt.Errorf("status %d: %w", r.StatusCode, err)
			return
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return nil, &FetchError{URL: rawURL, Err: ctx.Err()}
	case err := <-done:
		if fetchErr != nil {
			return nil, &FetchError{URL: rawURL, Err: fetchErr}
		}
		if err != nil {
			return nil, &FetchError{URL: rawURL, Err: err}
		}
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

// Close is a no-op; collectors hold no long-lived resources.
func (f *Colly) Close() error {
	return nil
}
