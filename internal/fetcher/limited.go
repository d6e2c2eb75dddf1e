package fetcher

import (
	"context"
	"net/url"
	"sync"

	"golang.org/x/time/rate"
)

// Limited spaces out requests to the same host.
type Limited struct {
	next  Fetcher
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

var _ Fetcher = (*Limited)(nil)

// NewLimited wraps next with a token bucket per host. rps <= 0 disables limiting.
func NewLimited(next Fetcher, rps float64, burst int) *Limited {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limited{next: next, limit: limit, burst: burst, limiters: make(map[string]*rate.Limiter)}
}

func (l *Limited) limiter(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[host]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[host] = lim
	}
	return lim
}

// Fetch waits for the host's token and then delegates.
func (l *Limited) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	host := "unknown"
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		host = u.Hostname()
	}
	if err := l.limiter(host).Wait(ctx); err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	return l.next.Fetch(ctx, rawURL)
}

func (l *Limited) Close() error {
	return l.next.Close()
}
