package indexer

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v4"

	"github.com/his0si/retriever-project-lite/internal/fetcher"
	"github.com/his0si/retriever-project-lite/internal/tasks"
)

// ErrMissingURL is returned for process tasks submitted without a URL.
var ErrMissingURL = errors.New("process task has no url")

// Handler runs a process-URL task. Malformed URLs are not retried.
func (p *Processor) Handler(ctx context.Context, t tasks.Task) (any, error) {
	if t.Params.URL == "" {
		return nil, backoff.Permanent(ErrMissingURL)
	}
	res, err := p.Process(ctx, t.Params.URL)
	if errors.Is(err, fetcher.ErrUnsupportedScheme) {
		return nil, backoff.Permanent(err)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}
