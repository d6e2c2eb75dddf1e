package crawl

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v4"

	"github.com/his0si/retriever-project-lite/internal/tasks"
)

// Submitter is the part of the worker pool the crawler needs. SubmitWait
// blocks until the task is queued, so no visited URL is dropped when the
// queue is full.
type Submitter interface {
	SubmitWait(ctx context.Context, kind tasks.Kind, params tasks.Params) (tasks.Task, error)
}

// TaskScheduler schedules processing as process-URL tasks.
type TaskScheduler struct {
	Tasks Submitter
}

func (s TaskScheduler) ScheduleProcess(ctx context.Context, pageURL string) error {
	_, err := s.Tasks.SubmitWait(ctx, tasks.KindProcessURL, tasks.Params{URL: pageURL})
	return err
}

// CrawlHandler runs a crawl task. An invalid root is not retried.
func (c *Crawler) CrawlHandler(ctx context.Context, t tasks.Task) (any, error) {
	res, err := c.Crawl(ctx, t.Params.RootURL, t.Params.MaxDepth)
	if errors.Is(err, ErrInvalidRoot) {
		return nil, backoff.Permanent(err)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// AutoCrawlHandler returns a task handler that auto-crawls the sites in src.
func (c *Crawler) AutoCrawlHandler(src SiteSource) func(context.Context, tasks.Task) (any, error) {
	return func(ctx context.Context, _ tasks.Task) (any, error) {
		res, err := c.AutoCrawl(ctx, src)
		if err != nil {
			return nil, err
		}
		return res, nil
	}
}
