package aggregator

import (
	"context"
	"time"

	"github.com/JakeFAU/realtime-job-aggregator/internal/browser"
	"github.com/JakeFAU/realtime-job-aggregator/internal/jobs"
)

// Pool lends exclusive browser handles.
type Pool interface {
	Acquire(ctx context.Context) (*browser.Handle, error)
	Release(h *browser.Handle)
}

// Scraper extracts listings for one source using a shared browser. It opens
// and closes its own tab on the handle.
type Scraper interface {
	Name() string
	ScrapeJobs(ctx context.Context, h *browser.Handle, params jobs.SearchParams) ([]jobs.JobRecord, error)
}

// ResultCache stores merged results by request fingerprint.
type ResultCache interface {
	Lookup(ctx context.Context, key string) ([]jobs.JobRecord, bool, error)
	Store(ctx context.Context, key string, records []jobs.JobRecord, ttl time.Duration) error
}

// Hasher derives a stable digest from request fields.
type Hasher interface {
	Fingerprint(parts ...string) string
}

// Limiter paces requests per source.
type Limiter interface {
	Wait(ctx context.Context, key string) error
}
