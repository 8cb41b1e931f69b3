package cache

import (
	"context"
	"time"

	"github.com/JakeFAU/realtime-job-aggregator/internal/jobs"
)

// JobResults stores merged job listings keyed by request fingerprint.
type JobResults struct {
	store *Expiring[[]jobs.JobRecord]
}

// NewJobResults builds an empty result cache.
func NewJobResults() *JobResults {
	return &JobResults{store: New[[]jobs.JobRecord]()}
}

// Lookup returns a copy of the cached listings for key.
func (r *JobResults) Lookup(_ context.Context, key string) ([]jobs.JobRecord, bool, error) {
	records, ok := r.store.Get(key)
	if !ok {
		return nil, false, nil
	}
	return append([]jobs.JobRecord(nil), records...), true, nil
}

// Store caches a copy of records under key for ttl.
func (r *JobResults) Store(_ context.Context, key string, records []jobs.JobRecord, ttl time.Duration) error {
	r.store.Set(key, append(make([]jobs.JobRecord, 0, len(records)), records...), ttl)
	return nil
}

// Len reports the number of cached result sets.
func (r *JobResults) Len() int {
	return r.store.Len()
}

// Run sweeps expired result sets every interval until ctx is done.
func (r *JobResults) Run(ctx context.Context, interval time.Duration) {
	r.store.Run(ctx, interval)
}
