// Package aggregator fans a search out to the site scrapers on one pooled
// browser, merges the listings and caches the result.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/realtime-job-aggregator/internal/browser"
	"github.com/JakeFAU/realtime-job-aggregator/internal/jobs"
	"github.com/JakeFAU/realtime-job-aggregator/internal/logging"
	"github.com/JakeFAU/realtime-job-aggregator/internal/telemetry"
)

var (
	// ErrNoBrowser wraps a failure to obtain a browser handle.
	ErrNoBrowser = errors.New("no browser available")
	// ErrCacheUnavailable wraps a failed cache lookup.
	ErrCacheUnavailable = errors.New("result cache unavailable")
)

// Scrape outcome labels.
const (
	statusSuccess = "success"
	statusError   = "error"
	statusPanic   = "panic"
	statusSkipped = "skipped"
)

// Config tunes aggregation.
type Config struct {
	// CacheTTL is how long merged results stay cached.
	CacheTTL time.Duration
	// ScraperTimeout bounds each scraper. Zero leaves only the caller's deadline.
	ScraperTimeout time.Duration
	// SortByRecency orders merged results by normalized posted date.
	SortByRecency bool
	// DefaultSources is used when a request names none. Empty means all.
	DefaultSources []string
}

// Service orchestrates one aggregation per call.
type Service struct {
	pool     Pool
	cache    ResultCache
	hasher   Hasher
	cfg      Config
	logger   *zap.Logger
	limiter  Limiter
	tracer   trace.Tracer
	scrapers map[string]Scraper
	sources  []string
}

// Option customizes a Service.
type Option func(*Service)

// WithLimiter paces each scraper through l, keyed by source.
func WithLimiter(l Limiter) Option {
	return func(s *Service) {
		s.limiter = l
	}
}

// WithTracer overrides the tracer used for aggregation spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// New wires a Service. Scrapers are keyed by their lowercase Name.
func New(
	pool Pool,
	cache ResultCache,
	scrapers []Scraper,
	hasher Hasher,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) (*Service, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if cache == nil {
		return nil, errors.New("cache is required")
	}
	if hasher == nil {
		return nil, errors.New("hasher is required")
	}
	s := &Service{
		pool:     pool,
		cache:    cache,
		hasher:   hasher,
		cfg:      cfg,
		logger:   logging.OrNop(logger),
		tracer:   telemetry.Tracer(),
		scrapers: make(map[string]Scraper, len(scrapers)),
	}
	for _, sc := range scrapers {
		name := strings.ToLower(strings.TrimSpace(sc.Name()))
		if _, dup := s.scrapers[name]; dup {
			return nil, fmt.Errorf("duplicate scraper %q", name)
		}
		s.scrapers[name] = sc
		s.sources = append(s.sources, name)
	}
	sort.Strings(s.sources)
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Sources lists the recognized source identifiers, sorted.
func (s *Service) Sources() []string {
	return append([]string(nil), s.sources...)
}

// Aggregate returns the merged listings for params. It fails only when params
// are invalid, the cache lookup fails, no browser can be acquired, or ctx
// ends first. Scraper failures shrink the result instead of failing the call.
func (s *Service) Aggregate(ctx context.Context, params jobs.SearchParams) ([]jobs.JobRecord, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	ctx, span := s.tracer.Start(ctx, "aggregator.Aggregate",
		trace.WithAttributes(
			attribute.String("search.query", params.Query),
			attribute.String("search.location", params.Location),
			attribute.String("search.job_type", params.JobType),
		),
	)
	defer span.End()

	selected, ignored := s.selectSources(params.Sources)
	if len(ignored) > 0 {
		s.logger.Warn("ignoring unrecognized sources", zap.Strings("sources", ignored))
	}
	span.SetAttributes(attribute.StringSlice("search.sources", selected))
	if len(selected) == 0 {
		return []jobs.JobRecord{}, nil
	}

	key := s.Fingerprint(params, selected)
	cached, hit, err := s.cache.Lookup(ctx, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cache lookup")
		return nil, fmt.Errorf("%w: %w", ErrCacheUnavailable, err)
	}
	telemetry.ObserveCacheLookup(hit)
	span.SetAttributes(attribute.Bool("cache.hit", hit))
	if hit {
		s.logger.Info("cache hit", zap.String("query", params.Query), zap.Int("count", len(cached)))
		return nonNil(cached), nil
	}

	h, err := s.pool.Acquire(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "acquire browser")
		return nil, fmt.Errorf("%w: %w", ErrNoBrowser, err)
	}

	s.logger.Info("aggregating",
		zap.String("query", params.Query),
		zap.String("location", params.Location),
		zap.String("job_type", params.JobType),
		zap.Strings("sources", selected),
		zap.Uint64("browser", h.ID()),
	)

	// The fan-out owns the handle. If the caller gives up, scrapers see the
	// canceled ctx and the handle is still released once they return.
	done := make(chan []jobs.JobRecord, 1)
	go func() {
		var records []jobs.JobRecord
		defer func() { done <- records }()
		defer s.pool.Release(h)
		records = s.fanOut(ctx, h, params, selected)
		if ctx.Err() == nil {
			if err := s.cache.Store(ctx, key, records, s.cfg.CacheTTL); err != nil {
				s.logger.Warn("cache store failed", zap.Error(err))
			}
		}
	}()

	select {
	case records := <-done:
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "canceled")
			return nil, fmt.Errorf("aggregate: %w", err)
		}
		s.logger.Info("aggregated", zap.String("query", params.Query), zap.Int("count", len(records)))
		return records, nil
	case <-ctx.Done():
		span.RecordError(ctx.Err())
		span.SetStatus(codes.Error, "abandoned")
		return nil, fmt.Errorf("aggregate: %w", ctx.Err())
	}
}

// Fingerprint is the cache key for params restricted to sources.
func (s *Service) Fingerprint(params jobs.SearchParams, sources []string) string {
	sorted := append([]string(nil), sources...)
	sort.Strings(sorted)
	return s.hasher.Fingerprint(
		normalizeField(params.Query),
		normalizeField(params.Location),
		normalizeField(params.JobType),
		strings.Join(sorted, ","),
	)
}

// selectSources resolves requested names to recognized scrapers, sorted and
// deduplicated. A nil request means the configured defaults.
func (s *Service) selectSources(requested []string) (selected, ignored []string) {
	if requested == nil {
		requested = s.cfg.DefaultSources
		if len(requested) == 0 {
			requested = s.sources
		}
	}
	for _, name := range jobs.NormalizeSources(requested) {
		if _, ok := s.scrapers[name]; ok {
			selected = append(selected, name)
		} else {
			ignored = append(ignored, name)
		}
	}
	sort.Strings(selected)
	return selected, ignored
}

func (s *Service) fanOut(ctx context.Context, h *browser.Handle, params jobs.SearchParams, sources []string) []jobs.JobRecord {
	results := make([][]jobs.JobRecord, len(sources))
	// A plain Group: one scraper failing must not cancel its siblings.
	var g errgroup.Group
	for i, name := range sources {
		i, name := i, name
		sc := s.scrapers[name]
		g.Go(func() error {
			results[i] = s.runScraper(ctx, h, name, sc, params)
			return nil
		})
	}
	_ = g.Wait()

	total := 0
	for _, r := range results {
		total += len(r)
	}
	merged := make([]jobs.JobRecord, 0, total)
	for i, records := range results {
		for _, rec := range records {
			rec.Source = sources[i]
			merged = append(merged, rec)
		}
	}
	if s.cfg.SortByRecency {
		jobs.SortByRecency(merged)
	}
	return merged
}

// runScraper never fails: errors, panics and limiter cancellations all yield
// an empty list.
func (s *Service) runScraper(
	ctx context.Context,
	h *browser.Handle,
	name string,
	sc Scraper,
	params jobs.SearchParams,
) (records []jobs.JobRecord) {
	ctx, span := s.tracer.Start(ctx, "scraper."+name, trace.WithAttributes(attribute.String("source", name)))
	defer span.End()
	logger := s.logger.With(zap.String("source", name))

	start := time.Now()
	status := statusSuccess
	defer func() {
		if r := recover(); r != nil {
			status = statusPanic
			records = nil
			span.SetStatus(codes.Error, "panic")
			logger.Error("scraper panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
		telemetry.ObserveScrape(name, status, len(records), time.Since(start))
		span.SetAttributes(attribute.Int("records", len(records)), attribute.String("status", status))
	}()

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx, name); err != nil {
			status = statusSkipped
			logger.Warn("scraper skipped while waiting for rate limit", zap.Error(err))
			return nil
		}
	}

	if s.cfg.ScraperTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ScraperTimeout)
		defer cancel()
	}

	found, err := sc.ScrapeJobs(ctx, h, params)
	if err != nil {
		status = statusError
		span.RecordError(err)
		span.SetStatus(codes.Error, "scrape failed")
		logger.Error("scraper failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return nil
	}
	logger.Info("scraper finished", zap.Int("count", len(found)), zap.Duration("elapsed", time.Since(start)))
	return found
}

func normalizeField(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func nonNil(records []jobs.JobRecord) []jobs.JobRecord {
	if records == nil {
		return []jobs.JobRecord{}
	}
	return records
}
