package scraper

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-job-aggregator/internal/browser"
	"github.com/JakeFAU/realtime-job-aggregator/internal/jobs"
	"github.com/JakeFAU/realtime-job-aggregator/internal/logging"
)

// Site scrapes one job board through a shared browser handle.
type Site struct {
	profile  Profile
	renderer PageRenderer
	logger   *zap.Logger
}

// New builds the scraper registered for source.
func New(source string, renderer PageRenderer, logger *zap.Logger) (*Site, error) {
	profile, ok := ProfileFor(source)
	if !ok {
		return nil, fmt.Errorf("unknown source %q", source)
	}
	return NewSite(profile, renderer, logger), nil
}

// Registry builds one Site per name, sharing renderer. Duplicate names are
// collapsed; no names means every known source.
func Registry(renderer PageRenderer, logger *zap.Logger, names ...string) ([]*Site, error) {
	if len(names) == 0 {
		names = Sources()
	}
	names = jobs.NormalizeSources(names)
	sites := make([]*Site, 0, len(names))
	for _, name := range names {
		site, err := New(name, renderer, logger)
		if err != nil {
			return nil, err
		}
		sites = append(sites, site)
	}
	return sites, nil
}

// NewSite builds a scraper from an explicit profile.
func NewSite(profile Profile, renderer PageRenderer, logger *zap.Logger) *Site {
	return &Site{
		profile:  profile,
		renderer: renderer,
		logger:   logging.OrNop(logger).With(zap.String("source", profile.Source)),
	}
}

// Name is the lowercase source identifier.
func (s *Site) Name() string {
	return s.profile.Source
}

// ScrapeJobs renders the site's search page for params in a new tab of h and
// extracts every listing card.
func (s *Site) ScrapeJobs(ctx context.Context, h *browser.Handle, params jobs.SearchParams) ([]jobs.JobRecord, error) {
	target := s.profile.SearchURL(params)
	s.logger.Info("scraping", zap.String("url", target))

	start := time.Now()
	page, err := s.renderer.Render(ctx, h, RenderRequest{
		URL:            target,
		WaitSelector:   s.profile.WaitSelector,
		CookieSelector: s.profile.CookieSelector,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: render: %w", s.profile.Source, err)
	}
	if reason, blocked := DetectBlock(page); blocked {
		s.logger.Warn("page looks blocked",
			zap.String("reason", reason),
			zap.Int("status", page.Status),
			zap.String("final_url", page.FinalURL),
		)
	}

	records, err := s.profile.Extract(page.HTML, page.FinalURL)
	if err != nil {
		return nil, fmt.Errorf("%s: extract: %w", s.profile.Source, err)
	}
	s.logger.Info("extracted listings",
		zap.Int("count", len(records)),
		zap.Int("status", page.Status),
		zap.Int("scrolled_px", page.Scrolled),
		zap.Duration("elapsed", time.Since(start)),
	)
	return records, nil
}
