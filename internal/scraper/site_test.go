package scraper

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-job-aggregator/internal/browser"
	"github.com/JakeFAU/realtime-job-aggregator/internal/jobs"
)

type fakeRenderer struct {
	page Page
	err  error
	got  RenderRequest
}

func (f *fakeRenderer) Render(_ context.Context, _ *browser.Handle, req RenderRequest) (Page, error) {
	f.got = req
	if f.err != nil {
		return Page{}, f.err
	}
	p := f.page
	p.URL = req.URL
	return p, nil
}

func TestSiteScrapeJobs(t *testing.T) {
	t.Parallel()

	renderer := &fakeRenderer{page: Page{Status: 200, HTML: linkedInFixture}}
	site, err := New("linkedin", renderer, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, jobs.SourceLinkedIn, site.Name())

	records, err := site.ScrapeJobs(context.Background(), nil, jobs.SearchParams{Query: "go"})
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Equal(t, "https://www.linkedin.com/jobs/search/?keywords=go", renderer.got.URL)
	assert.Equal(t, ".jobs-search__results-list", renderer.got.WaitSelector)
}

func TestSiteScrapeJobsRenderError(t *testing.T) {
	t.Parallel()

	site, err := New("unstop", &fakeRenderer{err: ErrDisconnected}, nil)
	require.NoError(t, err)

	_, err = site.ScrapeJobs(context.Background(), nil, jobs.SearchParams{Query: "go"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDisconnected))
}

func TestNewUnknownSource(t *testing.T) {
	t.Parallel()

	_, err := New("monster", &fakeRenderer{}, nil)
	require.Error(t, err)
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	all, err := Registry(&fakeRenderer{}, nil)
	require.NoError(t, err)
	names := make([]string, 0, len(all))
	for _, site := range all {
		names = append(names, site.Name())
	}
	assert.Equal(t, []string{"linkedin", "unstop", "wellfound"}, names)

	some, err := Registry(&fakeRenderer{}, nil, "Unstop", "unstop ", "linkedin")
	require.NoError(t, err)
	require.Len(t, some, 2)
	assert.Equal(t, "unstop", some[0].Name())

	_, err = Registry(&fakeRenderer{}, nil, "linkedin", "monster")
	require.ErrorContains(t, err, "monster")
}
