// Package scraper renders job-search pages in pooled browsers and extracts
// listings from the resulting DOM.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-job-aggregator/internal/browser"
	"github.com/JakeFAU/realtime-job-aggregator/internal/logging"
)

// ErrDisconnected is returned when the handle's browser is already gone.
var ErrDisconnected = errors.New("browser disconnected")

const cookieConsentTimeout = 5 * time.Second

// stealthScript masks the most common automation fingerprints before any
// page script runs.
const stealthScript = `(() => {
  Object.defineProperty(navigator, 'webdriver', { get: () => false });
  Object.defineProperty(navigator, 'languages', { get: () => ['en-US', 'en'] });
  Object.defineProperty(navigator, 'plugins', { get: () => [1, 2, 3, 4, 5] });
  window.chrome = window.chrome || { runtime: {}, app: {} };
})();`

// RenderConfig tunes page rendering.
type RenderConfig struct {
	UserAgent      string
	NavTimeout     time.Duration
	WaitTimeout    time.Duration
	ScrollStep     int
	ScrollLimit    int
	ScrollInterval time.Duration
}

// DefaultRenderConfig mirrors the service defaults.
func DefaultRenderConfig() RenderConfig {
	return RenderConfig{
		NavTimeout:     60 * time.Second,
		WaitTimeout:    10 * time.Second,
		ScrollStep:     300,
		ScrollLimit:    10000,
		ScrollInterval: 200 * time.Millisecond,
	}
}

// RenderRequest names the page to load and the selectors worth waiting for.
type RenderRequest struct {
	URL string
	// WaitSelector is waited for on a best-effort basis; a timeout is not an error.
	WaitSelector string
	// CookieSelector is clicked if it shows up within a few seconds.
	CookieSelector string
}

// Page is the rendered DOM snapshot of one navigation.
type Page struct {
	URL      string
	FinalURL string
	Status   int
	HTML     string
	Scrolled int
}

// PageRenderer loads a page in a tab of a pooled browser.
type PageRenderer interface {
	Render(ctx context.Context, h *browser.Handle, req RenderRequest) (Page, error)
}

// Renderer drives chromedp tabs on pooled browser handles.
type Renderer struct {
	cfg    RenderConfig
	logger *zap.Logger
}

// NewRenderer fills unset config fields from DefaultRenderConfig.
func NewRenderer(cfg RenderConfig, logger *zap.Logger) *Renderer {
	def := DefaultRenderConfig()
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = def.NavTimeout
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = def.WaitTimeout
	}
	if cfg.ScrollStep <= 0 {
		cfg.ScrollStep = def.ScrollStep
	}
	if cfg.ScrollLimit < 0 {
		cfg.ScrollLimit = 0
	}
	if cfg.ScrollInterval <= 0 {
		cfg.ScrollInterval = def.ScrollInterval
	}
	return &Renderer{cfg: cfg, logger: logging.OrNop(logger)}
}

// Render opens a new tab on h, loads req.URL and returns the DOM after
// scrolling. The tab is closed before Render returns.
func (r *Renderer) Render(ctx context.Context, h *browser.Handle, req RenderRequest) (Page, error) {
	if h == nil || !h.Connected() {
		return Page{}, ErrDisconnected
	}

	tabCtx, cancelTab := chromedp.NewContext(h.Context())
	defer cancelTab()

	taskCtx, cancelTask := context.WithTimeout(tabCtx, r.cfg.NavTimeout)
	defer cancelTask()

	stopForward := forwardCancel(ctx, cancelTask)
	defer stopForward()

	meta := &responseMeta{}
	meta.listen(tabCtx)

	setup := chromedp.Tasks{
		network.Enable(),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(stealthScript).Do(ctx)
			return err
		}),
	}
	if r.cfg.UserAgent != "" {
		setup = append(setup, emulation.SetUserAgentOverride(r.cfg.UserAgent))
	}
	if err := chromedp.Run(taskCtx,
		setup,
		chromedp.Navigate(req.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return Page{}, fmt.Errorf("navigate %s: %w", req.URL, err)
	}

	if req.CookieSelector != "" {
		r.bestEffort(taskCtx, "cookie consent", cookieConsentTimeout,
			chromedp.Click(req.CookieSelector, chromedp.ByQuery, chromedp.NodeVisible))
	}
	if req.WaitSelector != "" {
		r.bestEffort(taskCtx, "results selector", r.cfg.WaitTimeout,
			chromedp.WaitReady(req.WaitSelector, chromedp.ByQuery))
	}

	var scrolled int
	if r.cfg.ScrollLimit > 0 {
		if err := chromedp.Run(taskCtx, chromedp.Evaluate(r.scrollScript(), &scrolled, awaitPromise)); err != nil {
			r.logger.Warn("auto-scroll failed", zap.String("url", req.URL), zap.Error(err))
		}
	}

	var html string
	if err := chromedp.Run(taskCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return Page{}, fmt.Errorf("read dom %s: %w", req.URL, err)
	}

	status, finalURL := meta.snapshot()
	if finalURL == "" {
		finalURL = req.URL
	}
	return Page{
		URL:      req.URL,
		FinalURL: finalURL,
		Status:   status,
		HTML:     html,
		Scrolled: scrolled,
	}, nil
}

// bestEffort runs action bounded by timeout and only logs when it fails.
func (r *Renderer) bestEffort(ctx context.Context, what string, timeout time.Duration, action chromedp.Action) {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := chromedp.Run(stepCtx, action); err != nil {
		r.logger.Debug("optional page step skipped", zap.String("step", what), zap.Error(err))
	}
}

// scrollScript scrolls in fixed steps until the page bottom or the pixel
// limit, resolving with the distance covered.
func (r *Renderer) scrollScript() string {
	return fmt.Sprintf(`new Promise((resolve) => {
  let total = 0;
  const timer = setInterval(() => {
    const height = document.body ? document.body.scrollHeight : 0;
    window.scrollBy(0, %d);
    total += %d;
    if (total >= height - window.innerHeight || total > %d) {
      clearInterval(timer);
      resolve(total);
    }
  }, %d);
})`, r.cfg.ScrollStep, r.cfg.ScrollStep, r.cfg.ScrollLimit, r.cfg.ScrollInterval.Milliseconds())
}

func awaitPromise(p *runtime.EvaluateParams) *runtime.EvaluateParams {
	return p.WithAwaitPromise(true)
}

// responseMeta remembers the first document response of a tab.
type responseMeta struct {
	mu     sync.Mutex
	seen   bool
	status int
	url    string
}

func (m *responseMeta) listen(tabCtx context.Context) {
	chromedp.ListenTarget(tabCtx, func(ev any) {
		resp, ok := ev.(*network.EventResponseReceived)
		if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
			return
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.seen {
			return
		}
		m.seen = true
		m.status = int(resp.Response.Status)
		m.url = resp.Response.URL
	})
}

func (m *responseMeta) snapshot() (int, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status, m.url
}

// forwardCancel cancels the tab when the caller's context ends. The returned
// func stops forwarding.
func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
