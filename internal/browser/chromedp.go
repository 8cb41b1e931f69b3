package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
)

const defaultLaunchTimeout = 30 * time.Second

// ChromedpConfig controls how Chrome processes are started.
type ChromedpConfig struct {
	// ExecPath points at a Chrome/Chromium binary. Empty lets chromedp search PATH.
	ExecPath  string
	UserAgent string
	Headless  bool
	// NoSandbox disables the Chrome sandbox, needed when running as root in containers.
	NoSandbox     bool
	LaunchTimeout time.Duration
	// ExtraFlags are appended to the default allocator flags.
	ExtraFlags map[string]any
}

// ChromedpLauncher starts one headless Chrome process per Launch call.
type ChromedpLauncher struct {
	cfg ChromedpConfig
}

// NewChromedpLauncher builds a launcher; nothing is started until Launch.
func NewChromedpLauncher(cfg ChromedpConfig) *ChromedpLauncher {
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = defaultLaunchTimeout
	}
	return &ChromedpLauncher{cfg: cfg}
}

func (l *ChromedpLauncher) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if l.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if l.cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	opts = append(opts,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.WindowSize(1366, 900),
	)
	if l.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.cfg.ExecPath))
	}
	if l.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(l.cfg.UserAgent))
	}
	for name, value := range l.cfg.ExtraFlags {
		opts = append(opts, chromedp.Flag(name, value))
	}
	return opts
}

// Launch starts Chrome and waits until the DevTools connection is up. The
// browser outlives ctx; ctx only bounds the startup wait.
func (l *ChromedpLauncher) Launch(ctx context.Context) (Instance, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), l.allocatorOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	abort := func() {
		browserCancel()
		allocCancel()
	}

	// The first Run allocates the browser and binds its lifetime to the
	// context it is given, so it must not carry a deadline.
	started := make(chan error, 1)
	go func() { started <- chromedp.Run(browserCtx) }()

	timer := time.NewTimer(l.cfg.LaunchTimeout)
	defer timer.Stop()
	select {
	case err := <-started:
		if err != nil {
			abort()
			return nil, fmt.Errorf("start chrome: %w", err)
		}
	case <-timer.C:
		abort()
		return nil, fmt.Errorf("start chrome: no devtools connection after %s", l.cfg.LaunchTimeout)
	case <-ctx.Done():
		abort()
		return nil, fmt.Errorf("start chrome: %w", ctx.Err())
	}

	inst := &chromedpInstance{
		ctx:         browserCtx,
		cancel:      browserCancel,
		allocCancel: allocCancel,
		done:        make(chan struct{}),
	}
	go inst.watch()
	return inst, nil
}

type chromedpInstance struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	done        chan struct{}
	closeOnce   sync.Once
	closeErr    error
}

func (i *chromedpInstance) Context() context.Context {
	return i.ctx
}

func (i *chromedpInstance) Done() <-chan struct{} {
	return i.done
}

func (i *chromedpInstance) watch() {
	var lost <-chan struct{}
	if c := chromedp.FromContext(i.ctx); c != nil && c.Browser != nil {
		lost = c.Browser.LostConnection
	}
	select {
	case <-i.ctx.Done():
	case <-lost:
	}
	close(i.done)
}

// Close asks Chrome to exit, then tears down the allocator which waits for
// the process and removes its temporary profile.
func (i *chromedpInstance) Close() error {
	i.closeOnce.Do(func() {
		err := chromedp.Cancel(i.ctx)
		i.cancel()
		i.allocCancel()
		if err != nil && !errors.Is(err, context.Canceled) {
			i.closeErr = fmt.Errorf("cancel chrome: %w", err)
		}
	})
	return i.closeErr
}
