// Package browser manages a bounded pool of headless browser processes that
// are lent exclusively to one aggregation at a time.
package browser

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/realtime-job-aggregator/internal/logging"
	"github.com/JakeFAU/realtime-job-aggregator/internal/telemetry"
)

var (
	// ErrPoolClosed is returned to callers that acquire after, or were queued
	// during, shutdown.
	ErrPoolClosed = errors.New("browser pool closed")
	// ErrLaunch wraps failures to start a browser process.
	ErrLaunch = errors.New("browser launch failed")
)

const closeParallelism = 4

// Config bounds the pool.
type Config struct {
	// MaxPoolSize caps idle + in-use + launching handles.
	MaxPoolSize int
	// MaxUses recycles a handle after this many checkouts. Zero disables.
	MaxUses int
	// MaxAge recycles a handle once its process is older than this. Zero disables.
	MaxAge time.Duration
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Capacity       int   `json:"capacity"`
	Idle           int   `json:"idle"`
	InUse          int   `json:"in_use"`
	Launching      int   `json:"launching"`
	Waiting        int   `json:"waiting"`
	Closed         bool  `json:"closed"`
	Launched       int64 `json:"launched"`
	LaunchFailures int64 `json:"launch_failures"`
	Reused         int64 `json:"reused"`
	Purged         int64 `json:"purged"`
}

type grant struct {
	handle *Handle
	launch bool
	err    error
}

type waiter struct {
	ready chan grant
	elem  *list.Element
}

// Pool lends browser handles to callers, launching new processes lazily up
// to MaxPoolSize and queueing callers FIFO beyond that.
type Pool struct {
	cfg      Config
	launcher Launcher
	logger   *zap.Logger
	now      func() time.Time

	mu        sync.Mutex
	idle      []*Handle
	inUse     map[*Handle]struct{}
	launching int
	waiters   list.List
	closed    bool
	nextID    uint64

	launched       int64
	launchFailures int64
	reused         int64
	purged         int64
}

// Option customizes a Pool.
type Option func(*Pool)

// WithClock overrides the time source used for MaxAge.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

// NewPool builds an empty pool. No browser is started until the first Acquire.
func NewPool(cfg Config, launcher Launcher, logger *zap.Logger, opts ...Option) (*Pool, error) {
	if cfg.MaxPoolSize < 1 {
		return nil, fmt.Errorf("max pool size must be >= 1, got %d", cfg.MaxPoolSize)
	}
	if launcher == nil {
		return nil, errors.New("launcher is required")
	}
	p := &Pool{
		cfg:      cfg,
		launcher: launcher,
		logger:   logging.OrNop(logger),
		now:      time.Now,
		inUse:    make(map[*Handle]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.waiters.Init()
	return p, nil
}

// Acquire returns a connected handle for the caller's exclusive use. It
// reuses the most recently released idle handle, launches a new browser while
// under capacity, and otherwise waits in FIFO order until a handle or slot
// frees up or ctx ends.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if err := ctx.Err(); err != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("acquire browser: %w", err)
	}

	h, stale := p.takeIdleLocked()
	switch {
	case h != nil:
		p.checkoutLocked(h)
		p.reused++
		p.observeLocked()
		p.mu.Unlock()
		p.discard(stale, "disconnected")
		p.logger.Debug("reusing idle browser", zap.Uint64("handle", h.ID()), zap.Int64("uses", h.Uses()))
		return h, nil
	case p.sizeLocked() < p.cfg.MaxPoolSize:
		p.launching++
		p.observeLocked()
		p.mu.Unlock()
		p.discard(stale, "disconnected")
		return p.launch(ctx)
	}

	w := &waiter{ready: make(chan grant, 1)}
	w.elem = p.waiters.PushBack(w)
	position := p.waiters.Len()
	p.observeLocked()
	p.mu.Unlock()
	p.discard(stale, "disconnected")
	p.logger.Debug("waiting for browser", zap.Int("position", position))

	select {
	case g := <-w.ready:
		return p.accept(ctx, g)
	case <-ctx.Done():
	}

	p.mu.Lock()
	if w.elem != nil {
		p.waiters.Remove(w.elem)
		w.elem = nil
		p.observeLocked()
		p.mu.Unlock()
		return nil, fmt.Errorf("wait for browser: %w", ctx.Err())
	}
	p.mu.Unlock()
	// A grant was handed over while ctx ended; give it back.
	p.abandon(<-w.ready)
	return nil, fmt.Errorf("wait for browser: %w", ctx.Err())
}

// Release returns a handle to the pool. Releasing a handle the pool no longer
// tracks (double release, already purged, pool closed) is a logged no-op.
func (p *Pool) Release(h *Handle) {
	if h == nil {
		return
	}
	p.mu.Lock()
	if _, ok := p.inUse[h]; !ok {
		closed := p.closed
		p.mu.Unlock()
		if !closed {
			p.logger.Warn("ignoring release of untracked browser", zap.Uint64("handle", h.ID()))
		}
		return
	}
	delete(p.inUse, h)

	if reason := p.retireReasonLocked(h); reason != "" {
		p.purged++
		p.grantFreedSlotLocked()
		p.observeLocked()
		p.mu.Unlock()
		p.discard([]*Handle{h}, reason)
		return
	}

	if w := p.nextWaiterLocked(); w != nil {
		p.checkoutLocked(h)
		p.reused++
		w.ready <- grant{handle: h}
		p.observeLocked()
		p.mu.Unlock()
		p.logger.Debug("handed browser to waiter", zap.Uint64("handle", h.ID()))
		return
	}

	p.idle = append(p.idle, h)
	p.observeLocked()
	p.mu.Unlock()
}

// CloseAll shuts the pool: queued callers fail with ErrPoolClosed, later
// Acquire calls fail fast, and every idle and in-use browser is closed. Close
// errors are logged. It returns when all browsers are closed or ctx ends.
func (p *Pool) CloseAll(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	handles := make([]*Handle, 0, len(p.idle)+len(p.inUse))
	handles = append(handles, p.idle...)
	for h := range p.inUse {
		handles = append(handles, h)
	}
	p.idle = nil
	p.inUse = make(map[*Handle]struct{})
	rejected := 0
	for w := p.nextWaiterLocked(); w != nil; w = p.nextWaiterLocked() {
		w.ready <- grant{err: ErrPoolClosed}
		rejected++
	}
	p.observeLocked()
	p.mu.Unlock()

	p.logger.Info("closing browser pool",
		zap.Int("browsers", len(handles)),
		zap.Int("rejected_waiters", rejected),
	)

	var eg errgroup.Group
	eg.SetLimit(closeParallelism)
	for _, h := range handles {
		h := h
		eg.Go(func() error {
			p.destroy(h)
			return nil
		})
	}
	done := make(chan struct{})
	go func() {
		_ = eg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("browser pool closed")
	case <-ctx.Done():
		p.logger.Warn("browser pool close interrupted", zap.Error(ctx.Err()))
	}
}

// Stats snapshots the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Capacity:       p.cfg.MaxPoolSize,
		Idle:           len(p.idle),
		InUse:          len(p.inUse),
		Launching:      p.launching,
		Waiting:        p.waiters.Len(),
		Closed:         p.closed,
		Launched:       p.launched,
		LaunchFailures: p.launchFailures,
		Reused:         p.reused,
		Purged:         p.purged,
	}
}

// Closed reports whether CloseAll has been called.
func (p *Pool) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool) accept(ctx context.Context, g grant) (*Handle, error) {
	switch {
	case g.err != nil:
		return nil, g.err
	case g.launch:
		return p.launch(ctx)
	default:
		return g.handle, nil
	}
}

func (p *Pool) abandon(g grant) {
	switch {
	case g.handle != nil:
		// The handover never reached a caller, so it is not a use.
		g.handle.uses.Add(-1)
		p.mu.Lock()
		p.reused--
		p.mu.Unlock()
		p.Release(g.handle)
	case g.launch:
		p.mu.Lock()
		p.launching--
		p.grantFreedSlotLocked()
		p.observeLocked()
		p.mu.Unlock()
	}
}

// launch starts a browser for a slot already reserved in p.launching.
func (p *Pool) launch(ctx context.Context) (*Handle, error) {
	start := time.Now()
	inst, err := p.launcher.Launch(ctx)
	canceled := err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err())
	if !canceled {
		telemetry.ObserveLaunch(err)
	}

	p.mu.Lock()
	p.launching--
	if err != nil {
		if !canceled {
			p.launchFailures++
		}
		p.grantFreedSlotLocked()
		p.observeLocked()
		p.mu.Unlock()
		if canceled {
			p.logger.Debug("browser launch abandoned", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		p.logger.Error("browser launch failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return nil, fmt.Errorf("%w: %w", ErrLaunch, err)
	}
	if p.closed {
		p.observeLocked()
		p.mu.Unlock()
		if cerr := inst.Close(); cerr != nil {
			p.logger.Warn("close browser launched during shutdown", zap.Error(cerr))
		}
		return nil, ErrPoolClosed
	}
	p.nextID++
	h := newHandle(p.nextID, inst, p.now())
	p.launched++
	p.checkoutLocked(h)
	p.observeLocked()
	p.mu.Unlock()

	go p.watch(h)
	p.logger.Info("browser launched", zap.Uint64("handle", h.ID()), zap.Duration("elapsed", time.Since(start)))
	return h, nil
}

// watch purges h as soon as its browser disconnects, whether idle or in use.
func (p *Pool) watch(h *Handle) {
	select {
	case <-h.stop:
		return
	case <-h.Done():
	}

	p.mu.Lock()
	tracked := p.forgetLocked(h)
	if tracked {
		p.purged++
		p.grantFreedSlotLocked()
		p.observeLocked()
	}
	p.mu.Unlock()
	if tracked {
		p.logger.Warn("browser disconnected", zap.Uint64("handle", h.ID()))
		p.discard([]*Handle{h}, "disconnected")
	}
}

func (p *Pool) forgetLocked(h *Handle) bool {
	if _, ok := p.inUse[h]; ok {
		delete(p.inUse, h)
		return true
	}
	for i, idle := range p.idle {
		if idle == h {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			return true
		}
	}
	return false
}

// takeIdleLocked pops the most recently released connected handle. Dead
// handles found on the way are removed and returned for disposal.
func (p *Pool) takeIdleLocked() (*Handle, []*Handle) {
	var stale []*Handle
	for len(p.idle) > 0 {
		last := len(p.idle) - 1
		h := p.idle[last]
		p.idle = p.idle[:last]
		if h.Connected() {
			return h, stale
		}
		p.purged++
		stale = append(stale, h)
	}
	return nil, stale
}

func (p *Pool) checkoutLocked(h *Handle) {
	p.inUse[h] = struct{}{}
	h.uses.Add(1)
}

func (p *Pool) sizeLocked() int {
	return len(p.idle) + len(p.inUse) + p.launching
}

func (p *Pool) nextWaiterLocked() *waiter {
	front := p.waiters.Front()
	if front == nil {
		return nil
	}
	w, _ := p.waiters.Remove(front).(*waiter)
	w.elem = nil
	return w
}

// grantFreedSlotLocked hands spare capacity to the oldest waiter as a
// reserved launch slot.
func (p *Pool) grantFreedSlotLocked() {
	if p.closed || p.sizeLocked() >= p.cfg.MaxPoolSize {
		return
	}
	w := p.nextWaiterLocked()
	if w == nil {
		return
	}
	p.launching++
	w.ready <- grant{launch: true}
}

func (p *Pool) retireReasonLocked(h *Handle) string {
	switch {
	case !h.Connected():
		return "disconnected"
	case p.cfg.MaxUses > 0 && h.Uses() >= int64(p.cfg.MaxUses):
		return "max_uses"
	case p.cfg.MaxAge > 0 && p.now().Sub(h.CreatedAt()) >= p.cfg.MaxAge:
		return "max_age"
	default:
		return ""
	}
}

func (p *Pool) observeLocked() {
	telemetry.ObservePool(len(p.idle), len(p.inUse), p.waiters.Len())
}

func (p *Pool) discard(handles []*Handle, reason string) {
	for _, h := range handles {
		telemetry.ObservePurge(reason)
		p.logger.Debug("discarding browser", zap.Uint64("handle", h.ID()), zap.String("reason", reason))
		p.destroy(h)
	}
}

func (p *Pool) destroy(h *Handle) {
	h.detach()
	if err := h.inst.Close(); err != nil {
		p.logger.Warn("close browser", zap.Uint64("handle", h.ID()), zap.Error(err))
	}
}
