package browser

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Instance is one running browser process as seen by the pool.
type Instance interface {
	// Context is the browser-level context; tabs are opened as children of it.
	Context() context.Context
	// Done is closed once the browser process is gone or its connection dropped.
	Done() <-chan struct{}
	// Close terminates the browser process.
	Close() error
}

// Launcher starts browser processes on demand.
type Launcher interface {
	Launch(ctx context.Context) (Instance, error)
}

// Handle is an exclusively checked-out reference to one pooled browser.
// Scrapers open their own tabs on it and must close them before the handle is
// released.
type Handle struct {
	id        uint64
	inst      Instance
	createdAt time.Time
	uses      atomic.Int64

	stopOnce sync.Once
	stop     chan struct{}
}

func newHandle(id uint64, inst Instance, createdAt time.Time) *Handle {
	return &Handle{
		id:        id,
		inst:      inst,
		createdAt: createdAt,
		stop:      make(chan struct{}),
	}
}

// ID identifies the handle for logging.
func (h *Handle) ID() uint64 {
	return h.id
}

// Context returns the browser context that tab contexts derive from.
func (h *Handle) Context() context.Context {
	return h.inst.Context()
}

// Done is closed when the underlying browser disconnects.
func (h *Handle) Done() <-chan struct{} {
	return h.inst.Done()
}

// Connected reports whether the browser process is still reachable.
func (h *Handle) Connected() bool {
	select {
	case <-h.inst.Done():
		return false
	default:
		return true
	}
}

// CreatedAt is the launch time of the browser process.
func (h *Handle) CreatedAt() time.Time {
	return h.createdAt
}

// Uses counts how many times the handle has been checked out.
func (h *Handle) Uses() int64 {
	return h.uses.Load()
}

// detach stops the disconnect watcher. Safe to call more than once.
func (h *Handle) detach() {
	h.stopOnce.Do(func() { close(h.stop) })
}
