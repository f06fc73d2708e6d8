// Package pool provides a generic, bounded pool of reusable resources with
// FIFO lending and idle/lifetime based reclamation.
//
// The pool knows nothing about the resources it manages. Creation, teardown
// and vetting are delegated to [Hooks]:
//
//	p := pool.New(pool.DefaultConfig(), pool.Hooks[*conn]{
//	    Create:  func(ctx context.Context) (*conn, error) { return dial(ctx) },
//	    Destroy: func(ctx context.Context, c *conn) error { return c.Close() },
//	})
//	defer p.Destroy(context.Background())
//
//	c, err := p.Acquire(ctx)
//	if err != nil {
//	    return err
//	}
//	defer p.Release(c)
package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrDestroyed is returned by Acquire once the pool has been destroyed.
	ErrDestroyed = errors.New("pool: destroyed")
	// ErrRejected is returned to a waiting Acquire when a freshly created
	// resource was refused by BeforeAvailable.
	ErrRejected = errors.New("pool: created resource rejected")
)

// Config controls pool sizing and reclamation.
type Config struct {
	MaxResources int
	MaxIdleTime  time.Duration
	MaxLifeTime  time.Duration
	// GCInterval is the sweep period. Zero or negative disables the sweep.
	GCInterval time.Duration
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		MaxResources: 5,
		MaxIdleTime:  10 * time.Second,
		MaxLifeTime:  30 * time.Second,
		GCInterval:   10 * time.Second,
	}
}

// Hooks are the resource lifecycle callbacks. Create is required; the others
// default to no-ops that accept every resource.
type Hooks[T any] struct {
	Create  func(ctx context.Context) (T, error)
	Destroy func(ctx context.Context, r T) error
	// BeforeAcquire vetoes handing out an idle resource. A vetoed resource is
	// destroyed.
	BeforeAcquire func(r T) bool
	// BeforeAvailable vetoes a resource entering the idle set, including right
	// after creation.
	BeforeAvailable func(r T) bool
}

// Stats is a point-in-time snapshot of pool membership.
type Stats struct {
	Available int
	Acquired  int
	Pending   int
	Size      int
}

// Option configures a Pool.
type Option func(*options)

type options struct {
	logger *slog.Logger
	now    func() time.Time
}

// WithLogger sets the logger used for teardown failures and GC activity.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithClock overrides the time source used for idle and lifetime accounting.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

type wrapper[T any] struct {
	resource    T
	createdAt   time.Time
	acquiredAt  time.Time
	availableAt time.Time
}

type result[T any] struct {
	resource T
	err      error
}

type request[T any] struct {
	ch chan result[T]
}

// Pool lends resources of type T. All methods are safe for concurrent use.
type Pool[T comparable] struct {
	cfg   Config
	hooks Hooks[T]
	log   *slog.Logger
	now   func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	available []*wrapper[T]
	acquired  map[T]*wrapper[T]
	pending   []*request[T]
	// creating and vetting count resources that are momentarily in neither
	// set but still occupy capacity.
	creating  int
	vetting   int
	lending   bool
	destroyed bool

	lendWG sync.WaitGroup
	// releaseWG tracks Release calls inside BeforeAvailable.
	releaseWG sync.WaitGroup
	stopGC chan struct{}
	gcDone chan struct{}
}

// New creates a pool and starts its GC sweep.
func New[T comparable](cfg Config, hooks Hooks[T], opts ...Option) *Pool[T] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}
	if cfg.MaxResources <= 0 {
		cfg.MaxResources = DefaultConfig().MaxResources
	}
	if hooks.Destroy == nil {
		hooks.Destroy = func(context.Context, T) error { return nil }
	}
	if hooks.BeforeAcquire == nil {
		hooks.BeforeAcquire = func(T) bool { return true }
	}
	if hooks.BeforeAvailable == nil {
		hooks.BeforeAvailable = func(T) bool { return true }
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool[T]{
		cfg:      cfg,
		hooks:    hooks,
		log:      o.logger,
		now:      o.now,
		ctx:      ctx,
		cancel:   cancel,
		acquired: make(map[T]*wrapper[T]),
		stopGC:   make(chan struct{}),
		gcDone:   make(chan struct{}),
	}

	if cfg.GCInterval > 0 {
		go p.runGC()
	} else {
		close(p.gcDone)
	}
	return p
}

// Acquire returns an exclusively owned resource. Requests are served in
// arrival order.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T

	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return zero, ErrDestroyed
	}
	req := &request[T]{ch: make(chan result[T], 1)}
	p.pending = append(p.pending, req)
	p.kickLocked()
	p.mu.Unlock()

	select {
	case res := <-req.ch:
		return res.resource, res.err
	case <-ctx.Done():
	}

	p.mu.Lock()
	if p.dropRequestLocked(req) {
		p.mu.Unlock()
		return zero, ctx.Err()
	}
	p.mu.Unlock()

	// Granted while we were giving up.
	if res := <-req.ch; res.err == nil {
		p.Release(res.resource)
	}
	return zero, ctx.Err()
}

// Release returns an acquired resource to the idle set. It reports whether
// the resource is idle again. A resource rejected by BeforeAvailable is no
// longer tracked; the caller should Remove it if it still needs teardown.
func (p *Pool[T]) Release(r T) bool {
	p.mu.Lock()
	w, ok := p.acquired[r]
	if !ok || p.destroyed {
		p.mu.Unlock()
		return false
	}
	delete(p.acquired, r)
	p.vetting++
	p.releaseWG.Add(1)
	p.mu.Unlock()
	defer p.releaseWG.Done()

	keep := p.hooks.BeforeAvailable(r)

	p.mu.Lock()
	p.vetting--
	if p.destroyed {
		p.mu.Unlock()
		p.teardown(r)
		return false
	}
	if keep {
		w.availableAt = p.now()
		p.available = append(p.available, w)
	}
	p.kickLocked()
	p.mu.Unlock()
	return keep
}

// Remove stops tracking r, destroys it and re-triggers lending. The Destroy
// hook's error is returned.
func (p *Pool[T]) Remove(ctx context.Context, r T) error {
	p.mu.Lock()
	p.untrackLocked(r)
	p.mu.Unlock()

	err := p.hooks.Destroy(ctx, r)

	p.mu.Lock()
	p.kickLocked()
	p.mu.Unlock()
	return err
}

// Destroy tears the pool down. Pending and future Acquire calls fail with
// ErrDestroyed. It returns once every tracked resource has been destroyed,
// including those being vetted by a concurrent Release.
func (p *Pool[T]) Destroy(ctx context.Context) error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil
	}
	p.destroyed = true
	resources := make([]T, 0, len(p.available)+len(p.acquired))
	for _, w := range p.available {
		resources = append(resources, w.resource)
	}
	for r := range p.acquired {
		resources = append(resources, r)
	}
	p.available = nil
	p.acquired = make(map[T]*wrapper[T])
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	p.cancel()
	close(p.stopGC)
	<-p.gcDone

	for _, req := range pending {
		req.ch <- result[T]{err: ErrDestroyed}
	}

	var g errgroup.Group
	for _, r := range resources {
		g.Go(func() error {
			if err := p.hooks.Destroy(ctx, r); err != nil {
				p.log.Error("destroy resource", "error", err)
				return err
			}
			return nil
		})
	}
	err := g.Wait()
	p.lendWG.Wait()
	p.releaseWG.Wait()
	return err
}

// Stats returns the current membership counts.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Available: len(p.available),
		Acquired:  len(p.acquired),
		Pending:   len(p.pending),
		Size:      p.sizeLocked(),
	}
}

func (p *Pool[T]) sizeLocked() int {
	return len(p.available) + len(p.acquired) + p.creating + p.vetting
}

// kickLocked starts a lending pass unless one is already running.
func (p *Pool[T]) kickLocked() {
	if p.lending || p.destroyed || len(p.pending) == 0 {
		return
	}
	p.lending = true
	p.lendWG.Add(1)
	go p.lend()
}

func (p *Pool[T]) lend() {
	defer p.lendWG.Done()

	for {
		p.mu.Lock()
		if p.destroyed || len(p.pending) == 0 {
			p.lending = false
			p.mu.Unlock()
			return
		}

		switch {
		case len(p.available) == 0 && p.sizeLocked() < p.cfg.MaxResources:
			p.creating++
			p.mu.Unlock()
			p.create()

		case len(p.available) > 0:
			w := p.available[0]
			p.available = p.available[1:]
			p.vetting++
			p.mu.Unlock()
			p.grant(w)

		default:
			p.lending = false
			p.mu.Unlock()
			return
		}
	}
}

func (p *Pool[T]) create() {
	r, err := p.hooks.Create(p.ctx)
	if err != nil {
		p.mu.Lock()
		p.creating--
		p.failOldestLocked(err)
		p.mu.Unlock()
		return
	}

	keep := p.hooks.BeforeAvailable(r)

	p.mu.Lock()
	p.creating--
	if !keep || p.destroyed {
		if !keep {
			p.failOldestLocked(ErrRejected)
		}
		p.mu.Unlock()
		p.teardown(r)
		return
	}
	now := p.now()
	p.available = append(p.available, &wrapper[T]{resource: r, createdAt: now, availableAt: now})
	p.mu.Unlock()
}

func (p *Pool[T]) grant(w *wrapper[T]) {
	ok := p.hooks.BeforeAcquire(w.resource)

	p.mu.Lock()
	p.vetting--
	if !ok || p.destroyed {
		p.mu.Unlock()
		p.teardown(w.resource)
		return
	}
	if len(p.pending) == 0 {
		p.available = append([]*wrapper[T]{w}, p.available...)
		p.mu.Unlock()
		return
	}
	req := p.pending[0]
	p.pending = p.pending[1:]
	w.acquiredAt = p.now()
	p.acquired[w.resource] = w
	req.ch <- result[T]{resource: w.resource}
	p.mu.Unlock()
}

func (p *Pool[T]) failOldestLocked(err error) {
	if len(p.pending) == 0 {
		return
	}
	req := p.pending[0]
	p.pending = p.pending[1:]
	req.ch <- result[T]{err: err}
}

func (p *Pool[T]) dropRequestLocked(req *request[T]) bool {
	for i, pr := range p.pending {
		if pr == req {
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			return true
		}
	}
	return false
}

func (p *Pool[T]) untrackLocked(r T) bool {
	for i, w := range p.available {
		if w.resource == r {
			p.available = append(p.available[:i], p.available[i+1:]...)
			return true
		}
	}
	if _, ok := p.acquired[r]; ok {
		delete(p.acquired, r)
		return true
	}
	return false
}

// teardown destroys a resource that is no longer tracked.
func (p *Pool[T]) teardown(r T) {
	if err := p.hooks.Destroy(context.Background(), r); err != nil {
		p.log.Error("destroy resource", "error", err)
	}
}

func (p *Pool[T]) runGC() {
	defer close(p.gcDone)

	ticker := time.NewTicker(p.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopGC:
			return
		case <-ticker.C:
			p.collect()
		}
	}
}

// collect reclaims idle resources past MaxIdleTime or MaxLifeTime.
func (p *Pool[T]) collect() {
	p.mu.Lock()
	if p.destroyed || len(p.available) == 0 {
		p.mu.Unlock()
		return
	}
	now := p.now()
	var garbage []T
	kept := p.available[:0]
	for _, w := range p.available {
		if now.Sub(w.availableAt) >= p.cfg.MaxIdleTime || now.Sub(w.createdAt) >= p.cfg.MaxLifeTime {
			garbage = append(garbage, w.resource)
			continue
		}
		kept = append(kept, w)
	}
	p.available = kept
	p.mu.Unlock()

	for _, r := range garbage {
		if err := p.hooks.Destroy(context.Background(), r); err != nil {
			p.log.Error("gc destroy resource", "error", err)
		}
		p.mu.Lock()
		p.kickLocked()
		p.mu.Unlock()
	}
	if len(garbage) > 0 {
		p.log.Debug("gc reclaimed resources", "count", len(garbage))
	}
}
