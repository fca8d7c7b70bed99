package retry

import "sync"

// Pool bounds idle reuse of retry managers for one execution client. The
// size caps the idle free-list, not concurrency: when the pool is empty a
// new manager is constructed rather than blocking the caller, and managers
// released beyond the cap are discarded.
type Pool[T any] struct {
	cfg  Config
	size int

	mu     sync.Mutex
	idle   []*Manager[T]
	active map[*Manager[T]]struct{}
}

// NewPool constructs a pool whose managers share the given configuration.
func NewPool[T any](size int, cfg Config) *Pool[T] {
	if size <= 0 {
		size = 1
	}
	p := new(Pool[T])
	p.cfg = cfg.withDefaults()
	p.size = size
	p.idle = make([]*Manager[T], 0, size)
	p.active = make(map[*Manager[T]]struct{})
	return p
}

// Acquire returns an idle manager, clearing its previous state, or
// constructs a new one when the free-list is empty. Never blocks.
func (p *Pool[T]) Acquire() *Manager[T] {
	p.mu.Lock()
	defer p.mu.Unlock()

	var m *Manager[T]
	if n := len(p.idle); n > 0 {
		m = p.idle[n-1]
		p.idle = p.idle[:n-1]
		// State is cleared lazily here rather than at release, so a manager
		// finishing one owner's use cannot race the next owner's.
		m.Clear()
	} else {
		m = NewManager[T](p.cfg)
	}
	p.active[m] = struct{}{}
	return m
}

// Release returns the manager to the free-list, or discards it when the
// list is at capacity.
func (p *Pool[T]) Release(m *Manager[T]) {
	if m == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, m)
	if len(p.idle) < p.size {
		p.idle = append(p.idle, m)
	}
}

// Do runs fn with an acquired manager, guaranteeing release on every exit
// path including panics.
func (p *Pool[T]) Do(fn func(*Manager[T])) {
	m := p.Acquire()
	defer p.Release(m)
	fn(m)
}

// Shutdown cancels every manager still checked out so no retry loop
// survives client disconnection, then clears the active set.
func (p *Pool[T]) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for m := range p.active {
		m.Cancel()
		delete(p.active, m)
	}
}

func (p *Pool[T]) idleLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

func (p *Pool[T]) activeLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}
