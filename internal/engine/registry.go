package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// acquireWait bounds how long a caller blocks waiting for a construction
// started by another request.
const acquireWait = 60 * time.Second

// ErrAcquireTimeout is returned to a waiter that gave up. The in-flight
// construction keeps running for the benefit of later callers.
var ErrAcquireTimeout = errors.New("engine initialization timed out after 60 seconds")

// InitError wraps a failed engine construction.
type InitError struct {
	Cause error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("engine initialization failed: %v (check that the configured model provider and credentials are available)", e.Cause)
}

func (e *InitError) Unwrap() error { return e.Cause }

// BuildFunc constructs the engine. It must be all-or-nothing: on error the
// returned engine is discarded, never published.
type BuildFunc func(ctx context.Context) (*Engine, error)

// Status is a snapshot of the registry for the status endpoint.
type Status struct {
	Initialized bool           `json:"initialized"`
	Loading     bool           `json:"loading"`
	Context     map[string]any `json:"context,omitempty"`
	MemorySize  int            `json:"memory_size"`
	CacheSize   int            `json:"cache_size"`
}

// Registry owns the single engine construction slot. State machine:
// empty -> building (first caller), building -> ready (publish, broadcast),
// building -> empty (failure, broadcast, retry allowed). The mutex guards
// only the state transitions; construction itself runs unlocked and late
// arrivals block on the broadcast channel instead.
type Registry struct {
	engine atomic.Pointer[Engine]
	build  BuildFunc
	log    *zap.Logger

	mu       sync.Mutex
	building bool
	ready    chan struct{}
	lastErr  error

	prewarmOnce sync.Once
}

// NewRegistry creates an empty registry around the given builder.
func NewRegistry(build BuildFunc, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		build: build,
		log:   logger,
		ready: make(chan struct{}),
	}
}

// Acquire returns the shared engine, constructing it on first use. Safe for
// any number of concurrent callers; the construction routine runs at most
// once per attempt and all callers observe the same handle once ready.
func (r *Registry) Acquire(ctx context.Context) (*Engine, error) {
	if eng := r.engine.Load(); eng != nil {
		return eng, nil
	}

	r.mu.Lock()
	if eng := r.engine.Load(); eng != nil {
		r.mu.Unlock()
		return eng, nil
	}
	if r.building {
		ch := r.ready
		r.mu.Unlock()
		return r.wait(ctx, ch)
	}
	r.building = true
	ch := r.ready
	r.mu.Unlock()

	r.log.Info("initializing semantic engine")
	start := time.Now()
	eng, err := r.build(ctx)

	r.mu.Lock()
	r.building = false
	if err != nil {
		initErr := &InitError{Cause: err}
		r.lastErr = initErr
		// Wake current waiters, then swap in a fresh channel so a future
		// caller can retry construction.
		close(ch)
		r.ready = make(chan struct{})
		r.mu.Unlock()
		r.log.Error("semantic engine initialization failed", zap.Error(err))
		return nil, initErr
	}
	r.engine.Store(eng)
	r.lastErr = nil
	close(ch)
	r.mu.Unlock()

	r.log.Info("semantic engine initialized", zap.Duration("elapsed", time.Since(start)))
	debug.FreeOSMemory()
	return eng, nil
}

func (r *Registry) wait(ctx context.Context, ch chan struct{}) (*Engine, error) {
	r.log.Info("waiting for engine initialization to complete")
	timer := time.NewTimer(acquireWait)
	defer timer.Stop()

	select {
	case <-ch:
		if eng := r.engine.Load(); eng != nil {
			return eng, nil
		}
		r.mu.Lock()
		err := r.lastErr
		r.mu.Unlock()
		if err == nil {
			err = &InitError{Cause: errors.New("engine construction did not complete")}
		}
		return nil, err
	case <-timer.C:
		return nil, ErrAcquireTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Prewarm fires a single detached initialization per process lifetime so the
// first user request need not pay the cold-start cost. Failure is logged and
// never propagated. The returned channel closes when the attempt finishes.
func (r *Registry) Prewarm() <-chan struct{} {
	done := make(chan struct{})
	started := false
	r.prewarmOnce.Do(func() {
		started = true
		go func() {
			defer close(done)
			r.log.Info("prewarming semantic engine in background")
			if _, err := r.Acquire(context.Background()); err != nil {
				r.log.Warn("background engine prewarm failed", zap.Error(err))
			}
		}()
	})
	if !started {
		close(done)
	}
	return done
}

// Peek returns the engine only if it is already constructed.
func (r *Registry) Peek() *Engine {
	return r.engine.Load()
}

// Status reports initialization state without ever triggering construction.
func (r *Registry) Status() Status {
	eng := r.engine.Load()
	if eng == nil {
		r.mu.Lock()
		loading := r.building
		r.mu.Unlock()
		return Status{Initialized: false, Loading: loading}
	}
	return Status{
		Initialized: true,
		Context:     eng.Context(),
		MemorySize:  eng.MemorySize(),
		CacheSize:   eng.CacheSize(),
	}
}
