// Package workers provides the bounded goroutine pool shared by parallel
// action fan-out and the webhook delivery consumer.
package workers

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Metrics tracks pool operational counters.
type Metrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// Pool is a bounded goroutine pool.
type Pool struct {
	name    string
	sem     chan struct{}
	wg      sync.WaitGroup
	metrics Metrics
	mu      sync.Mutex
	done    chan struct{}
	closed  bool
	logger  *slog.Logger
}

// New creates a pool with the given max concurrency. A nil logger uses slog.Default.
func New(name string, size int, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		name:   name,
		sem:    make(chan struct{}, size),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Size returns the concurrency bound.
func (p *Pool) Size() int {
	return cap(p.sem)
}

// Submit runs fn on a pool goroutine. It blocks while the pool is at capacity
// and gives up if ctx ends first. Returns ErrPoolShutdown after Shutdown.
func (p *Pool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// wg.Add must happen under the lock so Shutdown's Wait cannot miss it.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	atomic.AddInt64(&p.metrics.Active, 1)
	p.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.metrics.Panics, 1)
				atomic.AddInt64(&p.metrics.Failed, 1)
				p.logger.Error("worker panic", slog.String("pool", p.name), slog.Any("panic", r))
			}
			atomic.AddInt64(&p.metrics.Active, -1)
			<-p.sem
			p.wg.Done()
		}()

		if err := fn(ctx); err != nil {
			atomic.AddInt64(&p.metrics.Failed, 1)
			return
		}
		atomic.AddInt64(&p.metrics.Completed, 1)
	}()

	return nil
}

// Wait blocks until all submitted work completes.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Shutdown refuses new submissions and waits for active work to finish.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of the pool counters.
func (p *Pool) Metrics() Metrics {
	return Metrics{
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}
