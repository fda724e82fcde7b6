// Package jobs runs fire-and-forget background work on a bounded worker
// pool. Request paths hand off audit writes and ingestion kicks here so
// they never block a streaming response.
package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Job is one unit of background work. The context is the pool's lifecycle
// context, not the request's; a finished request must not cancel its audit
// write.
type Job func(ctx context.Context)

var (
	// ErrQueueFull is returned when the pool's queue is saturated.
	ErrQueueFull = errors.New("job queue full")

	// ErrShutdown is returned when the pool no longer accepts work.
	ErrShutdown = errors.New("job pool shut down")
)

// Pool is a fixed-size worker pool over a bounded queue.
type Pool struct {
	queue  chan Job
	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// NewPool starts workers goroutines draining a queue of the given depth.
func NewPool(workers, depth int) *Pool {
	if workers <= 0 {
		workers = 2
	}
	if depth <= 0 {
		depth = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	p := &Pool{
		queue:  make(chan Job, depth),
		group:  g,
		ctx:    gctx,
		cancel: cancel,
	}
	for i := 0; i < workers; i++ {
		g.Go(p.worker)
	}
	return p
}

func (p *Pool) worker() error {
	for {
		select {
		case <-p.ctx.Done():
			return nil
		case job, ok := <-p.queue:
			if !ok {
				return nil
			}
			p.run(job)
		}
	}
}

func (p *Pool) run(job Job) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Any("panic", r).Msg("background job panicked")
		}
	}()
	job(p.ctx)
}

// Submit enqueues a job, failing fast when the queue is full or the pool
// has shut down. Callers that can tolerate loss log the error and move on.
func (p *Pool) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrShutdown
	}
	select {
	case p.queue <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown drains queued jobs, waiting up to the grace period before
// cancelling in-flight work. Safe to call more than once.
func (p *Pool) Shutdown(grace time.Duration) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = p.group.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		log.Warn().Msg("job pool shutdown grace expired, cancelling")
		p.cancel()
		<-done
	}
	p.cancel()
}
