// Package worker runs routing jobs in-process on a bounded set of goroutines.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrQueueFull = errors.New("routing queue full")
	ErrClosed    = errors.New("worker pool closed")
)

// Handler processes one job id. Returned errors are logged.
type Handler func(ctx context.Context, jobID string) error

// Pool is the inline routing dispatcher: PublishJob never blocks the caller,
// jobs run on the pool's own context so they outlive the request that queued them.
type Pool struct {
	handler     Handler
	concurrency int
	jobs        chan string
	logger      *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewPool(handler Handler, concurrency, queueSize int, logger *slog.Logger) *Pool {
	if concurrency <= 0 {
		concurrency = 2
	}
	if queueSize <= 0 {
		queueSize = concurrency * 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		handler:     handler,
		concurrency: concurrency,
		jobs:        make(chan string, queueSize),
		logger:      logger.With("component", "worker"),
	}
}

// Start launches the workers. They stop once Close has drained the queue.
func (p *Pool) Start(ctx context.Context) {
	p.wg.Add(p.concurrency)
	for i := 0; i < p.concurrency; i++ {
		go func(workerID int) {
			defer p.wg.Done()
			for id := range p.jobs {
				p.run(ctx, workerID, id)
			}
		}(i)
	}
	p.logger.Info("worker pool started", "concurrency", p.concurrency, "queue", cap(p.jobs))
}

func (p *Pool) run(ctx context.Context, workerID int, jobID string) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("routing job panicked",
				"worker", workerID,
				"job_id", jobID,
				"panic", fmt.Sprint(r))
		}
	}()
	if err := p.handler(ctx, jobID); err != nil {
		p.logger.Error("routing job error",
			"worker", workerID,
			"job_id", jobID,
			"cost", time.Since(start),
			"error", err)
	}
}

// PublishJob queues jobID or fails fast with ErrQueueFull.
func (p *Pool) PublishJob(_ context.Context, jobID string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.jobs <- jobID:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting jobs, lets the workers finish what is queued and waits for them.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}
