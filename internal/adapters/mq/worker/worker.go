// Package worker resolves queued profile lookups off the session loop.
package worker

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"time"

	"github.com/okian/racetrack/internal/adapters/mq/queue"
	"github.com/okian/racetrack/internal/domain/model"
	"github.com/okian/racetrack/pkg/logger"
	"github.com/okian/racetrack/pkg/metrics"
)

// Default worker configuration constants.
const (
	defaultLookupTimeout = 5 * time.Second
	poolShutdownTimeout  = 10 * time.Second
)

// Lookup resolves display metadata for a user.
type Lookup interface {
	GetProfile(ctx context.Context, userID model.UserID) (model.Metadata, error)
}

// Result is the outcome of one lookup. Err is set on failure.
type Result struct {
	Request  queue.Request
	Metadata model.Metadata
	Err      error
}

// Sink receives lookup results.
type Sink interface {
	Deliver(ctx context.Context, r Result)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, r Result)

// Deliver calls f.
func (f SinkFunc) Deliver(ctx context.Context, r Result) { f(ctx, r) }

// Queue defines how workers receive requests.
type Queue interface {
	Dequeue(ctx context.Context) <-chan queue.Request
}

// Worker processes requests until stopped.
type Worker interface {
	// Run starts the worker loop until ctx is canceled.
	Run(ctx context.Context)

	// Shutdown stops the worker after the in-flight lookup.
	Shutdown(ctx context.Context) error
}

// InMemoryWorker implements Worker for processing lookup requests.
type InMemoryWorker struct {
	queue   Queue
	lookup  Lookup
	sink    Sink
	name    string
	timeout time.Duration

	shutdown chan struct{}
	done     chan struct{}

	logger logger.Logger
}

// NewInMemoryWorker creates a new worker with configuration options.
func NewInMemoryWorker(q Queue, lookup Lookup, sink Sink, opts ...Option) *InMemoryWorker {
	w := &InMemoryWorker{
		queue:    q,
		lookup:   lookup,
		sink:     sink,
		name:     "worker",
		timeout:  defaultLookupTimeout,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logger.Named("worker"),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.name != "worker" {
		w.logger = w.logger.Named(w.name)
	}
	return w
}

// Run starts the worker loop.
func (w *InMemoryWorker) Run(ctx context.Context) {
	defer close(w.done)

	requests := w.queue.Dequeue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.shutdown:
			return
		case req, ok := <-requests:
			if !ok {
				return
			}
			if err := w.process(ctx, req); err != nil {
				w.logger.Debug(ctx, "lookup failed", logger.Error(err))
			}
		}
	}
}

// Shutdown gracefully stops the worker.
func (w *InMemoryWorker) Shutdown(ctx context.Context) error {
	close(w.shutdown)

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.logger.Warn(ctx, "shutdown timed out")
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

// process resolves one request and always delivers a result.
func (w *InMemoryWorker) process(ctx context.Context, req queue.Request) error {
	start := time.Now()
	defer func() {
		metrics.RecordWorkerProcessingLatency(float64(time.Since(start).Milliseconds()))
	}()

	lookupCtx, cancel := context.WithTimeout(ctx, w.timeout)
	meta, err := w.lookup.GetProfile(lookupCtx, req.UserID)
	cancel()
	metrics.RecordLookupLatency(float64(time.Since(start).Milliseconds()))

	if err != nil {
		metrics.RecordLookupFailure()
		metrics.RecordWorkerError()
		metrics.RecordErrorByComponent("worker", "lookup_error")
		err = fmt.Errorf("lookup %s: %w", req.UserID, err)
		w.sink.Deliver(ctx, Result{Request: req, Err: err})
		return err
	}
	w.sink.Deliver(ctx, Result{Request: req, Metadata: meta})
	return nil
}

// Pool manages multiple workers over one queue.
type Pool struct {
	workers []*InMemoryWorker
	queue   Queue

	shutdown chan struct{}
	logger   logger.Logger
}

// NewPool creates a worker pool. A non-positive count uses one worker per CPU.
func NewPool(workerCount int, q Queue, lookup Lookup, sink Sink, opts ...Option) *Pool {
	if workerCount < 1 {
		workerCount = runtime.NumCPU()
	}

	pool := &Pool{
		workers:  make([]*InMemoryWorker, workerCount),
		queue:    q,
		shutdown: make(chan struct{}),
		logger:   logger.Named("worker-pool"),
	}
	for i := 0; i < workerCount; i++ {
		workerOpts := append([]Option{WithName("worker-" + strconv.Itoa(i))}, opts...)
		pool.workers[i] = NewInMemoryWorker(q, lookup, sink, workerOpts...)
	}
	return pool
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.workers) }

// Start starts all workers in the pool.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		go w.Run(ctx)
	}
	metrics.UpdateWorkerActiveCount(len(p.workers))
}

// Shutdown closes the queue and waits for every worker to stop.
func (p *Pool) Shutdown(ctx context.Context) error {
	if closer, ok := p.queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			p.logger.Error(ctx, "error closing queue", logger.Error(err))
		}
	}
	for _, w := range p.workers {
		close(w.shutdown)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, poolShutdownTimeout)
	defer cancel()

	for i, w := range p.workers {
		select {
		case <-w.done:
		case <-shutdownCtx.Done():
			p.logger.Warn(ctx, "worker shutdown timed out", logger.Int("worker_id", i))
		}
	}
	metrics.UpdateWorkerActiveCount(0)
	return nil
}
