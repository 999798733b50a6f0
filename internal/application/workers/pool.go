package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aescanero/plugflow/internal/domain"
	"github.com/aescanero/plugflow/internal/ports"
	"go.uber.org/zap"
)

// ErrPoolNotRunning is returned by Invoke before Start or after Shutdown
var ErrPoolNotRunning = errors.New("worker pool is not running")

// Pool bounds concurrent plugin invocations. It wraps a ports.PluginInvoker
// and is itself one, so the step executor can use it transparently.
type Pool struct {
	size    int
	invoker ports.PluginInvoker
	metrics ports.MetricsCollector
	logger  *zap.Logger
	health  *HealthMonitor

	jobs    chan *job
	workers []*worker
	wg      sync.WaitGroup

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
}

// job is one queued invocation
type job struct {
	ctx      context.Context
	pluginID string
	command  string
	params   map[string]interface{}
	result   chan jobResult
}

type jobResult struct {
	output map[string]interface{}
	err    error
}

// worker represents a single worker goroutine
type worker struct {
	id      string
	pool    *Pool
	status  WorkerStatus
	mu      sync.RWMutex
	lastJob time.Time
	handled int
}

// WorkerStatus represents worker status
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusBusy    WorkerStatus = "busy"
	WorkerStatusStopped WorkerStatus = "stopped"
)

// NewPool creates a pool of size workers in front of invoker. metrics may
// be nil.
func NewPool(
	size int,
	invoker ports.PluginInvoker,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
	healthCheckInterval time.Duration,
) *Pool {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	pool := &Pool{
		size:    size,
		invoker: invoker,
		metrics: metrics,
		logger:  logger,
		jobs:    make(chan *job, size),
		workers: make([]*worker, size),
	}
	for i := range pool.workers {
		pool.workers[i] = &worker{
			id:     fmt.Sprintf("worker-%d", i),
			pool:   pool,
			status: WorkerStatusStopped,
		}
	}

	pool.health = NewHealthMonitor(pool, healthCheckInterval, logger)

	return pool
}

// Health returns the pool health monitor
func (p *Pool) Health() *HealthMonitor {
	return p.health
}

// Start starts the worker pool
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("worker pool already started")
	}
	p.logger.Info("starting worker pool", zap.Int("size", p.size))

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.running = true

	for _, w := range p.workers {
		w.setStatus(WorkerStatusIdle)
		p.wg.Add(1)
		go w.run(ctx)
	}

	// Start health monitor
	p.health.Start()

	p.logger.Info("worker pool started", zap.Int("workers", p.size))
	return nil
}

// Invoke queues the invocation and waits for a worker to run it. It gives up
// when ctx is done, whether the job is still queued or running.
func (p *Pool) Invoke(ctx context.Context, pluginID, command string, params map[string]interface{}) (map[string]interface{}, error) {
	j := &job{
		ctx:      ctx,
		pluginID: pluginID,
		command:  command,
		params:   params,
		result:   make(chan jobResult, 1),
	}

	p.mu.RLock()
	if !p.running {
		p.mu.RUnlock()
		return nil, ErrPoolNotRunning
	}
	select {
	case p.jobs <- j:
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return nil, ctx.Err()
	}

	select {
	case res := <-j.result:
		return res.output, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// QueueDepth returns the number of invocations waiting for a worker
func (p *Pool) QueueDepth() int {
	return len(p.jobs)
}

// Shutdown gracefully shuts down the worker pool. Queued jobs that no
// worker picked up fail with ErrPoolNotRunning.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.logger.Info("shutting down worker pool")

	// Stop health monitor
	p.health.Stop()

	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	// Wait for all workers to finish with timeout
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("shutdown timeout: %w", ctx.Err())
	}

	for {
		select {
		case j := <-p.jobs:
			j.result <- jobResult{err: ErrPoolNotRunning}
		default:
			p.logger.Info("worker pool shut down complete")
			return nil
		}
	}
}

// GetStatus returns the status of all workers
func (p *Pool) GetStatus() map[string]WorkerStatus {
	status := make(map[string]WorkerStatus, len(p.workers))
	for _, w := range p.workers {
		w.mu.RLock()
		status[w.id] = w.status
		w.mu.RUnlock()
	}
	return status
}

// run is the main worker loop
func (w *worker) run(ctx context.Context) {
	defer w.pool.wg.Done()

	w.pool.logger.Debug("worker started", zap.String("worker_id", w.id))

	for {
		select {
		case <-ctx.Done():
			w.setStatus(WorkerStatusStopped)
			w.pool.logger.Debug("worker stopped", zap.String("worker_id", w.id))
			return
		case j := <-w.pool.jobs:
			w.handle(j)
		}
	}
}

// handle runs one invocation
func (w *worker) handle(j *job) {
	if err := j.ctx.Err(); err != nil {
		j.result <- jobResult{err: err}
		return
	}

	w.mu.Lock()
	w.status = WorkerStatusBusy
	w.lastJob = time.Now()
	w.handled++
	w.mu.Unlock()

	defer w.setStatus(WorkerStatusIdle)

	startTime := time.Now()
	res := w.invoke(j)

	w.pool.logger.Debug("plugin invocation completed",
		zap.String("worker_id", w.id),
		zap.String("plugin_id", j.pluginID),
		zap.String("command", j.command),
		zap.Duration("duration", time.Since(startTime)),
		zap.Bool("failed", res.err != nil))

	j.result <- res
}

func (w *worker) invoke(j *job) (res jobResult) {
	defer func() {
		if r := recover(); r != nil {
			res = jobResult{err: domain.NonRetryable(fmt.Errorf("plugin %s.%s panicked: %v", j.pluginID, j.command, r))}
		}
	}()
	out, err := w.pool.invoker.Invoke(j.ctx, j.pluginID, j.command, j.params)
	return jobResult{output: out, err: err}
}

func (w *worker) setStatus(s WorkerStatus) {
	w.mu.Lock()
	w.status = s
	w.mu.Unlock()
}
