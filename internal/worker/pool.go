// Package worker runs detached job tasks with an optional concurrency cap.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// ErrQueueFull is returned when the bounded queue cannot take another task.
var ErrQueueFull = errors.New("task queue is full")

// ErrStopped is returned when submitting to a stopped pool.
var ErrStopped = errors.New("worker pool is stopped")

// Task is one unit of detached work. ctx is cancelled when the pool stops.
type Task func(ctx context.Context)

// Config represents pool configuration.
type Config struct {
	MaxWorkers int // <= 0 runs every task on its own goroutine
	QueueSize  int
}

// Metrics tracks the pool's operational counters.
type Metrics struct {
	ActiveWorkers  atomic.Int64
	PendingTasks   atomic.Int64
	CompletedTasks atomic.Int64
	PanickedTasks  atomic.Int64
}

// Pool runs submitted tasks on a fixed set of workers, or unbounded when
// MaxWorkers is not positive.
type Pool struct {
	maxWorkers int
	tasks      chan Task
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	log        logrus.FieldLogger

	mu      sync.RWMutex
	stopped bool
	metrics Metrics
}

// NewPool creates a pool; call Start before submitting.
func NewPool(cfg Config, log logrus.FieldLogger) *Pool {
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())

	p := &Pool{
		maxWorkers: cfg.MaxWorkers,
		ctx:        ctx,
		cancel:     cancel,
		log:        log,
	}
	if p.Bounded() {
		p.tasks = make(chan Task, cfg.QueueSize)
	}
	return p
}

// Bounded reports whether the pool caps concurrency.
func (p *Pool) Bounded() bool {
	return p.maxWorkers > 0
}

// Start launches the worker goroutines of a bounded pool.
func (p *Pool) Start() {
	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Submit enqueues task without waiting for it to run.
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}

	if !p.Bounded() {
		p.wg.Add(1)
		p.metrics.PendingTasks.Add(1)
		go func() {
			defer p.wg.Done()
			p.process(task)
		}()
		return nil
	}

	select {
	case p.tasks <- task:
		p.metrics.PendingTasks.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop cancels running tasks and waits for workers until ctx expires.
func (p *Pool) Stop(ctx context.Context) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.cancel()
	if p.tasks != nil {
		close(p.tasks)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		p.log.Warn("worker pool stop timed out with tasks still running")
	}
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() map[string]int64 {
	return map[string]int64{
		"active_workers":  p.metrics.ActiveWorkers.Load(),
		"pending_tasks":   p.metrics.PendingTasks.Load(),
		"completed_tasks": p.metrics.CompletedTasks.Load(),
		"panicked_tasks":  p.metrics.PanickedTasks.Load(),
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.process(task)
	}
}

func (p *Pool) process(task Task) {
	p.metrics.PendingTasks.Add(-1)
	p.metrics.ActiveWorkers.Add(1)
	defer func() {
		p.metrics.ActiveWorkers.Add(-1)
		if r := recover(); r != nil {
			p.metrics.PanickedTasks.Add(1)
			p.log.WithField("panic", r).Error("worker task panicked")
			return
		}
		p.metrics.CompletedTasks.Add(1)
	}()

	task(p.ctx)
}
