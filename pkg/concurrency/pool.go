// Package concurrency provides the long-lived worker pool the server
// library dispatches correlation and extraction work onto, plus a bounded
// fan-out helper for short-lived I/O-bound bursts within a single
// correlation.
package concurrency

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Task is one unit of work submitted to a Pool.
type Task struct {
	ID      string
	Execute func(ctx context.Context) error
	Created time.Time
}

// PoolConfig configures a Pool, mirroring the recognized concurrency.*
// config keys.
type PoolConfig struct {
	MaxWorkers      int           `yaml:"max_workers"`
	QueueSize       int           `yaml:"queue_size"`
	TaskTimeout     time.Duration `yaml:"task_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// worker pulls tasks off its own channel so the dispatcher never blocks
// behind a single slow worker.
type worker struct {
	id       int
	pool     *Pool
	taskChan chan Task
	active   int64
}

// Pool is a fixed-size, reusable worker pool for dispatching correlation
// and extraction jobs without spawning a goroutine per request.
type Pool struct {
	workers   []*worker
	taskQueue chan Task
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    *logrus.Entry
	config    PoolConfig

	totalTasks     int64
	activeTasks    int64
	completedTasks int64
	failedTasks    int64

	mu        sync.RWMutex
	isRunning bool
}

// ErrPoolNotRunning is returned by SubmitTask before Start or after Stop.
var ErrPoolNotRunning = errors.New("concurrency: pool is not running")

// ErrQueueFull is returned by SubmitTask when the bounded queue has no
// room and the caller did not ask to block.
var ErrQueueFull = errors.New("concurrency: task queue is full")

// ErrSubmitTimeout is returned by SubmitTaskWithTimeout when the queue
// stays full for the given duration.
var ErrSubmitTimeout = errors.New("concurrency: task submission timed out")

// NewPool builds a Pool. Zero-valued config fields take runtime.NumCPU
// workers, a queue ten times that size, a 30s task timeout, and a 30s
// shutdown grace period.
func NewPool(config PoolConfig, logger *logrus.Entry) *Pool {
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = runtime.NumCPU()
	}
	if config.QueueSize <= 0 {
		config.QueueSize = config.MaxWorkers * 10
	}
	if config.TaskTimeout <= 0 {
		config.TaskTimeout = 30 * time.Second
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		taskQueue: make(chan Task, config.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.WithField("component", "concurrency.pool"),
		config:    config,
		workers:   make([]*worker, 0, config.MaxWorkers),
	}
	for i := 0; i < config.MaxWorkers; i++ {
		p.workers = append(p.workers, &worker{id: i, pool: p, taskChan: make(chan Task, 1)})
	}
	return p
}

// Start launches the workers and the dispatcher. Calling Start twice is a
// no-op.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isRunning {
		return
	}
	p.logger.WithFields(logrus.Fields{"max_workers": p.config.MaxWorkers, "queue_size": p.config.QueueSize}).Info("starting pool")

	for _, w := range p.workers {
		p.wg.Add(1)
		go w.run()
	}
	p.wg.Add(1)
	go p.dispatch()
	p.isRunning = true
}

// Stop cancels outstanding work and waits for workers to drain, up to the
// configured shutdown timeout.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.isRunning {
		p.mu.Unlock()
		return
	}
	p.isRunning = false
	p.mu.Unlock()

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("pool stopped")
	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("pool shutdown timed out, some workers may still be draining")
	}
}

// SubmitTask enqueues task, failing fast if the queue is full.
func (p *Pool) SubmitTask(task Task) error {
	if !p.running() {
		return ErrPoolNotRunning
	}
	task.Created = time.Now()
	atomic.AddInt64(&p.totalTasks, 1)

	select {
	case p.taskQueue <- task:
		return nil
	case <-p.ctx.Done():
		return p.ctx.Err()
	default:
		atomic.AddInt64(&p.failedTasks, 1)
		return ErrQueueFull
	}
}

// SubmitTaskWithTimeout enqueues task, blocking up to timeout if the queue
// is momentarily full.
func (p *Pool) SubmitTaskWithTimeout(task Task, timeout time.Duration) error {
	if !p.running() {
		return ErrPoolNotRunning
	}
	task.Created = time.Now()
	atomic.AddInt64(&p.totalTasks, 1)

	select {
	case p.taskQueue <- task:
		return nil
	case <-time.After(timeout):
		atomic.AddInt64(&p.failedTasks, 1)
		return ErrSubmitTimeout
	case <-p.ctx.Done():
		return p.ctx.Err()
	}
}

func (p *Pool) running() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.isRunning
}

// Stats is a point-in-time snapshot of Pool activity.
type Stats struct {
	MaxWorkers     int
	ActiveWorkers  int
	QueuedTasks    int
	QueueSize      int
	TotalTasks     int64
	ActiveTasks    int64
	CompletedTasks int64
	FailedTasks    int64
	IsRunning      bool
}

// Stats returns a snapshot of the pool's current activity.
func (p *Pool) Stats() Stats {
	active := 0
	for _, w := range p.workers {
		if atomic.LoadInt64(&w.active) > 0 {
			active++
		}
	}
	return Stats{
		MaxWorkers:     p.config.MaxWorkers,
		ActiveWorkers:  active,
		QueuedTasks:    len(p.taskQueue),
		QueueSize:      p.config.QueueSize,
		TotalTasks:     atomic.LoadInt64(&p.totalTasks),
		ActiveTasks:    atomic.LoadInt64(&p.activeTasks),
		CompletedTasks: atomic.LoadInt64(&p.completedTasks),
		FailedTasks:    atomic.LoadInt64(&p.failedTasks),
		IsRunning:      p.running(),
	}
}

// dispatch hands queued tasks to the first idle worker, falling back to
// blocking on worker 0 when every worker is momentarily busy.
func (p *Pool) dispatch() {
	defer p.wg.Done()
	for {
		select {
		case task := <-p.taskQueue:
			p.assign(task)
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Pool) assign(task Task) {
	for _, w := range p.workers {
		select {
		case w.taskChan <- task:
			return
		default:
		}
	}
	select {
	case p.workers[0].taskChan <- task:
	case <-p.ctx.Done():
		atomic.AddInt64(&p.failedTasks, 1)
	}
}

func (w *worker) run() {
	defer w.pool.wg.Done()
	for {
		select {
		case task := <-w.taskChan:
			w.execute(task)
		case <-w.pool.ctx.Done():
			return
		}
	}
}

func (w *worker) execute(task Task) {
	atomic.StoreInt64(&w.active, 1)
	atomic.AddInt64(&w.pool.activeTasks, 1)
	defer func() {
		atomic.StoreInt64(&w.active, 0)
		atomic.AddInt64(&w.pool.activeTasks, -1)
	}()

	start := time.Now()
	taskCtx, cancel := context.WithTimeout(w.pool.ctx, w.pool.config.TaskTimeout)
	defer cancel()

	err := task.Execute(taskCtx)
	duration := time.Since(start)

	fields := logrus.Fields{"worker_id": w.id, "task_id": task.ID, "duration": duration}
	if err != nil {
		atomic.AddInt64(&w.pool.failedTasks, 1)
		w.pool.logger.WithFields(fields).WithError(err).Error("task failed")
		return
	}
	atomic.AddInt64(&w.pool.completedTasks, 1)
	w.pool.logger.WithFields(fields).Debug("task completed")
}
