package worker

import (
	"sync"

	"go.uber.org/zap"
)

// Pool runs submitted tasks on a fixed number of goroutines.
type Pool struct {
	workerCount int
	tasksCh     chan func()
	wg          sync.WaitGroup
	logger      *zap.Logger

	mu      sync.RWMutex
	stopped bool
}

// NewPool returns a pool of concurrency workers. The task queue holds as many
// tasks as there are workers; Submit blocks beyond that.
func NewPool(concurrency int, logger *zap.Logger) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		workerCount: concurrency,
		tasksCh:     make(chan func(), concurrency),
		logger:      logger,
	}
}

// Start spawns the workers and returns immediately.
func (p *Pool) Start() {
	p.logger.Info("starting worker pool", zap.Int("concurrency", p.workerCount))
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Submit queues task. It returns false once Stop has been called.
func (p *Pool) Submit(task func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return false
	}
	p.tasksCh <- task
	return true
}

// Stop rejects new tasks, lets queued and running ones finish, and waits for
// the workers to exit. It is idempotent.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.tasksCh)
	p.mu.Unlock()

	p.logger.Info("stopping worker pool, waiting for tasks to drain")
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for task := range p.tasksCh {
		p.run(id, task)
	}
}

func (p *Pool) run(id int, task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", zap.Int("workerId", id), zap.Any("panic", r))
		}
	}()
	task()
}
