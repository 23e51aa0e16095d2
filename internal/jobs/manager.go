package jobs

import (
	"context"
	"sync"
	"time"

	"robofleet/pkg/logger"
)

// Job represents a periodic background task.
type Job interface {
	Name() string
	Interval() time.Duration
	Run(ctx context.Context) error
}

// DeferredJob is a job whose first run waits one full interval instead of running immediately.
type DeferredJob interface {
	Job
	Deferred() bool
}

// Manager orchestrates the lifecycle of a group of periodic jobs.
// One Manager is one cancellation handle: Stop tears every job down.
type Manager struct {
	ctx     context.Context
	cancel  context.CancelFunc
	jobs    []Job
	started bool

	mu sync.Mutex
	wg sync.WaitGroup
}

// NewManager creates a job manager bound to the provided context.
func NewManager(parent context.Context) *Manager {
	ctx, cancel := context.WithCancel(parent)
	return &Manager{
		ctx:    ctx,
		cancel: cancel,
		jobs:   make([]Job, 0),
	}
}

// Register adds a job to the manager. Jobs registered after Start are launched immediately.
func (m *Manager) Register(job Job) {
	if job == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append(m.jobs, job)
	if m.started && m.ctx.Err() == nil {
		m.wg.Add(1)
		go m.runJob(job)
	}
}

// Start launches all registered jobs.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	jobs := append([]Job(nil), m.jobs...)
	for range jobs {
		m.wg.Add(1)
	}
	m.mu.Unlock()

	for _, job := range jobs {
		go m.runJob(job)
	}
}

// Stop signals all jobs to stop.
func (m *Manager) Stop() {
	m.cancel()
}

// StopAndWait signals all jobs to stop and blocks until they exit.
func (m *Manager) StopAndWait() {
	m.cancel()
	m.wg.Wait()
}

// Wait blocks until all jobs exit.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Done is closed once the manager has been stopped.
func (m *Manager) Done() <-chan struct{} {
	return m.ctx.Done()
}

func (m *Manager) runJob(job Job) {
	defer m.wg.Done()

	interval := job.Interval()
	if interval <= 0 {
		interval = time.Minute
	}

	deferred, ok := job.(DeferredJob)
	if !ok || !deferred.Deferred() {
		m.executeJob(job)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.executeJob(job)
		}
	}
}

func (m *Manager) executeJob(job Job) {
	if m.ctx.Err() != nil {
		return
	}
	if err := job.Run(m.ctx); err != nil {
		logger.WarnCtx(m.ctx, "background job %s failed: %v", job.Name(), err)
	}
}

// FuncJob adapts a function to the Job interface
type FuncJob struct {
	name     string
	interval time.Duration
	deferred bool
	fn       func(ctx context.Context) error
}

// NewFuncJob creates a job that runs fn immediately and then every interval
func NewFuncJob(name string, interval time.Duration, fn func(ctx context.Context) error) *FuncJob {
	return &FuncJob{name: name, interval: interval, fn: fn}
}

// NewDeferredFuncJob creates a job that first runs after one interval
func NewDeferredFuncJob(name string, interval time.Duration, fn func(ctx context.Context) error) *FuncJob {
	return &FuncJob{name: name, interval: interval, deferred: true, fn: fn}
}

func (j *FuncJob) Name() string                  { return j.name }
func (j *FuncJob) Interval() time.Duration       { return j.interval }
func (j *FuncJob) Deferred() bool                { return j.deferred }
func (j *FuncJob) Run(ctx context.Context) error { return j.fn(ctx) }
