// Package worker runs background units of work on bounded pools.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

var (
	// ErrQueueFull is returned when the pool's queue has no room.
	ErrQueueFull = errors.New("worker: queue full")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("worker: pool closed")
)

// Job is one unit of work owned by a tenant.
type Job struct {
	TenantID string
	Name     string
	Run      func(ctx context.Context) error
}

// Config sizes a pool.
type Config struct {
	Name      string
	Workers   int
	QueueSize int
	// PerTenant caps how many jobs of one tenant run at once. Zero means Workers.
	PerTenant int
}

// Pool is a fixed set of workers draining a bounded queue. A tenant never
// holds more than PerTenant workers at a time. Jobs of a tenant at its cap
// are parked on the tenant and run by the next of its workers to finish,
// so the shared queue keeps moving for everyone else.
type Pool struct {
	cfg    Config
	jobs   chan Job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger

	mu      sync.RWMutex
	closed  bool
	tenants map[string]*tenantSlots
	tmu     sync.Mutex
}

type tenantSlots struct {
	sem    *semaphore.Weighted
	parked []Job
}

// NewPool starts cfg.Workers workers.
func NewPool(cfg Config) (*Pool, error) {
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("worker: pool %q needs at least one worker", cfg.Name)
	}
	if cfg.QueueSize < 0 {
		return nil, fmt.Errorf("worker: pool %q has negative queue size", cfg.Name)
	}
	if cfg.PerTenant <= 0 || cfg.PerTenant > cfg.Workers {
		cfg.PerTenant = cfg.Workers
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:     cfg,
		jobs:    make(chan Job, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
		tenants: make(map[string]*tenantSlots),
		logger:  slog.Default().With("component", "worker", "pool", cfg.Name),
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.work()
	}
	return p, nil
}

// Submit enqueues job without blocking.
func (p *Pool) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Len reports the number of jobs waiting to run.
func (p *Pool) Len() int {
	p.tmu.Lock()
	defer p.tmu.Unlock()
	n := len(p.jobs)
	for _, t := range p.tenants {
		n += len(t.parked)
	}
	return n
}

// claim takes a slot for job or parks it. Callers hold tmu.
func (p *Pool) claim(job Job) (*tenantSlots, bool) {
	t, ok := p.tenants[job.TenantID]
	if !ok {
		t = &tenantSlots{sem: semaphore.NewWeighted(int64(p.cfg.PerTenant))}
		p.tenants[job.TenantID] = t
	}
	if t.sem.TryAcquire(1) {
		return t, true
	}
	t.parked = append(t.parked, job)
	return t, false
}

func (p *Pool) work() {
	defer p.wg.Done()
	for job := range p.jobs {
		p.run(job)
	}
}

// run executes job and then any jobs parked on its tenant, holding one
// tenant slot throughout. The slot is released only once nothing is parked.
func (p *Pool) run(job Job) {
	p.tmu.Lock()
	t, ok := p.claim(job)
	p.tmu.Unlock()
	if !ok {
		return
	}
	for {
		p.exec(job)
		p.tmu.Lock()
		if len(t.parked) == 0 {
			t.sem.Release(1)
			p.tmu.Unlock()
			return
		}
		job = t.parked[0]
		t.parked = t.parked[1:]
		p.tmu.Unlock()
	}
}

func (p *Pool) exec(job Job) {
	if p.ctx.Err() != nil {
		p.logger.Warn("job dropped at shutdown", "tenant_id", job.TenantID, "job", job.Name)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job panicked", "tenant_id", job.TenantID, "job", job.Name, "panic", r)
		}
	}()
	if err := job.Run(p.ctx); err != nil {
		p.logger.Error("job failed", "tenant_id", job.TenantID, "job", job.Name, "error", err)
	}
}

// Close stops accepting jobs and waits for queued ones to finish. When ctx
// ends first, running jobs see their context cancelled and queued jobs are
// dropped.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}
