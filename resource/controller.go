package resource

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config holds the limits shared by tree builds and queries.
type Config struct {
	// MemoryLimitBytes caps the heap reserved by builds and block caches.
	// Zero tracks usage without ever blocking.
	MemoryLimitBytes int64

	// MaxWorkers bounds concurrent query workers. Zero means one.
	MaxWorkers int64

	// IOLimitBytesPerSec throttles temp file and blob IO. Zero is unlimited.
	IOLimitBytesPerSec int64
}

// budget is a counted pool of units. An unbounded budget only counts.
type budget struct {
	name  string
	limit int64
	sem   *semaphore.Weighted
	used  atomic.Int64
}

func newBudget(name string, limit int64) *budget {
	b := &budget{name: name, limit: limit}
	if limit > 0 {
		b.sem = semaphore.NewWeighted(limit)
	}
	return b
}

func (b *budget) acquire(ctx context.Context, n int64) error {
	if b.sem != nil {
		if n > b.limit {
			return &LimitError{Resource: b.name, Requested: n, Limit: b.limit}
		}
		if err := b.sem.Acquire(ctx, n); err != nil {
			return err
		}
	}
	b.used.Add(n)
	return nil
}

func (b *budget) tryAcquire(n int64) bool {
	if b.sem != nil && !b.sem.TryAcquire(n) {
		return false
	}
	b.used.Add(n)
	return true
}

func (b *budget) release(n int64) {
	if b.sem != nil {
		b.sem.Release(n)
	}
	b.used.Add(-n)
}

// Controller hands out memory reservations, worker slots and IO budget.
// A nil *Controller imposes no limits.
type Controller struct {
	cfg     Config
	memory  *budget
	workers *budget
	io      *rate.Limiter
}

// NewController returns a controller enforcing cfg.
func NewController(cfg Config) *Controller {
	cfg.MaxWorkers = max(cfg.MaxWorkers, 1)
	c := &Controller{
		cfg:     cfg,
		memory:  newBudget("memory", cfg.MemoryLimitBytes),
		workers: newBudget("workers", cfg.MaxWorkers),
	}
	if cfg.IOLimitBytesPerSec > 0 {
		c.io = rate.NewLimiter(rate.Limit(cfg.IOLimitBytesPerSec), int(cfg.IOLimitBytesPerSec))
	}
	return c
}

// Config returns the limits the controller enforces.
func (c *Controller) Config() Config {
	if c == nil {
		return Config{}
	}
	return c.cfg
}

// AcquireMemory reserves bytes, blocking while the limit would be exceeded.
// A request above the limit itself fails with a *LimitError.
func (c *Controller) AcquireMemory(ctx context.Context, bytes int64) error {
	if c == nil || bytes <= 0 {
		return nil
	}
	return c.memory.acquire(ctx, bytes)
}

// TryAcquireMemory reserves bytes if they are available right now.
func (c *Controller) TryAcquireMemory(bytes int64) bool {
	if c == nil || bytes <= 0 {
		return true
	}
	return c.memory.tryAcquire(bytes)
}

func (c *Controller) ReleaseMemory(bytes int64) {
	if c == nil || bytes <= 0 {
		return
	}
	c.memory.release(bytes)
}

// MemoryUsage returns the bytes currently reserved.
func (c *Controller) MemoryUsage() int64 {
	if c == nil {
		return 0
	}
	return c.memory.used.Load()
}

// AcquireWorker blocks until a worker slot is free.
func (c *Controller) AcquireWorker(ctx context.Context) error {
	if c == nil {
		return ctx.Err()
	}
	return c.workers.acquire(ctx, 1)
}

func (c *Controller) TryAcquireWorker() bool {
	return c == nil || c.workers.tryAcquire(1)
}

func (c *Controller) ReleaseWorker() {
	if c != nil {
		c.workers.release(1)
	}
}

// AcquireIO waits until the IO limit admits n bytes. Requests above the
// limiter's burst are admitted in burst-sized steps.
func (c *Controller) AcquireIO(ctx context.Context, n int) error {
	if c == nil || c.io == nil {
		return nil
	}
	for burst := c.io.Burst(); n > 0; n -= burst {
		if err := c.io.WaitN(ctx, min(n, burst)); err != nil {
			return err
		}
	}
	return nil
}
