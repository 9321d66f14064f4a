// Package workers runs independent simulation units with bounded
// parallelism. A panic or error in one task never stops its siblings.
package workers

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	ErrClosed          = errors.New("pool closed")
	ErrShutdownTimeout = errors.New("pool shutdown timed out")
)

// Func is one task. ctx is cancelled when the pool stops, when the parent
// context ends or when the task budget elapses.
type Func func(ctx context.Context) error

// Config sizes a pool
type Config struct {
	Name string
	// Size caps concurrently running tasks; zero means GOMAXPROCS
	Size int
	// TaskTimeout bounds each task; zero means no bound
	TaskTimeout time.Duration
}

// Stats is a snapshot of pool counters
type Stats struct {
	Started   int64         `json:"started"`
	Completed int64         `json:"completed"`
	Failed    int64         `json:"failed"`
	Cancelled int64         `json:"cancelled"`
	Panics    int64         `json:"panics"`
	Running   int64         `json:"running"`
	Busy      time.Duration `json:"busy"`
	Slowest   time.Duration `json:"slowest"`
}

// Pool admits tasks through a weighted semaphore. Go blocks while every
// slot is busy, so callers get backpressure instead of an unbounded queue.
type Pool struct {
	cfg    Config
	logger *zap.Logger
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	started, completed, failed, cancelled, panics, running atomic.Int64

	mu      sync.Mutex
	busy    time.Duration
	slowest time.Duration
}

// New creates a pool whose tasks inherit ctx
func New(ctx context.Context, logger *zap.Logger, cfg Config) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = runtime.GOMAXPROCS(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Pool{
		cfg:    cfg,
		logger: logger.With(zap.String("pool", cfg.Name)),
		sem:    semaphore.NewWeighted(int64(cfg.Size)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Go waits for a free slot and runs fn on its own goroutine. It returns
// ErrClosed after Wait or Stop, and the context error once the pool's
// context is done; fn does not run in either case.
func (p *Pool) Go(fn Func) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if err := p.sem.Acquire(p.ctx, 1); err != nil {
		return err
	}
	p.wg.Add(1)
	p.started.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		p.execute(fn)
	}()
	return nil
}

func (p *Pool) execute(fn Func) {
	ctx := p.ctx
	if p.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.TaskTimeout)
		defer cancel()
	}

	p.running.Add(1)
	began := time.Now()
	err := p.protect(ctx, fn)
	took := time.Since(began)
	p.running.Add(-1)

	p.mu.Lock()
	p.busy += took
	if took > p.slowest {
		p.slowest = took
	}
	p.mu.Unlock()

	switch {
	case err == nil:
		p.completed.Add(1)
	case ctx.Err() != nil:
		p.cancelled.Add(1)
	default:
		p.failed.Add(1)
		p.logger.Debug("Task failed", zap.Error(err), zap.Duration("took", took))
	}
}

func (p *Pool) protect(ctx context.Context, fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.logger.Error("Task panicked", zap.Any("panic", r))
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn(ctx)
}

// Wait refuses further tasks and blocks until the admitted ones finish
func (p *Pool) Wait() Stats {
	p.closed.Store(true)
	p.wg.Wait()
	p.cancel()
	return p.Stats()
}

// Stop cancels running tasks and waits up to timeout for them to return
func (p *Pool) Stop(timeout time.Duration) error {
	p.closed.Store(true)
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		p.logger.Warn("Tasks still running after stop", zap.Int64("running", p.running.Load()))
		return ErrShutdownTimeout
	}
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	busy, slowest := p.busy, p.slowest
	p.mu.Unlock()
	return Stats{
		Started:   p.started.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Cancelled: p.cancelled.Load(),
		Panics:    p.panics.Load(),
		Running:   p.running.Load(),
		Busy:      busy,
		Slowest:   slowest,
	}
}

// PanicError wraps a value recovered from a task
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}
