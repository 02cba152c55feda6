// Package worker runs the per-thread worker tasks that drain the queue and
// drive the generation collaborator.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kalambet/strand/internal/queue"
)

// Config tunes the Coordinator.
type Config struct {
	// ProcessingTimeout bounds a single Processor invocation. Zero
	// disables the bound.
	ProcessingTimeout time.Duration

	// MaxWorkers caps concurrently running thread workers. Workers wait
	// on a FIFO semaphore, so every active thread eventually gets a turn.
	// Zero or negative defaults to 8.
	MaxWorkers int64

	// WakeInterval is the fallback rescan period used in addition to
	// enqueue notifications. Zero or negative defaults to 1s.
	WakeInterval time.Duration

	// ShutdownGrace bounds how long Run waits for in-flight workers after
	// its context is cancelled. Zero or negative defaults to 10s.
	ShutdownGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 8
	}
	if c.WakeInterval <= 0 {
		c.WakeInterval = time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
	return c
}

// Coordinator keeps exactly one live worker per thread that has pending
// messages. Workers are spawned when a thread becomes active, exit when its
// queue drains, and are reaped on completion. A failure inside one worker
// never affects the coordinator loop or other threads' workers.
type Coordinator struct {
	manager *queue.Manager
	proc    Processor
	cfg     Config
	logger  *slog.Logger
	sem     *semaphore.Weighted

	mu      sync.Mutex
	runners map[string]struct{}
	wg      sync.WaitGroup
	wake    chan struct{}
}

// NewCoordinator wires a Coordinator to its queue and processor.
func NewCoordinator(manager *queue.Manager, proc Processor, cfg Config) *Coordinator {
	cfg = cfg.withDefaults()
	return &Coordinator{
		manager: manager,
		proc:    proc,
		cfg:     cfg,
		logger:  slog.Default(),
		sem:     semaphore.NewWeighted(cfg.MaxWorkers),
		runners: make(map[string]struct{}),
		wake:    make(chan struct{}, 1),
	}
}

// Run drives the coordinator until ctx is cancelled, then waits up to the
// shutdown grace period for in-flight workers to finish.
func (c *Coordinator) Run(ctx context.Context) {
	c.logger.Info("coordinator started", "max_workers", c.cfg.MaxWorkers)

	// Forward enqueue notifications into the select below.
	go func() {
		for {
			if err := c.manager.WaitForWork(ctx, ""); err != nil {
				return
			}
			c.nudge()
		}
	}()

	ticker := time.NewTicker(c.cfg.WakeInterval)
	defer ticker.Stop()

	for {
		c.dispatch(ctx)
		select {
		case <-ctx.Done():
			c.drain()
			return
		case <-c.wake:
		case <-ticker.C:
		}
	}
}

// dispatch starts a worker for every active thread that does not have one.
func (c *Coordinator) dispatch(ctx context.Context) {
	for _, threadID := range c.manager.ActiveThreads() {
		c.mu.Lock()
		if _, running := c.runners[threadID]; running {
			c.mu.Unlock()
			continue
		}
		c.runners[threadID] = struct{}{}
		c.mu.Unlock()

		c.wg.Add(1)
		go c.runThread(ctx, threadID)
	}
}

// runThread drains one thread's queue and exits when it is empty. The
// deferred cleanup removes the bookkeeping entry and re-checks the thread:
// an enqueue racing the exit would otherwise leave work stranded until the
// next tick.
func (c *Coordinator) runThread(ctx context.Context, threadID string) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("worker panicked", "thread_id", threadID, "panic", r)
		}
		c.mu.Lock()
		delete(c.runners, threadID)
		c.mu.Unlock()
		if c.manager.HasMessages(threadID) {
			c.nudge()
		}
		c.wg.Done()
	}()

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer c.sem.Release(1)

	c.logger.Debug("worker started", "thread_id", threadID)
	for ctx.Err() == nil {
		msg, ok := c.manager.Dequeue(threadID)
		if !ok {
			if c.manager.HasMessages(threadID) {
				// Popped entry was a cancelled message; retry at once.
				continue
			}
			break
		}
		c.process(ctx, msg)
	}
	c.logger.Debug("worker exiting", "thread_id", threadID)
}

// process hands one message to the collaborator and records the outcome.
// Collaborator failures are absorbed here; they never propagate.
func (c *Coordinator) process(ctx context.Context, msg queue.Message) {
	prior := history(c.manager, msg)

	pctx := ctx
	if c.cfg.ProcessingTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, c.cfg.ProcessingTimeout)
		defer cancel()
	}

	result, err := c.proc.Process(pctx, msg, prior, func(chunk string) {
		c.manager.AddChunk(msg.ID, chunk)
	})

	switch {
	case err != nil && errors.Is(err, context.DeadlineExceeded):
		c.logger.Warn("processing timed out", "id", msg.ID, "timeout", c.cfg.ProcessingTimeout)
		c.manager.UpdateState(msg.ID, queue.StateFailed,
			fmt.Sprintf("processing timeout after %s", c.cfg.ProcessingTimeout))
	case err != nil:
		c.logger.Warn("processing failed", "id", msg.ID, "error", err)
		c.manager.UpdateState(msg.ID, queue.StateFailed, err.Error())
	default:
		c.manager.SetResult(msg.ID, result)
		c.manager.UpdateState(msg.ID, queue.StateCompleted, "")
		c.logger.Info("message processed", "id", msg.ID, "result_length", len(result))
	}
}

func (c *Coordinator) drain() {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.logger.Info("coordinator stopped")
	case <-time.After(c.cfg.ShutdownGrace):
		c.logger.Warn("workers did not stop within grace period", "grace", c.cfg.ShutdownGrace)
	}
}

func (c *Coordinator) nudge() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}
