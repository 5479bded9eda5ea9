package job

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Processor runs one job to a terminal state.
type Processor interface {
	Process(ctx context.Context, jobID string)
}

// Dispatcher runs jobs in the background with bounded concurrency.
// Dispatch never blocks the caller: jobs beyond the limit wait for a slot
// on their own goroutine.
type Dispatcher struct {
	proc Processor
	sem  *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	// queued holds jobs dispatched and not yet finished, so periodic
	// recovery can re-dispatch without stacking duplicates.
	queued map[string]struct{}

	running atomic.Int64
	waiting atomic.Int64
}

// NewDispatcher creates a Dispatcher running at most workers jobs at once.
func NewDispatcher(proc Processor, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		proc:   proc,
		sem:    semaphore.NewWeighted(int64(workers)),
		ctx:    ctx,
		cancel: cancel,
		queued: make(map[string]struct{}),
	}
}

// Dispatch schedules jobID. After Shutdown the job is left pending for
// startup recovery.
func (d *Dispatcher) Dispatch(jobID string) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		zap.L().Warn("dispatcher: closed, job left pending", zap.String("job_id", jobID))
		return
	}
	if _, ok := d.queued[jobID]; ok {
		d.mu.Unlock()
		zap.L().Debug("dispatcher: job already queued", zap.String("job_id", jobID))
		return
	}
	d.queued[jobID] = struct{}{}
	d.wg.Add(1)
	d.mu.Unlock()

	d.waiting.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.release(jobID)
		err := d.sem.Acquire(d.ctx, 1)
		d.waiting.Add(-1)
		if err != nil {
			return
		}
		defer d.sem.Release(1)
		if d.ctx.Err() != nil {
			return
		}

		d.running.Add(1)
		defer d.running.Add(-1)
		d.proc.Process(d.ctx, jobID)
	}()
}

func (d *Dispatcher) release(jobID string) {
	d.mu.Lock()
	delete(d.queued, jobID)
	d.mu.Unlock()
}

// Stats returns how many jobs are running and how many wait for a slot.
func (d *Dispatcher) Stats() (running, waiting int64) {
	return d.running.Load(), d.waiting.Load()
}

// Shutdown stops accepting jobs and waits for in-flight ones. When ctx ends
// first, running jobs are canceled and queued jobs stay pending.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return eris.Wrap(ctx.Err(), "dispatcher: shutdown deadline exceeded, in-flight jobs canceled")
	}
}
