package job

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blockingProcessor struct {
	release chan struct{}
	active  atomic.Int64
	peak    atomic.Int64

	mu   sync.Mutex
	done []string
}

func newBlockingProcessor() *blockingProcessor {
	return &blockingProcessor{release: make(chan struct{})}
}

func (p *blockingProcessor) Process(ctx context.Context, jobID string) {
	n := p.active.Add(1)
	for {
		old := p.peak.Load()
		if n <= old || p.peak.CompareAndSwap(old, n) {
			break
		}
	}
	select {
	case <-p.release:
	case <-ctx.Done():
	}
	p.active.Add(-1)

	p.mu.Lock()
	p.done = append(p.done, jobID)
	p.mu.Unlock()
}

func (p *blockingProcessor) finished() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.done)
}

func TestDispatcher_BoundsConcurrency(t *testing.T) {
	proc := newBlockingProcessor()
	d := NewDispatcher(proc, 2)

	start := time.Now()
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		d.Dispatch(id)
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond, "Dispatch must not block")

	require.Eventually(t, func() bool {
		running, waiting := d.Stats()
		return running == 2 && waiting == 3
	}, time.Second, 5*time.Millisecond)

	close(proc.release)
	require.NoError(t, d.Shutdown(context.Background()))

	assert.Equal(t, 5, proc.finished())
	assert.Equal(t, int64(2), proc.peak.Load())
}

func TestDispatcher_ShutdownDeadlineCancelsInFlight(t *testing.T) {
	proc := newBlockingProcessor()
	d := NewDispatcher(proc, 1)
	d.Dispatch("a")
	d.Dispatch("b")

	require.Eventually(t, func() bool {
		running, _ := d.Stats()
		return running == 1
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := d.Shutdown(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shutdown deadline exceeded")

	// The running job saw cancellation; the queued one never started.
	assert.Equal(t, 1, proc.finished())
}

func TestDispatcher_DispatchAfterShutdownIsDropped(t *testing.T) {
	proc := newBlockingProcessor()
	close(proc.release)
	d := NewDispatcher(proc, 1)
	require.NoError(t, d.Shutdown(context.Background()))

	d.Dispatch("late")
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, proc.finished())
}

func TestNewDispatcher_MinimumOneWorker(t *testing.T) {
	proc := newBlockingProcessor()
	close(proc.release)
	d := NewDispatcher(proc, 0)
	d.Dispatch("a")
	require.NoError(t, d.Shutdown(context.Background()))
	assert.Equal(t, 1, proc.finished())
}

func TestDispatcher_SkipsJobAlreadyQueued(t *testing.T) {
	proc := newBlockingProcessor()
	d := NewDispatcher(proc, 1)
	d.Dispatch("a")
	d.Dispatch("a")

	require.Eventually(t, func() bool {
		running, waiting := d.Stats()
		return running == 1 && waiting == 0
	}, time.Second, 5*time.Millisecond)

	close(proc.release)
	require.NoError(t, d.Shutdown(context.Background()))
	assert.Equal(t, 1, proc.finished())
}

func TestDispatcher_RedispatchAfterFinish(t *testing.T) {
	proc := newBlockingProcessor()
	close(proc.release)
	d := NewDispatcher(proc, 1)
	d.Dispatch("a")
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.queued) == 0
	}, time.Second, 5*time.Millisecond)

	d.Dispatch("a")
	require.NoError(t, d.Shutdown(context.Background()))
	assert.Equal(t, 2, proc.finished())
}
