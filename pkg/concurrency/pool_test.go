package concurrency

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"funding_arb/internal/mock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPoolRunsSubmittedTasks(t *testing.T) {
	pool := NewWorkerPool("test", 4, 64, mock.NewNopLogger())
	defer pool.Stop()

	var ran int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		err := pool.Submit(func() {
			atomic.AddInt64(&ran, 1)
			wg.Done()
		})
		require.NoError(t, err)
	}
	wg.Wait()
	assert.Equal(t, int64(50), atomic.LoadInt64(&ran))
}

func TestWorkerPoolRejectsWhenSaturated(t *testing.T) {
	pool := NewWorkerPool("test", 1, 1, mock.NewNopLogger())
	defer pool.Stop()

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, pool.Submit(func() {
		close(started)
		<-release
	}))
	<-started

	// Worker is blocked; fill the queue, then the next submit must fail.
	require.NoError(t, pool.Submit(func() {}))
	err := pool.Submit(func() {})
	require.Error(t, err, "submit should fail once the queue is full")
	assert.Contains(t, err.Error(), "saturated")
	assert.Equal(t, uint64(1), pool.Waiting())

	close(release)
}

func TestWorkerPoolRecoversFromPanic(t *testing.T) {
	pool := NewWorkerPool("test", 2, 8, mock.NewNopLogger())
	defer pool.Stop()

	require.NoError(t, pool.Submit(func() { panic("boom") }))

	// The pool must stay usable after a task panics.
	done := make(chan struct{})
	require.NoError(t, pool.Submit(func() { close(done) }))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool stopped processing after a panic")
	}
}

func TestWorkerPoolStopDrainsQueue(t *testing.T) {
	pool := NewWorkerPool("test", 2, 32, mock.NewNopLogger())

	var ran int64
	for i := 0; i < 20; i++ {
		require.NoError(t, pool.Submit(func() {
			time.Sleep(time.Millisecond)
			atomic.AddInt64(&ran, 1)
		}))
	}
	pool.Stop()
	assert.Equal(t, int64(20), atomic.LoadInt64(&ran), "stop should wait for queued tasks")
}

func TestWorkerPoolDefaults(t *testing.T) {
	pool := NewWorkerPool("test", 0, 0, mock.NewNopLogger())
	defer pool.Stop()

	done := make(chan struct{})
	require.NoError(t, pool.Submit(func() { close(done) }))
	<-done
}
