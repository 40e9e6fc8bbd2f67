package utils

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livekit/pcengine/pkg/logger"
)

func TestOpsQueueFIFOAcrossGoroutines(t *testing.T) {
	oq := NewOpsQueue(logger.GetLogger(), "test", 0)
	oq.Start()
	defer oq.Stop()

	const producers = 8
	const perProducer = 50

	var (
		lock     sync.Mutex
		enqueued []int
		executed []int
		running  int
		overlap  bool
		wg       sync.WaitGroup
	)
	wg.Add(producers * perProducer)
	for p := 0; p < producers; p++ {
		go func(p int) {
			for i := 0; i < perProducer; i++ {
				id := p*perProducer + i
				// enqueue order is recorded under the same lock that serializes Enqueue calls
				lock.Lock()
				enqueued = append(enqueued, id)
				err := oq.Enqueue("op", func() {
					lock.Lock()
					running++
					if running > 1 {
						overlap = true
					}
					executed = append(executed, id)
					lock.Unlock()

					lock.Lock()
					running--
					lock.Unlock()
					wg.Done()
				}, nil)
				lock.Unlock()
				require.NoError(t, err)
			}
		}(p)
	}
	wg.Wait()

	lock.Lock()
	defer lock.Unlock()
	require.False(t, overlap)
	require.Equal(t, enqueued, executed)
}

func TestOpsQueueStopDrainsWithoutRunning(t *testing.T) {
	oq := NewOpsQueue(logger.GetLogger(), "test", 0)

	blocker := make(chan struct{})
	started := make(chan struct{})
	oq.Start()
	require.NoError(t, oq.Enqueue("block", func() {
		close(started)
		<-blocker
	}, nil))
	<-started

	ran := false
	dropped := false
	require.NoError(t, oq.Enqueue("queued", func() { ran = true }, func() { dropped = true }))
	require.Equal(t, 1, oq.Len())

	oq.Stop()
	require.True(t, dropped)
	require.True(t, oq.IsStopped())

	err := oq.Enqueue("late", func() { ran = true }, nil)
	require.ErrorIs(t, err, ErrQueueStopped)

	close(blocker)
	select {
	case <-oq.Done():
	case <-time.After(time.Second):
		t.Fatal("worker did not exit")
	}
	require.False(t, ran)
}

func TestOpsQueueOnOpExecuted(t *testing.T) {
	oq := NewOpsQueue(logger.GetLogger(), "test", 1)
	names := make(chan string, 2)
	oq.OnOpExecuted(func(name string) { names <- name })
	oq.Start()
	defer oq.Stop()

	require.NoError(t, oq.Enqueue("a", func() {}, nil))
	require.NoError(t, oq.Enqueue("b", func() {}, nil))
	require.Equal(t, "a", <-names)
	require.Equal(t, "b", <-names)
}
