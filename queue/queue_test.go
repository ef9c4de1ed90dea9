package queue

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueRunsEveryJob(t *testing.T) {
	q := NewQueue(10, 3)
	q.Start()

	var ran atomic.Int32
	for range 10 {
		require.True(t, q.Enqueue(Job{Run: func() error {
			ran.Add(1)
			return nil
		}}))
	}

	q.Stop()
	assert.Equal(t, int32(10), ran.Load())
}

func TestQueueFull(t *testing.T) {
	q := NewQueue(1, 1)

	assert.True(t, q.Enqueue(Job{Run: func() error { return nil }}))
	assert.False(t, q.Enqueue(Job{Run: func() error { return nil }}))
	assert.Equal(t, 1, q.Len())

	q.Start()
	q.Stop()
	assert.Equal(t, 0, q.Len())
}

func TestQueueOnFail(t *testing.T) {
	q := NewQueue(1, 1)
	q.Start()

	boom := errors.New("boom")
	var got error
	var wg sync.WaitGroup
	wg.Add(1)
	q.Enqueue(Job{
		Run: func() error { return boom },
		OnFail: func(err error) {
			got = err
			wg.Done()
		},
	})
	wg.Wait()
	q.Stop()

	assert.ErrorIs(t, got, boom)
}

func TestQueueWorkersRunConcurrently(t *testing.T) {
	q := NewQueue(4, 2)
	q.Start()
	defer q.Stop()

	started := make(chan struct{}, 2)
	release := make(chan struct{})
	for range 2 {
		q.Enqueue(Job{Run: func() error {
			started <- struct{}{}
			<-release
			return nil
		}})
	}

	for range 2 {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("second worker never picked up a job")
		}
	}
	close(release)
}

func TestQueueStoppedRefusesJobs(t *testing.T) {
	q := NewQueue(1, 1)
	q.Start()
	q.Stop()
	q.Stop()

	assert.False(t, q.Enqueue(Job{Run: func() error { return nil }}))
}
