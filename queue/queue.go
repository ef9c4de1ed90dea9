package queue

import (
	"sync"
)

type Job struct {
	Run    func() error
	OnFail func(error)
}

// Queue is a bounded FIFO of jobs drained by a fixed number of workers.
type Queue struct {
	jobs    chan Job
	workers int

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

func NewQueue(size, workers int) *Queue {
	return &Queue{
		jobs:    make(chan Job, size),
		workers: max(workers, 1),
	}
}

// Enqueue never blocks: it reports false when the queue is full or has
// been stopped.
func (q *Queue) Enqueue(job Job) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.stopped {
		return false
	}

	select {
	case q.jobs <- job:
		return true
	default:
		return false
	}
}

func (q *Queue) Start() {
	for range q.workers {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for job := range q.jobs {
				if err := job.Run(); err != nil {
					if job.OnFail != nil {
						job.OnFail(err)
					}
				}
			}
		}()
	}
}

// Stop refuses new jobs and waits for the queued ones to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	close(q.jobs)
	q.mu.Unlock()

	q.wg.Wait()
}

// Len is the number of jobs waiting for a worker.
func (q *Queue) Len() int {
	return len(q.jobs)
}
