package queue

import (
	"context"
	"sync"
)

// InMemoryQueue backs local development and tests.
type InMemoryQueue struct {
	mu      sync.Mutex
	jobs    []Job
	results []JobResult
}

func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{}
}

func (q *InMemoryQueue) SendJob(ctx context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *InMemoryQueue) ReceiveJobs(ctx context.Context, maxMessages int) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := maxMessages
	if count > len(q.jobs) {
		count = len(q.jobs)
	}

	result := make([]Job, count)
	copy(result, q.jobs[:count])
	q.jobs = q.jobs[count:]

	return result, nil
}

func (q *InMemoryQueue) DeleteJob(ctx context.Context, receiptHandle string) error {
	return nil
}

func (q *InMemoryQueue) SendResult(ctx context.Context, result JobResult) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.results = append(q.results, result)
	return nil
}

func (q *InMemoryQueue) GetResults() []JobResult {
	q.mu.Lock()
	defer q.mu.Unlock()
	result := make([]JobResult, len(q.results))
	copy(result, q.results)
	return result
}
