package database

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryTask is one persistence operation to reattempt. Fn must be
// idempotent; the conflict-guarded transactions are.
type RetryTask struct {
	Name string
	Fn   func(ctx context.Context) error
}

// RetryQueue reattempts failed persistence with exponential backoff
// (200ms up to 2m between attempts, capped overall). Executors enqueue
// here after surfacing PERSIST_FAILED to the caller.
type RetryQueue struct {
	tasks    chan RetryTask
	stopChan chan struct{}
	wg       sync.WaitGroup

	maxElapsed time.Duration

	mu      sync.Mutex
	running bool
}

// NewRetryQueue creates a retry queue with a bounded backlog.
func NewRetryQueue(depth int) *RetryQueue {
	if depth <= 0 {
		depth = 1024
	}
	return &RetryQueue{
		tasks:      make(chan RetryTask, depth),
		stopChan:   make(chan struct{}),
		maxElapsed: 10 * time.Minute,
	}
}

// Enqueue adds a task. A full backlog drops the task and logs; the dirty
// account flusher still converges the account row.
func (q *RetryQueue) Enqueue(task RetryTask) {
	select {
	case q.tasks <- task:
	default:
		log.Printf("[RETRY] Queue full, dropping task %s", task.Name)
	}
}

// Start launches the retry worker.
func (q *RetryQueue) Start() {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()

	q.wg.Add(1)
	go q.run()
	log.Println("[RETRY] Persistence retry queue started")
}

// Stop drains nothing further and waits for the in-flight task.
func (q *RetryQueue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	q.mu.Unlock()

	close(q.stopChan)
	q.wg.Wait()
	log.Println("[RETRY] Persistence retry queue stopped")
}

func (q *RetryQueue) run() {
	defer q.wg.Done()
	for {
		select {
		case <-q.stopChan:
			return
		case task := <-q.tasks:
			q.attempt(task)
		}
	}
}

func (q *RetryQueue) attempt(task RetryTask) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.Multiplier = 5
	bo.MaxInterval = 2 * time.Minute
	bo.MaxElapsedTime = q.maxElapsed

	attempts := 0
	err := backoff.Retry(func() error {
		select {
		case <-q.stopChan:
			return backoff.Permanent(context.Canceled)
		default:
		}
		attempts++
		return task.Fn(context.Background())
	}, bo)

	if err != nil {
		log.Printf("[RETRY] Task %s exhausted after %d attempts: %v", task.Name, attempts, err)
		return
	}
	if attempts > 1 {
		log.Printf("[RETRY] Task %s succeeded on attempt %d", task.Name, attempts)
	}
}
