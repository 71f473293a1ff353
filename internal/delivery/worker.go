// Package delivery runs the per-platform tasks that carry an accepted pass
// update to devices and Google Wallet.
package delivery

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/cenkalti/backoff/v5"

	"wallet-pass-backend/internal/metrics"
)

// ErrPoolStopped is returned when scheduling after shutdown.
var ErrPoolStopped = errors.New("delivery pool is stopped")

// Task is one unit of delivery work.
//
// Run returns nil when the task is done, a backoff.Permanent error when
// retrying cannot help, or any other error to be retried. Fail records the
// final failure once retries are exhausted or the error was permanent.
type Task interface {
	Name() string
	Run(ctx context.Context) error
	Fail(ctx context.Context, err error)
}

type job struct {
	task    Task
	attempt int
	backoff backoff.BackOff
}

// WorkerPool manages a pool of workers draining a bounded task queue.
// Retries are re-enqueued by timer; workers never sleep.
type WorkerPool struct {
	size   int
	jobs   chan *job
	policy RetryPolicy
	after  func(d time.Duration, f func())
	done   chan struct{}
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(size, queueSize int, policy RetryPolicy) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	if queueSize <= 0 {
		queueSize = size
	}
	return &WorkerPool{
		size:   size,
		jobs:   make(chan *job, queueSize),
		policy: policy,
		after: func(d time.Duration, f func()) {
			time.AfterFunc(d, f)
		},
		done: make(chan struct{}),
	}
}

// Start launches the worker goroutines. They exit when ctx is cancelled.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
	go func() {
		<-ctx.Done()
		close(wp.done)
	}()
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	log.Printf("Delivery worker %d started", id)
	for {
		select {
		case j := <-wp.jobs:
			metrics.QueueDepth.Dec()
			wp.process(ctx, j)
		case <-ctx.Done():
			log.Printf("Delivery worker %d shutting down", id)
			return
		}
	}
}

// Schedule queues tasks for their first attempt, blocking while the queue is
// full.
func (wp *WorkerPool) Schedule(ctx context.Context, tasks ...Task) error {
	for _, t := range tasks {
		j := &job{task: t, backoff: wp.policy.NewBackOff()}
		if err := wp.enqueue(ctx, j); err != nil {
			return err
		}
	}
	return nil
}

func (wp *WorkerPool) enqueue(ctx context.Context, j *job) error {
	select {
	case wp.jobs <- j:
		metrics.QueueDepth.Inc()
		return nil
	case <-wp.done:
		return ErrPoolStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (wp *WorkerPool) process(ctx context.Context, j *job) {
	j.attempt++
	err := j.task.Run(ctx)
	if err == nil {
		return
	}

	if cause, permanent := isPermanent(err); permanent {
		log.Printf("Task %s failed permanently on attempt %d: %v", j.task.Name(), j.attempt, cause)
		j.task.Fail(ctx, cause)
		return
	}

	delay := j.backoff.NextBackOff()
	if delay == backoff.Stop {
		log.Printf("Task %s failed after %d attempts: %v", j.task.Name(), j.attempt, err)
		j.task.Fail(ctx, err)
		return
	}

	metrics.TaskRetries.WithLabelValues(j.task.Name()).Inc()
	log.Printf("Task %s attempt %d failed, retrying in %s: %v", j.task.Name(), j.attempt, delay, err)
	wp.after(delay, func() {
		if err := wp.enqueue(context.Background(), j); err != nil {
			log.Printf("Dropping retry of task %s until restart recovery: %v", j.task.Name(), err)
		}
	})
}
