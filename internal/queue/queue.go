// Package queue is a durable at-least-once task executor. Tasks are JSON
// payloads pushed to a backing store (Redis when configured, in-memory
// otherwise) and drained by a configurable pool of workers. Handlers are
// expected to be idempotent; failed tasks are retried a bounded number of
// times with a fixed delay, then surfaced to the error sink.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"dronedispatch/internal/errs"
)

// Task is one unit of queued work.
type Task struct {
	Type       string          `json:"type"`
	Args       json.RawMessage `json:"args"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Handler processes one task. Long handlers must honor ctx cancellation.
type Handler func(ctx context.Context, args json.RawMessage) error

// ErrorSink receives tasks that exhausted their retries or failed terminally.
type ErrorSink func(task Task, err error)

// backend abstracts the storage behind the queue.
type backend interface {
	push(ctx context.Context, payload []byte, delay time.Duration) error
	// pop blocks up to a short interval and returns nil when nothing is ready.
	pop(ctx context.Context) ([]byte, error)
	close() error
}

// Options configures a Queue.
type Options struct {
	RedisURL    string        // empty selects the in-memory backend
	RetryCount  int           // retries after the first attempt (default 3)
	RetryDelay  time.Duration // delay between attempts (default 60s)
	Concurrency int           // worker goroutines (default 4)
	ErrorSink   ErrorSink
	Registerer  prometheusRegisterer // optional; nil disables instrumentation
}

// Queue dispatches tasks to registered handlers.
type Queue struct {
	be          backend
	retryCount  int
	retryDelay  time.Duration
	concurrency int
	errorSink   ErrorSink
	inst        *instruments

	mu       sync.RWMutex
	handlers map[string]Handler

	wg sync.WaitGroup
}

// New creates a Queue. With a RedisURL the backend is a Redis list/sorted-set
// pair; otherwise an in-memory queue of identical shape is used.
func New(opts Options) (*Queue, error) {
	if opts.RetryCount <= 0 {
		opts.RetryCount = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 60 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}

	var be backend
	var err error
	if opts.RedisURL != "" {
		be, err = newRedisBackend(opts.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("queue: redis backend: %w", err)
		}
	} else {
		be = newMemoryBackend()
	}

	q := &Queue{
		be:          be,
		retryCount:  opts.RetryCount,
		retryDelay:  opts.RetryDelay,
		concurrency: opts.Concurrency,
		errorSink:   opts.ErrorSink,
		handlers:    make(map[string]Handler),
	}
	if opts.Registerer != nil {
		q.inst = newInstruments(opts.Registerer)
	}
	return q, nil
}

// Register binds a handler to a task type. Must be called before Run.
func (q *Queue) Register(taskType string, h Handler) {
	q.mu.Lock()
	q.handlers[taskType] = h
	q.mu.Unlock()
}

// Enqueue pushes a task, optionally delayed.
func (q *Queue) Enqueue(ctx context.Context, taskType string, args any, delay time.Duration) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("queue: marshal args for %s: %w", taskType, err)
	}
	task := Task{Type: taskType, Args: raw, EnqueuedAt: time.Now()}
	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}
	if err := q.be.push(ctx, payload, delay); err != nil {
		return errs.Transient("enqueue "+taskType, err)
	}
	q.inst.enqueued(taskType)
	return nil
}

// Run starts the worker pool and blocks until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	for i := 0; i < q.concurrency; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.worker(ctx)
		}()
	}
	q.wg.Wait()
}

// Close releases the backend.
func (q *Queue) Close() error {
	return q.be.close()
}

func (q *Queue) worker(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		payload, err := q.be.pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("queue: pop: %v", err)
			continue
		}
		if payload == nil {
			continue
		}
		var task Task
		if err := json.Unmarshal(payload, &task); err != nil {
			log.Printf("queue: dropping undecodable task: %v", err)
			continue
		}
		q.dispatch(ctx, task)
	}
}

func (q *Queue) dispatch(ctx context.Context, task Task) {
	q.mu.RLock()
	h, ok := q.handlers[task.Type]
	q.mu.RUnlock()
	if !ok {
		log.Printf("queue: no handler for task type %q", task.Type)
		q.sink(task, fmt.Errorf("no handler registered for %q", task.Type))
		return
	}

	started := time.Now()
	err := h(ctx, task.Args)
	q.inst.observe(task.Type, err == nil, time.Since(started))
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		// Shutdown mid-task; at-least-once delivery means the task may be
		// re-run after restart, which idempotent handlers tolerate.
		return
	}

	if !errs.IsRetryable(err) {
		q.sink(task, err)
		return
	}

	if task.Attempt >= q.retryCount {
		log.Printf("queue: task %s exhausted %d retries: %v", task.Type, q.retryCount, err)
		q.sink(task, err)
		return
	}

	task.Attempt++
	q.inst.retried(task.Type)
	payload, merr := json.Marshal(task)
	if merr != nil {
		q.sink(task, merr)
		return
	}
	if perr := q.be.push(ctx, payload, q.retryDelay); perr != nil {
		log.Printf("queue: re-enqueue %s failed: %v", task.Type, perr)
		q.sink(task, perr)
	}
}

// SetErrorSink replaces the error sink. Call before Run.
func (q *Queue) SetErrorSink(sink ErrorSink) {
	q.mu.Lock()
	q.errorSink = sink
	q.mu.Unlock()
}

func (q *Queue) sink(task Task, err error) {
	q.mu.RLock()
	sink := q.errorSink
	q.mu.RUnlock()
	if sink != nil {
		sink(task, err)
	}
}
