package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/appliedgeo/gips/internal/logger"
)

// HandlerFunc executes one dispatched tuple of a worker operation.
type HandlerFunc func(ctx context.Context, args []string) error

// LocalQueue is the message-queue style backend: an in-process worker pool
// that runs registered handlers. Job ids are opaque uuids and liveness is
// tracked directly, the same surface a remote queue would give the scheduler.
type LocalQueue struct {
	mu       sync.Mutex
	handlers map[Op]HandlerFunc
	done     map[string]chan struct{}

	sem    chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	log    *logger.Logger
}

func NewLocalQueue(workers int, log *logger.Logger) *LocalQueue {
	if workers < 1 {
		workers = 1
	}
	if log == nil {
		log = logger.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalQueue{
		handlers: make(map[Op]HandlerFunc),
		done:     make(map[string]chan struct{}),
		sem:      make(chan struct{}, workers),
		ctx:      ctx,
		cancel:   cancel,
		log:      log.WithComponent("localqueue"),
	}
}

// Register binds a handler to an operation. Handlers must be registered
// before anything is submitted for that op.
func (q *LocalQueue) Register(op Op, fn HandlerFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[op] = fn
}

func (q *LocalQueue) Submit(ctx context.Context, op Op, args [][]string, opts SubmitOptions) ([]SubmitResult, error) {
	q.mu.Lock()
	handler, ok := q.handlers[op]
	q.mu.Unlock()

	batches := splitBatches(args, opts.BatchSize)
	results := make([]SubmitResult, 0, len(batches))

	var prev chan struct{}
	for _, batch := range batches {
		result := SubmitResult{Args: batch}
		if !ok {
			result.Stderr = fmt.Sprintf("no handler registered for op %q", op)
			results = append(results, result)
			continue
		}

		jobID := uuid.New().String()
		jobDone := make(chan struct{})
		q.mu.Lock()
		q.done[jobID] = jobDone
		q.mu.Unlock()

		result.JobID = jobID
		results = append(results, result)

		waitFor := prev
		prev = jobDone
		q.wg.Add(1)
		go q.runBatch(op, handler, batch, jobID, jobDone, waitFor)
	}
	return results, nil
}

func (q *LocalQueue) runBatch(op Op, handler HandlerFunc, batch [][]string, jobID string, jobDone, waitFor chan struct{}) {
	defer q.wg.Done()
	defer func() {
		// Drop the tracking entry before closing so that once IsJobAlive
		// says dead, the map no longer holds the job. A long-lived daemon
		// would otherwise accumulate one channel per finished batch.
		q.mu.Lock()
		delete(q.done, jobID)
		q.mu.Unlock()
		close(jobDone)
	}()

	if waitFor != nil {
		select {
		case <-waitFor:
		case <-q.ctx.Done():
			return
		}
	}

	select {
	case q.sem <- struct{}{}:
	case <-q.ctx.Done():
		return
	}
	defer func() { <-q.sem }()

	for _, tuple := range batch {
		if q.ctx.Err() != nil {
			return
		}
		// One bad tuple never aborts its batch siblings.
		if err := handler(q.ctx, tuple); err != nil {
			q.log.Error("Worker handler failed", "op", op, "queue_job_id", jobID, "args", tuple, "error", err)
		}
	}
}

// IsJobAlive reports whether a batch is still queued or running.
func (q *LocalQueue) IsJobAlive(ctx context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	jobDone, ok := q.done[jobID]
	q.mu.Unlock()
	if !ok {
		return false, nil
	}
	select {
	case <-jobDone:
		return false, nil
	default:
		return true, nil
	}
}

// Stop cancels in-flight batches and waits for the pool to drain.
func (q *LocalQueue) Stop() {
	q.cancel()
	q.wg.Wait()
}
