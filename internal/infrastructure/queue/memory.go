package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/hszk-dev/tubecache/internal/domain/model"
	"github.com/hszk-dev/tubecache/internal/domain/repository"
)

// ErrQueueClosed is returned when publishing to a closed memory queue.
var ErrQueueClosed = errors.New("queue closed")

// MemoryQueue is a bounded in-process upload queue. Publish blocks while the
// buffer is full, which is the backpressure the resolver relies on.
type MemoryQueue struct {
	tasks chan model.UploadTask
	done  chan struct{}
	once  sync.Once
}

// Compile-time verification that MemoryQueue implements repository.UploadQueue.
var _ repository.UploadQueue = (*MemoryQueue)(nil)

// NewMemoryQueue creates a queue holding at most capacity pending tasks.
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &MemoryQueue{
		tasks: make(chan model.UploadTask, capacity),
		done:  make(chan struct{}),
	}
}

// PublishUploadTask enqueues a task, waiting for room until ctx is done.
func (q *MemoryQueue) PublishUploadTask(ctx context.Context, task model.UploadTask) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}

	select {
	case q.tasks <- task:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConsumeUploadTasks hands tasks to handler one at a time. Handler errors are
// logged by the caller; the in-process queue does not redeliver.
func (q *MemoryQueue) ConsumeUploadTasks(ctx context.Context, handler func(task model.UploadTask) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.done:
			return nil
		case task := <-q.tasks:
			_ = handler(task)
		}
	}
}

// Depth reports the number of buffered tasks.
func (q *MemoryQueue) Depth(_ context.Context) (int, error) {
	return len(q.tasks), nil
}

// Close stops consumers. Buffered tasks are discarded.
func (q *MemoryQueue) Close() error {
	q.once.Do(func() { close(q.done) })
	return nil
}
