package repository

import (
	"context"

	"github.com/hszk-dev/tubecache/internal/domain/model"
)

// UploadQueue defines the interface for upload task queue operations.
// Implementations should be provided by the infrastructure layer (in-process channel or RabbitMQ).
type UploadQueue interface {
	// PublishUploadTask sends an upload task to the queue.
	// It may block while the queue is full, until ctx is done.
	PublishUploadTask(ctx context.Context, task model.UploadTask) error

	// ConsumeUploadTasks delivers tasks to handler until ctx is cancelled.
	// The handler is called sequentially; it gates the next dequeue.
	ConsumeUploadTasks(ctx context.Context, handler func(task model.UploadTask) error) error

	// Close gracefully closes the queue.
	Close() error
}
