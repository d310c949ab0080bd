package upload

import (
	"context"
	"fmt"

	"github.com/predatorx7/intakelog/pkg/batch"
	"github.com/predatorx7/intakelog/pkg/storage"
)

// DefaultFetchLimit bounds how many unsent rows one trigger reads.
const DefaultFetchLimit = 500

// Uploader feeds unsent rows from the store into the queue.
type Uploader struct {
	store storage.LogStore
	queue *Queue
	limit int
}

func NewUploader(store storage.LogStore, queue *Queue, limit int) *Uploader {
	if limit <= 0 {
		limit = DefaultFetchLimit
	}
	return &Uploader{store: store, queue: queue, limit: limit}
}

// Trigger partitions the oldest unsent rows, queues them and starts a
// background drain. Returns the number of batches queued.
func (u *Uploader) Trigger(ctx context.Context) (int, error) {
	entries, err := u.store.GetUnuploadedLogs(ctx, u.limit)
	if err != nil {
		return 0, fmt.Errorf("failed to read unsent logs: %w", err)
	}
	n := u.queue.Enqueue(batch.Partition(entries)...)
	if n > 0 {
		u.queue.Start()
	}
	return n, nil
}
