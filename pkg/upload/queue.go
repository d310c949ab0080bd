package upload

import (
	"context"
	"sync"

	"github.com/predatorx7/intakelog/pkg/metrics"
	"github.com/predatorx7/intakelog/pkg/model"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// recentLimit bounds how many uploaded entry ids the queue remembers.
const recentLimit = 10000

// ProcessFunc uploads one batch. A returned error marks the batch failed;
// draining continues with the next one.
type ProcessFunc func(ctx context.Context, b model.LogBatch) error

type QueueOptions struct {
	// Limiter paces batches. Nil means no pacing.
	Limiter *rate.Limiter
	Log     *zap.Logger
}

// Stats counts batch outcomes since the queue was created.
type Stats struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Discarded int `json:"discarded"`
}

// Queue is an in-memory FIFO of batches drained by a single goroutine.
type Queue struct {
	process ProcessFunc
	limiter *rate.Limiter
	log     *zap.Logger

	base   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	items    []model.LogBatch
	inFlight map[string]struct{}
	// recent holds ids of entries uploaded lately; order lists them oldest first.
	recent   map[string]struct{}
	order    []string
	draining bool
	done     chan struct{}
	stats    Stats
}

func NewQueue(process ProcessFunc, opts QueueOptions) *Queue {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		process:  process,
		limiter:  opts.Limiter,
		log:      opts.Log.Named("upload-queue"),
		base:     ctx,
		cancel:   cancel,
		inFlight: make(map[string]struct{}),
		recent:   make(map[string]struct{}),
	}
}

// Enqueue appends batches. Entries already queued, being uploaded or
// recently uploaded are left out; batches left empty are skipped. Returns the number of batches
// added.
func (q *Queue) Enqueue(batches ...model.LogBatch) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	added := 0
	for _, b := range batches {
		fresh := b.Logs[:0:0]
		for _, e := range b.Logs {
			if _, ok := q.inFlight[e.ID]; ok {
				continue
			}
			if _, ok := q.recent[e.ID]; ok {
				continue
			}
			fresh = append(fresh, e)
		}
		if len(fresh) == 0 {
			continue
		}
		for _, e := range fresh {
			q.inFlight[e.ID] = struct{}{}
		}
		b.Logs = fresh
		q.items = append(q.items, b)
		added++
	}
	metrics.UploadQueueDepth.Set(float64(len(q.items)))
	return added
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// begin switches the queue to draining. It reports false when a drain is
// already running.
func (q *Queue) begin() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.draining {
		return false
	}
	q.draining = true
	q.done = make(chan struct{})
	return true
}

// Drain processes batches until the queue is empty. A call made while
// another drain runs returns immediately. If ctx is cancelled the batch in
// progress fails and the remaining batches are discarded; their entries stay
// unsent in the store.
func (q *Queue) Drain(ctx context.Context) {
	if !q.begin() {
		return
	}
	q.run(ctx)
}

// Start drains in the background using the queue's own context.
func (q *Queue) Start() {
	if !q.begin() {
		return
	}
	go q.run(q.base)
}

func (q *Queue) run(ctx context.Context) {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.draining = false
			close(q.done)
			q.mu.Unlock()
			return
		}
		if ctx.Err() != nil {
			discarded := len(q.items)
			for _, b := range q.items {
				q.releaseLocked(b)
			}
			q.items = nil
			q.stats.Discarded += discarded
			metrics.UploadQueueDepth.Set(0)
			q.mu.Unlock()
			q.log.Warn("upload drain cancelled, discarded queued batches", zap.Int("batches", discarded))
			continue
		}
		b := q.items[0]
		q.items = q.items[1:]
		metrics.UploadQueueDepth.Set(float64(len(q.items)))
		q.mu.Unlock()

		var err error
		if q.limiter != nil {
			err = q.limiter.Wait(ctx)
		}
		if err == nil {
			err = q.process(ctx, b)
		}

		q.mu.Lock()
		q.releaseLocked(b)
		if err != nil {
			q.stats.Failed++
		} else {
			q.stats.Processed++
			q.rememberLocked(b)
		}
		q.mu.Unlock()

		if err != nil {
			q.log.Debug("batch failed", zap.String("batch_id", b.BatchID), zap.Error(err))
		}
	}
}

func (q *Queue) releaseLocked(b model.LogBatch) {
	for _, e := range b.Logs {
		delete(q.inFlight, e.ID)
	}
}

// rememberLocked records the ids of an uploaded batch so a trigger that read
// them before they were deleted cannot queue them again.
func (q *Queue) rememberLocked(b model.LogBatch) {
	for _, e := range b.Logs {
		if _, ok := q.recent[e.ID]; ok {
			continue
		}
		q.recent[e.ID] = struct{}{}
		q.order = append(q.order, e.ID)
	}
	if over := len(q.order) - recentLimit; over > 0 {
		for _, id := range q.order[:over] {
			delete(q.recent, id)
		}
		q.order = append([]string(nil), q.order[over:]...)
	}
}

// Wait blocks until no drain is running.
func (q *Queue) Wait(ctx context.Context) error {
	q.mu.Lock()
	if !q.draining {
		q.mu.Unlock()
		return nil
	}
	done := q.done
	q.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels background drains started with Start.
func (q *Queue) Stop() {
	q.cancel()
}
