package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/predatorx7/intakelog/pkg/model"
)

func batchOf(id string, entryIDs ...string) model.LogBatch {
	b := model.LogBatch{BatchID: id, LogType: model.LogTypeInfo}
	for _, e := range entryIDs {
		b.Logs = append(b.Logs, model.LogEntry{ID: e})
	}
	return b
}

type recorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *recorder) add(id string) {
	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.mu.Unlock()
}

func TestQueue_FIFOAndFailuresContinue(t *testing.T) {
	rec := &recorder{}
	q := NewQueue(func(ctx context.Context, b model.LogBatch) error {
		rec.add(b.BatchID)
		if b.BatchID == "b1" {
			return errors.New("boom")
		}
		return nil
	}, QueueOptions{})
	defer q.Stop()

	q.Enqueue(batchOf("b1", "1"), batchOf("b2", "2"), batchOf("b3", "3"))
	q.Drain(context.Background())

	if diff := cmp.Diff([]string{"b1", "b2", "b3"}, rec.ids); diff != "" {
		t.Errorf("Unexpected order (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(Stats{Processed: 2, Failed: 1}, q.Stats()); diff != "" {
		t.Errorf("Unexpected stats (-want +got):\n%s", diff)
	}
	if q.Len() != 0 {
		t.Errorf("Expected empty queue, got %d", q.Len())
	}
}

func TestQueue_EnqueueSkipsQueuedEntries(t *testing.T) {
	var got []model.LogBatch
	q := NewQueue(func(ctx context.Context, b model.LogBatch) error {
		got = append(got, b)
		return nil
	}, QueueOptions{})
	defer q.Stop()

	if n := q.Enqueue(batchOf("first", "a", "b")); n != 1 {
		t.Fatalf("Expected 1 batch queued, got %d", n)
	}
	if n := q.Enqueue(batchOf("dup", "a", "b")); n != 0 {
		t.Errorf("Expected duplicate batch to be skipped, got %d", n)
	}
	if n := q.Enqueue(batchOf("partial", "b", "c")); n != 1 {
		t.Errorf("Expected partial batch to be queued, got %d", n)
	}

	q.Drain(context.Background())
	if len(got) != 2 {
		t.Fatalf("Expected 2 batches processed, got %d", len(got))
	}
	if diff := cmp.Diff([]string{"c"}, model.IDs(got[1].Logs)); diff != "" {
		t.Errorf("Expected only the new entry (-want +got):\n%s", diff)
	}

	// Uploaded ids are not queued again by a trigger that read them earlier.
	if n := q.Enqueue(batchOf("stale", "a", "c")); n != 0 {
		t.Errorf("Expected uploaded ids to be rejected, got %d", n)
	}
}

func TestQueue_FailedEntriesCanBeRequeued(t *testing.T) {
	q := NewQueue(func(ctx context.Context, b model.LogBatch) error {
		return errors.New("transfer failed")
	}, QueueOptions{})
	defer q.Stop()

	q.Enqueue(batchOf("b1", "a"))
	q.Drain(context.Background())
	if n := q.Enqueue(batchOf("retry", "a")); n != 1 {
		t.Errorf("Expected failed ids to be retried, got %d", n)
	}
}

func TestQueue_RecentIDsAreBounded(t *testing.T) {
	q := NewQueue(func(ctx context.Context, b model.LogBatch) error { return nil }, QueueOptions{})
	defer q.Stop()

	ids := make([]string, recentLimit+1)
	for i := range ids {
		ids[i] = fmt.Sprintf("id-%d", i)
	}
	q.Enqueue(batchOf("big", ids...))
	q.Drain(context.Background())

	if len(q.recent) != recentLimit || len(q.order) != recentLimit {
		t.Fatalf("Expected %d remembered ids, got %d/%d", recentLimit, len(q.recent), len(q.order))
	}
	if n := q.Enqueue(batchOf("oldest", "id-0")); n != 1 {
		t.Errorf("Expected the oldest id to be forgotten, got %d", n)
	}
}

func TestQueue_ReentrantDrainReturns(t *testing.T) {
	var q *Queue
	calls := 0
	q = NewQueue(func(ctx context.Context, b model.LogBatch) error {
		calls++
		q.Drain(ctx)
		return nil
	}, QueueOptions{})
	defer q.Stop()

	q.Enqueue(batchOf("b1", "1"), batchOf("b2", "2"))
	q.Drain(context.Background())

	if calls != 2 {
		t.Errorf("Expected each batch processed once, got %d calls", calls)
	}
}

func TestQueue_CancelDiscardsRemaining(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := NewQueue(func(c context.Context, b model.LogBatch) error {
		cancel()
		return c.Err()
	}, QueueOptions{})
	defer q.Stop()

	q.Enqueue(batchOf("b1", "1"), batchOf("b2", "2"), batchOf("b3", "3"))
	q.Drain(ctx)

	if diff := cmp.Diff(Stats{Failed: 1, Discarded: 2}, q.Stats()); diff != "" {
		t.Errorf("Unexpected stats (-want +got):\n%s", diff)
	}
	if n := q.Enqueue(batchOf("b2-again", "2")); n != 1 {
		t.Errorf("Discarded entries must be re-queueable, got %d", n)
	}
}

func TestQueue_StartAndWait(t *testing.T) {
	rec := &recorder{}
	q := NewQueue(func(ctx context.Context, b model.LogBatch) error {
		rec.add(b.BatchID)
		return nil
	}, QueueOptions{})
	defer q.Stop()

	q.Enqueue(batchOf("b1", "1"))
	q.Start()
	if err := q.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if len(rec.ids) != 1 {
		t.Errorf("Expected 1 processed batch, got %v", rec.ids)
	}
}
