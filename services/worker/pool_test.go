package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/docpipe/docpipe/model"
	"github.com/docpipe/docpipe/services/progress"
	"github.com/docpipe/docpipe/services/queue"
)

type recordingFailStore struct {
	mu     sync.Mutex
	failed map[uint]string
}

func (s *recordingFailStore) FailExhaustedDocument(ctx context.Context, id uint, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed == nil {
		s.failed = make(map[uint]string)
	}
	s.failed[id] = errMsg
	return nil
}

func TestNackDelayGrowsAndCaps(t *testing.T) {
	if d := nackDelay(1); d != 5*time.Second {
		t.Errorf("attempt 1 delay = %v, want 5s", d)
	}
	if d := nackDelay(2); d != 10*time.Second {
		t.Errorf("attempt 2 delay = %v, want 10s", d)
	}
	if d := nackDelay(3); d != 20*time.Second {
		t.Errorf("attempt 3 delay = %v, want 20s", d)
	}
	if d := nackDelay(20); d != 2*time.Minute {
		t.Errorf("large attempt delay = %v, want the 2m cap", d)
	}
}

func TestHandleExhaustedAttemptsMarksFailedAndAcks(t *testing.T) {
	q := queue.NewMemoryQueue()
	store := &recordingFailStore{}
	tracker := progress.NewTracker(progress.NewBus(), nil)

	pool := NewPool(Config{
		Queue:   q,
		Store:   store,
		Tracker: tracker,
	})

	ctx := context.Background()
	err := q.Enqueue(ctx, model.Job{
		JobID:      "job-1",
		DocumentID: 9,
		Attempt:    queue.MaxAttempts + 1,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	lease, err := q.Claim(ctx, 100*time.Millisecond, time.Minute)
	if err != nil || lease == nil {
		t.Fatalf("claim: %v", err)
	}

	pool.handle(ctx, 0, lease)

	store.mu.Lock()
	msg, ok := store.failed[9]
	store.mu.Unlock()
	if !ok {
		t.Fatal("document not marked failed after exhausting attempts")
	}
	if msg == "" {
		t.Error("failure message empty")
	}

	// The job is settled: nothing visible, nothing leased
	if n, _ := q.Len(ctx); n != 0 {
		t.Errorf("queue depth = %d, exhausted job must not be requeued", n)
	}
	if err := q.Ack(ctx, lease.Token); err != queue.ErrLeaseNotFound {
		t.Errorf("lease should already be settled, ack = %v", err)
	}

	// The final snapshot is visible to subscribers
	sub := tracker.Bus().Subscribe(9)
	defer tracker.Bus().Unsubscribe(sub)
	select {
	case snap := <-sub.C:
		if snap.Status != model.StatusFailed {
			t.Errorf("published status = %s, want failed", snap.Status)
		}
	case <-time.After(time.Second):
		t.Error("no failure snapshot replayed")
	}
}
